// Package statlog periodically snapshots relay counters to a CSV file,
// one row per period with a Unix timestamp column prepended — the same
// shape as kcptun's SnmpLogger/DefaultSnmp.
package statlog

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Source is anything that can render itself as a CSV header/row pair, the
// contract internal/relay.Stats satisfies.
type Source interface {
	Header() []string
	ToSlice() []string
}

// Run starts the periodic flush loop. It returns immediately if path is
// empty or period is non-positive, mirroring SnmpLogger's early return
// when the feature is disabled. Callers run it in its own goroutine and
// stop it by canceling ctx.
func Run(ctx context.Context, path string, period time.Duration, src Source) {
	if path == "" || period <= 0 {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flush(path, src)
		}
	}
}

// flush appends one row, writing the header first if the target file is
// new or empty. The path may contain a time.Format layout in its
// filename component, letting operators roll logs by day.
func flush(path string, src Source) {
	logdir, logfile := filepath.Split(path)
	target := logdir + time.Now().Format(logfile)

	f, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Println("statlog:", err)
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
		if err := w.Write(append([]string{"Unix"}, src.Header()...)); err != nil {
			log.Println("statlog:", err)
		}
	}
	if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, src.ToSlice()...)); err != nil {
		log.Println("statlog:", err)
	}
	w.Flush()
}
