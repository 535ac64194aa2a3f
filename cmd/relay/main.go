package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/relaylabs/udprelay/internal/adversary"
	"github.com/relaylabs/udprelay/internal/relay"
	"github.com/relaylabs/udprelay/internal/statlog"
)

// VERSION is injected by build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
	defer checkPanic()

	myApp := cli.NewApp()
	myApp.Name = "relay"
	myApp.Usage = "TCP-over-UDP relay: target or forward endpoint"
	myApp.Version = VERSION
	myApp.ArgsUsage = "<peer> <base-udp-port> target|<forward-target-host> [<tcp-port>]"
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "log", Value: "", Usage: "specify a log file to output, default goes to stderr"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress per-channel activation/deactivation chatter"},
		cli.IntFlag{Name: "timeout", Value: 5000, Usage: "sender ACK timeout in milliseconds"},
		cli.IntFlag{Name: "max-retries", Value: relay.DefaultMaxRetries, Usage: "bounded retransmit count before a timed-out channel resets"},
		cli.IntFlag{Name: "max-channels", Value: relay.DefaultMaxChannels, Usage: "override the channel table size (<= 16)"},
		cli.StringFlag{Name: "statslog", Value: "", Usage: "collect periodic counters to file, aware of time format, like: ./stats-20060102.log"},
		cli.IntFlag{Name: "statsperiod", Value: 60, Usage: "statslog collection period, in seconds"},
		cli.Float64Flag{Name: "drop-rate", Value: 0, Usage: "adversary hook: probability a datagram is dropped"},
		cli.Float64Flag{Name: "corrupt-rate", Value: 0, Usage: "adversary hook: probability a datagram is bit-corrupted"},
		cli.Float64Flag{Name: "duplicate-rate", Value: 0, Usage: "adversary hook: probability a datagram is duplicated"},
		cli.Float64Flag{Name: "reorder-rate", Value: 0, Usage: "adversary hook: probability a datagram is reordered with its successor"},
		cli.Int64Flag{Name: "seed", Value: 0, Usage: "adversary hook PRNG seed, 0 derives one from the current time"},
		cli.StringFlag{Name: "c", Value: "", Usage: "config from json file, which will override the command from shell"},
	}
	myApp.Action = run
	if err := myApp.Run(os.Args); err != nil {
		log.Printf("%+v\n", err)
		os.Exit(relay.ExitAbnormal)
	}
}

func run(c *cli.Context) error {
	args := c.Args()
	if len(args) < 3 {
		cli.ShowAppHelp(c)
		os.Exit(relay.ExitParseOpts)
	}

	config := Config{
		Peer:        args.Get(0),
		Target:      args.Get(2),
		Quiet:       c.Bool("quiet"),
		TimeoutMs:   c.Int("timeout"),
		MaxRetries:  c.Int("max-retries"),
		MaxChannels: c.Int("max-channels"),
		Log:         c.String("log"),
		StatsLog:    c.String("statslog"),
		StatsPeriod: c.Int("statsperiod"),
		DropRate:    c.Float64("drop-rate"),
		CorruptRate: c.Float64("corrupt-rate"),
		DupRate:     c.Float64("duplicate-rate"),
		ReorderRate: c.Float64("reorder-rate"),
		Seed:        c.Int64("seed"),
	}
	basePort, err := strconv.Atoi(args.Get(1))
	if err != nil {
		return errors.Wrap(err, "base-udp-port must be numeric")
	}
	config.BasePort = basePort
	config.TargetMode = args.Get(2) == "target"
	if config.TargetMode {
		config.TCPPort = 4321
	} else {
		config.TCPPort = 80
	}
	if len(args) >= 4 {
		config.TCPPort, err = strconv.Atoi(args.Get(3))
		if err != nil {
			return errors.Wrap(err, "tcp-port must be numeric")
		}
	}

	if path := c.String("c"); path != "" {
		if err := parseJSONConfig(&config, path); err != nil {
			return errors.Wrap(err, "parse config file")
		}
	}

	if config.Log != "" {
		f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		defer f.Close()
		log.SetOutput(f)
	}

	validate(&config)

	peerAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", config.Peer, config.BasePort))
	if err != nil {
		return errors.Wrap(err, "resolve peer address")
	}

	cfg := relay.Config{
		PeerAddr:    peerAddr,
		BasePort:    config.BasePort,
		MaxChannels: config.MaxChannels,
		Timeout:     time.Duration(config.TimeoutMs) * time.Millisecond,
		MaxRetries:  config.MaxRetries,
		Quiet:       config.Quiet,
	}

	if config.TargetMode {
		cfg.Mode = relay.ModeTarget
		cfg.TargetPort = config.TCPPort
	} else {
		cfg.Mode = relay.ModeForward
		fwdAddr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", config.Target, config.TCPPort))
		if err != nil {
			return errors.Wrap(err, "resolve forward target")
		}
		cfg.ForwardAddr = fwdAddr
	}

	rates := adversary.Rates{
		Drop:      config.DropRate,
		Corrupt:   config.CorruptRate,
		Duplicate: config.DupRate,
		Reorder:   config.ReorderRate,
		Seed:      config.Seed,
	}
	cfg.Decorate = func(r relay.PacketReader) relay.PacketReader {
		return adversary.New(r, rates)
	}

	log.Println("mode:", cfg.Mode)
	log.Println("peer:", peerAddr)
	log.Println("base-udp-port:", config.BasePort)
	log.Println("max-channels:", cfg.MaxChannels)
	log.Println("timeout:", cfg.Timeout)
	log.Println("max-retries:", cfg.MaxRetries)
	log.Println("quiet:", cfg.Quiet)
	log.Println("statslog:", config.StatsLog)
	log.Println("statsperiod:", config.StatsPeriod)

	ep, err := relay.New(cfg)
	if err != nil {
		return errors.Wrap(err, "build endpoint")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go sigHandler(cancel)

	go statlog.Run(ctx, config.StatsLog, time.Duration(config.StatsPeriod)*time.Second, ep.Stats())

	if err := ep.Run(ctx); err != nil {
		return errors.Wrap(err, "run endpoint")
	}
	return nil
}

// checkPanic catches a panic that unwound all the way to main, logs it, and
// exits with ExitPanic instead of letting the runtime print a stack trace
// and exit 2.
func checkPanic() {
	if r := recover(); r != nil {
		log.Printf("panic: %v\n", r)
		os.Exit(relay.ExitPanic)
	}
}

// sigHandler cancels the endpoint's context on SIGINT/SIGTERM, which makes
// Run return; active channels are not drained first. SIGUSR1 is ignored: Go
// never needs it to interrupt a blocked read the way the original
// poll-based helper does.
func sigHandler(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	log.Println("shutting down")
	cancel()
}

// validate warns, but does not refuse to run, on parameter combinations
// that are legal but likely mistakes.
func validate(config *Config) {
	if config.MaxChannels > 16 {
		color.Red("warning: max-channels %d exceeds the 16-channel wire ceiling", config.MaxChannels)
	}
	if config.MaxChannels <= 0 {
		config.MaxChannels = relay.DefaultMaxChannels
	}
	for _, rate := range []struct {
		name string
		val  float64
	}{
		{"drop-rate", config.DropRate},
		{"corrupt-rate", config.CorruptRate},
		{"duplicate-rate", config.DupRate},
		{"reorder-rate", config.ReorderRate},
	} {
		if rate.val < 0 || rate.val > 1 {
			color.Red("warning: %s %v outside [0,1], adversary hook will misbehave", rate.name, rate.val)
		}
	}
	if config.TimeoutMs > 0 && config.TimeoutMs < 100 {
		color.Red("warning: timeout %dms is unusually low for a UDP round trip", config.TimeoutMs)
	}
}
