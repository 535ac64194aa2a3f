package main

import (
	"encoding/json"
	"os"
)

// Config mirrors the full CLI surface so a -c config file can override any
// of it, exactly as server/config.go and client/config.go do for kcptun.
type Config struct {
	Peer        string  `json:"peer"`
	BasePort    int     `json:"base-udp-port"`
	Target      string  `json:"target"`
	TCPPort     int     `json:"tcp-port"`
	TargetMode  bool    `json:"target-mode"`
	MaxChannels int     `json:"max-channels"`
	TimeoutMs   int     `json:"timeout"`
	MaxRetries  int     `json:"max-retries"`
	Log         string  `json:"log"`
	Quiet       bool    `json:"quiet"`
	StatsLog    string  `json:"statslog"`
	StatsPeriod int     `json:"statsperiod"`
	DropRate    float64 `json:"drop-rate"`
	CorruptRate float64 `json:"corrupt-rate"`
	DupRate     float64 `json:"duplicate-rate"`
	ReorderRate float64 `json:"reorder-rate"`
	Seed        int64   `json:"seed"`
}

func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}
