// Package config resolves the flasher's run configuration from CLI
// flags, with SXF_*-prefixed environment variables as optional
// overrides for unattended/CI invocations.
//
// Grounded on the teacher's flag-only CLI surface (cmd/cli/main.go,
// cmd/monitor/main.go both parse with the standard flag package, no
// CLI framework) and its .env-style environment-variable override
// layer (this package's previous DEVICE_*-prefixed reader), adapted to
// SXF_*-prefixed variables over the new flag set.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config is the resolved set of options for one sxflasher run.
type Config struct {
	Dir             string
	Test            int
	Timeout         time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SyncTimeout     time.Duration
	EraseUserData   bool
	Verbose         bool
	StatusAddr      string
	TUI             bool
	ReportClipboard bool
	DumpTA          string
	PowerDown       bool
}

// Parse builds a Config from args (normally os.Args[1:]), applying
// SXF_*-prefixed environment variables as defaults before flags are
// parsed so an explicit flag always wins.
func Parse(args []string) (Config, error) {
	cfg := Config{
		Timeout:      30 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		SyncTimeout:  30 * time.Second,
	}
	applyEnvDefaults(&cfg)

	fs := flag.NewFlagSet("sxflasher", flag.ContinueOnError)
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "firmware delivery directory")
	fs.IntVar(&cfg.Test, "test", cfg.Test, "test mode: 0=live, 1-99=dry run destructive commands, >=100=fully synthetic device")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "protocol command timeout (parsed but not applied; -rt/-wt set the bulk timeouts)")
	fs.DurationVar(&cfg.ReadTimeout, "rt", cfg.ReadTimeout, "bulk read timeout")
	fs.DurationVar(&cfg.WriteTimeout, "wt", cfg.WriteTimeout, "bulk write timeout")
	fs.DurationVar(&cfg.SyncTimeout, "sync", cfg.SyncTimeout, "timeout used for the final sync command")
	fs.BoolVar(&cfg.EraseUserData, "eud", cfg.EraseUserData, "erase user data during repartition")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable debug logging")
	fs.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "address to serve the status API on, e.g. 127.0.0.1:8765 (disabled if empty)")
	fs.BoolVar(&cfg.TUI, "tui", cfg.TUI, "show a live progress TUI (plain log output continues alongside it)")
	fs.BoolVar(&cfg.ReportClipboard, "report-clipboard", cfg.ReportClipboard, "copy an end-of-run diagnostic summary to the clipboard")
	fs.StringVar(&cfg.DumpTA, "dump-ta", cfg.DumpTA, "dump all TA units under this directory and exit, instead of flashing")
	fs.BoolVar(&cfg.PowerDown, "powerdown", cfg.PowerDown, "send the powerdown command and exit, instead of flashing")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvDefaults(cfg *Config) {
	if v := os.Getenv("SXF_DIR"); v != "" {
		cfg.Dir = v
	}
	if v := os.Getenv("SXF_TEST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Test = n
		}
	}
	if v := os.Getenv("SXF_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = d
		}
	}
	if v := os.Getenv("SXF_RT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReadTimeout = d
		}
	}
	if v := os.Getenv("SXF_WT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WriteTimeout = d
		}
	}
	if v := os.Getenv("SXF_SYNC"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SyncTimeout = d
		}
	}
	if v := os.Getenv("SXF_EUD"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EraseUserData = b
		}
	}
	if v := os.Getenv("SXF_VERBOSE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Verbose = b
		}
	}
	if v := os.Getenv("SXF_STATUS_ADDR"); v != "" {
		cfg.StatusAddr = v
	}
	if v := os.Getenv("SXF_TUI"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TUI = b
		}
	}
	if v := os.Getenv("SXF_REPORT_CLIPBOARD"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ReportClipboard = b
		}
	}
}
