// Command sxfmonitor polls a running sxflasher's status API and the
// local host's resource usage, printing a compact one-line-per-tick
// summary. It is standalone tooling: sxflasher never depends on it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/remittor/sxflasher/internal/hostinfo"
	"github.com/remittor/sxflasher/internal/status"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8765", "sxflasher status API base URL")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	once := flag.Bool("once", false, "poll once and exit, instead of looping")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, *addr, *interval, *once))
}

func run(ctx context.Context, addr string, interval time.Duration, once bool) int {
	client := status.NewClient(addr)

	poll := func() bool {
		st, err := client.State(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sxfmonitor: state: %v\n", err)
			return false
		}
		host, err := hostinfo.Now(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sxfmonitor: host: %v\n", err)
			host = hostinfo.Reading{}
		}

		elapsed := time.Since(st.StartedAt).Round(time.Second)
		fmt.Printf("[%s] phase=%-12s slot=%-2s cpu=%5.1f%% mem=%5.1f%% elapsed=%s%s\n",
			time.Now().Format("15:04:05"),
			st.Phase,
			st.DeviceVars.CurrentSlot,
			host.CPUPercent,
			host.MemPercent,
			elapsed,
			errSuffix(st.Error),
		)
		return st.Done
	}

	if once {
		poll()
		return 0
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
			if done := poll(); done {
				return 0
			}
		}
	}
}

func errSuffix(msg string) string {
	if msg == "" {
		return ""
	}
	return " error=" + msg
}
