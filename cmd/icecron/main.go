package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/pflag"

	"icecron/internal/app"
	"icecron/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath  string
		daemonOn bool
		check    bool
		count    int
		logLevel string
	)
	flagSet := pflag.NewFlagSet("icecron", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", "./icecron.yaml", "path to config (yaml, json or jsonc)")
	flagSet.BoolVar(&daemonOn, "daemon", false, "do not wait for the ticker goroutine on stop")
	flagSet.BoolVar(&check, "check", false, "validate the config, print upcoming fire times and exit")
	flagSet.IntVarP(&count, "count", "n", 3, "fire times per task printed by --check")
	flagSet.StringVar(&logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if check {
		return runCheck(cfgPath, count)
	}

	a, err := app.New(cfgPath, app.Options{Daemon: daemonOn, LogLevel: logLevel})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdog(ctx)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	cancel()

	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// watchdog pings systemd at half the WatchdogSec interval when enabled.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func runCheck(cfgPath string, n int) error {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	previews, err := app.Check(cfg, time.Now(), n)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tPATTERN\tNEXT")
	for _, p := range previews {
		next := "-"
		switch {
		case p.Disabled:
			next = "disabled"
		case len(p.Next) > 0:
			times := make([]string, len(p.Next))
			for i, t := range p.Next {
				times[i] = t.Format(time.RFC3339)
			}
			next = strings.Join(times, ", ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Pattern, next)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d tasks)\n", cfgPath, len(previews))
	return nil
}
