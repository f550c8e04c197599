// Command renew runs one renewal sweep over every subscription nearing
// expiry. It is meant to be driven by cron when the server's in-process
// sweeper is disabled (RENEW_INTERVAL=0).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/bootstrap"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/config"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/logging"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("renewal run failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel)

	var threshold, timeout time.Duration
	var dryRun bool
	flagSet := pflag.NewFlagSet("renew", pflag.ContinueOnError)
	flagSet.DurationVar(&threshold, "threshold", cfg.RenewThreshold, "renew subscriptions expiring within this window")
	flagSet.DurationVar(&timeout, "timeout", 5*time.Minute, "abort the sweep after this long")
	flagSet.BoolVar(&dryRun, "dry-run", false, "list due subscriptions without renewing them")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if threshold < 0 {
		return fmt.Errorf("--threshold must not be negative")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.StoreBackend != "postgres" {
		return fmt.Errorf("renew needs a shared store; STORE_BACKEND is %q", cfg.StoreBackend)
	}

	deps, err := bootstrap.Open(cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	manager := deps.Manager(cfg)

	if dryRun {
		due, err := manager.DueForRenewal(ctx, threshold)
		if err != nil {
			return err
		}
		for _, sub := range due {
			slog.Info("due for renewal",
				"meeting_id", sub.MeetingID,
				"subscription_id", sub.CurrentID(),
				"state", sub.State,
				"expires_at", sub.ExpiresAt,
			)
		}
		slog.Info("dry run completed", "due", len(due), "threshold", threshold.String())
		return nil
	}

	report, err := manager.RenewDue(ctx, threshold)
	if err != nil {
		return err
	}
	if report.Skipped {
		slog.Warn("meet events disabled, renewal skipped")
		return nil
	}
	slog.Info("renewal run completed",
		"checked", report.Checked,
		"renewed", report.Renewed,
		"failed", report.Failed,
	)
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d renewals failed", report.Failed, report.Checked)
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `renew: renew push-notification channels nearing expiry.

Reads the same environment as the server. Exits non-zero when any
renewal fails.

Usage:
  renew [flags]

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
