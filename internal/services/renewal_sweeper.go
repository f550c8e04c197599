package services

import (
	"context"
	"log/slog"
	"time"
)

// StartRenewalSweeper renews subscriptions nearing expiry every interval
// until done is closed.
func StartRenewalSweeper(manager *SubscriptionManager, interval, threshold time.Duration, done chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				report, err := manager.RenewDue(ctx, threshold)
				cancel()
				if err != nil {
					slog.Error("renewal sweep failed", "error", err)
				} else if report.Checked > 0 {
					slog.Info("renewal sweep completed",
						"checked", report.Checked,
						"renewed", report.Renewed,
						"failed", report.Failed,
					)
				}
			case <-done:
				return
			}
		}
	}()
}
