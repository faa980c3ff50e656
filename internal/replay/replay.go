// Package replay asks the fleet directory to resend webhook deliveries
// that failed while the autoscaler was down.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/terrpan/poolscaler/internal/directory"
)

// Source is the part of the directory replay needs.
type Source interface {
	ListRecentDeliveries(ctx context.Context) ([]directory.Delivery, error)
	RedeliverFailure(ctx context.Context, id int64) error
}

// Result summarizes one replay pass.
type Result struct {
	Seen        int
	Failed      int
	Redelivered int
}

// Failed returns the deliveries whose most recent attempt failed, one per
// GUID, oldest first.  A GUID with any later successful attempt is left
// out.
func Failed(deliveries []directory.Delivery) []directory.Delivery {
	latest := make(map[string]directory.Delivery, len(deliveries))
	for _, d := range deliveries {
		prev, ok := latest[d.GUID]
		if !ok || d.DeliveredAt.After(prev.DeliveredAt) ||
			(d.DeliveredAt.Equal(prev.DeliveredAt) && d.ID > prev.ID) {
			latest[d.GUID] = d
		}
	}

	var out []directory.Delivery
	for _, d := range latest {
		if d.Failed() {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b directory.Delivery) int {
		return a.DeliveredAt.Compare(b.DeliveredAt)
	})
	return out
}

// Run lists recent deliveries and redelivers every failed one.  A
// redelivery error is logged and does not stop the pass.
func Run(ctx context.Context, src Source, logger *slog.Logger) (Result, error) {
	deliveries, err := src.ListRecentDeliveries(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listing deliveries: %w", err)
	}

	failed := Failed(deliveries)
	res := Result{Seen: len(deliveries), Failed: len(failed)}

	for _, d := range failed {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := src.RedeliverFailure(ctx, d.ID); err != nil {
			logger.Warn("redelivery failed",
				slog.Int64("deliveryID", d.ID),
				slog.String("guid", d.GUID),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Redelivered++
		logger.Debug("delivery redelivered",
			slog.Int64("deliveryID", d.ID),
			slog.String("guid", d.GUID),
			slog.Int("status", d.StatusCode),
		)
	}

	logger.Info("webhook replay complete",
		slog.Int("seen", res.Seen),
		slog.Int("failed", res.Failed),
		slog.Int("redelivered", res.Redelivered),
	)
	return res, nil
}
