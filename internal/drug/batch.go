package drug

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BatchResult is the outcome for one name of a batch; exactly one of
// Resolution and Err is set
type BatchResult struct {
	Name       string
	Resolution *Resolution
	Err        error
}

// ResolveAll resolves every name independently. A failing name records its
// own error and never aborts the rest. Results are in input order.
func (r *Resolver) ResolveAll(ctx context.Context, names []string) []BatchResult {
	results := make([]BatchResult, len(names))

	var g errgroup.Group
	g.SetLimit(r.cfg.BatchConcurrency)
	for i, name := range names {
		g.Go(func() error {
			res, err := r.Resolve(ctx, name)
			results[i] = BatchResult{Name: name, Resolution: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	failedCount := 0
	for _, res := range results {
		if res.Err != nil {
			failedCount++
		}
	}
	r.logger.Debug("batch resolution complete",
		zap.Int("names", len(names)),
		zap.Int("failed", failedCount))

	return results
}
