package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/observe"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/usage"
)

// MaxBatchSize caps the number of requests ProcessBatch accepts.
const MaxBatchSize = 64

// BatchItem is the outcome of one request in a batch. Exactly one of Result
// and Err is set.
type BatchItem struct {
	Result *Result
	Err    error
}

// ProcessBatch runs reqs concurrently, at most Config.BatchConcurrency at a
// time, and returns their outcomes in input order. Each request is an
// independent invocation with its own budgets: one failure never aborts the
// others. The returned error is non-nil only when the batch itself is
// rejected or ctx ends before every request started.
func (p *Pipeline) ProcessBatch(ctx context.Context, reqs []Request) ([]BatchItem, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: batch is empty", ErrInvalidRequest)
	}
	if len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds the limit of %d", ErrInvalidRequest, len(reqs), MaxBatchSize)
	}

	start := time.Now()
	items := make([]BatchItem, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.BatchConcurrency)
	for i, req := range reqs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := p.Process(gctx, req)
			items[i] = BatchItem{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i := range items {
		if items[i].Result == nil && items[i].Err == nil {
			items[i].Err = ctx.Err()
		}
		if items[i].Err != nil {
			failed++
		}
	}

	if err := p.recorder.Record(context.WithoutCancel(ctx), usage.Event{
		Operation:      usage.OpBatch,
		Success:        failed == 0,
		ProcessingTime: time.Since(start),
		Metadata: map[string]string{
			"size":   strconv.Itoa(len(reqs)),
			"failed": strconv.Itoa(failed),
		},
	}); err != nil {
		observe.Logger(ctx).Warn("usage recording failed", "err", err)
	}

	return items, ctx.Err()
}
