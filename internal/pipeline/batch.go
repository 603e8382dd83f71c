package pipeline

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
	"golang.org/x/sync/errgroup"
)

// BatchItem is the outcome of one transaction of a batch. Exactly one of
// Result and Err is set.
type BatchItem struct {
	TxID   string
	Result *domain.EnsembleResult
	Err    error
}

// ScoreBatch scores transactions concurrently with at most BatchWorkers in
// flight. Items are returned in input order; one failure does not affect
// the others.
func (p *Pipeline) ScoreBatch(ctx context.Context, txs []domain.Transaction) []BatchItem {
	items := make([]BatchItem, len(txs))

	var g errgroup.Group
	g.SetLimit(p.batchWorkers)
	for i := range txs {
		g.Go(func() error {
			res, err := p.Score(ctx, txs[i])
			items[i] = BatchItem{TxID: txs[i].ID, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return items
}
