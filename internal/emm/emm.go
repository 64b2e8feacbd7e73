package emm

import (
	"context"
	"fmt"

	"github.com/nostrband/keepai-exec/internal/store"
)

// EMM is the single writer for every field §4.1 enumerates. It wraps a
// store.Store; every exported method opens exactly one store.RunTx and
// performs all of its reads and writes through the Tx it receives, so a
// method's side effects are atomic and its reads observe its own prior
// writes within the same call.
type EMM struct {
	store store.Store
}

// New wires an EMM on top of store.
func New(s store.Store) *EMM {
	return &EMM{store: s}
}

func sumCost(runs []*store.HandlerRun) float64 {
	var total float64
	for _, r := range runs {
		total += r.Cost
	}
	return total
}

func finalizeSession(ctx context.Context, tx store.Tx, sessionID string, disposition store.SessionDisposition) error {
	runs, err := tx.GetHandlerRunsBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("emm: finalize session: %w", err)
	}
	return tx.FinishSession(ctx, sessionID, disposition, sumCost(runs))
}
