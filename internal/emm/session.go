package emm

import (
	"context"

	"github.com/nostrband/keepai-exec/internal/store"
)

// FinishSession implements §4.1.11: marks a session complete with the
// aggregated cost of its handler runs. Unlike every other method here
// this is not transactional with the handler runs it sums: a session
// record is a derivative summary, not part of the core state machine,
// and recovery recomputes it from the runs if the process dies between
// the runs committing and this call.
func (e *EMM) FinishSession(ctx context.Context, sessionID string) error {
	return e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return finalizeSession(ctx, tx, sessionID, store.SessionCompleted)
	})
}
