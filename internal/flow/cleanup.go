package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/animahub/bitrixbridge/internal/models"
	"github.com/animahub/bitrixbridge/internal/store"
)

// nowFunc is swapped in tests that exercise expiry windows.
var nowFunc = time.Now

// Janitor sweeps sessions that stayed active past their lifetime and closes
// them through the finalizer, so abandoned chats do not hold open lines.
type Janitor struct {
	store     store.Store
	finalizer *Finalizer
}

func NewJanitor(st store.Store, finalizer *Finalizer) *Janitor {
	return &Janitor{store: st, finalizer: finalizer}
}

// CloseStaleSessions finalizes every active session older than the session
// lifetime and returns how many were closed.
func (j *Janitor) CloseStaleSessions(ctx context.Context) int {
	cutoff := nowFunc().Add(-models.SessionMaxAge)

	stale, err := j.store.ListStaleActiveSessions(cutoff)
	if err != nil {
		slog.Error("Janitor.CloseStaleSessions: stale session lookup failed", "error", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	for idx := range stale {
		j.finalizer.Finalize(ctx, &stale[idx])
	}

	slog.Info("Janitor.CloseStaleSessions: stale sessions closed", "count", len(stale), "cutoff", cutoff)
	return len(stale)
}
