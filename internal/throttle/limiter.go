package throttle

import (
	"context"
	"log/slog"
	"time"

	"github.com/avasiliev/ticketgate/internal/db"
	"github.com/avasiliev/ticketgate/internal/metrics"
)

// Action kinds partition the limiter's counters.
const (
	ActionUser      = "user_action"
	ActionBroadcast = "broadcast"
)

const (
	// DefaultThreshold actions per DefaultWindow, per user, per action kind.
	DefaultThreshold = 5
	DefaultWindow    = 60 * time.Second

	// DefaultRetention is how long activity records are kept before the
	// daily pruning job removes them.
	DefaultRetention = 7 * 24 * time.Hour
)

// Limiter is a sliding-window rate limiter backed by persisted activity
// records. It is best-effort: concurrent admits for the same user run as
// independent transactions, so slight over-admission at the window boundary
// is possible.
type Limiter struct {
	repo      db.Repository
	log       *slog.Logger
	threshold int64
	window    time.Duration
}

func New(repo db.Repository, log *slog.Logger) *Limiter {
	return &Limiter{
		repo:      repo,
		log:       log,
		threshold: DefaultThreshold,
		window:    DefaultWindow,
	}
}

// Admit reports whether an action for (userID, actionKind) at time now is
// within the rate limit. Admitted actions are recorded; denied attempts are
// not. A storage failure admits the action (fail open): the throttle must
// not become an outage vector for the bot itself.
func (l *Limiter) Admit(ctx context.Context, userID int64, actionKind string, now time.Time) bool {
	admitted := true
	err := l.repo.WithTx(ctx, func(tx db.Repository) error {
		count, err := tx.CountActivitySince(ctx, db.CountActivityParams{
			UserID:     userID,
			ActionKind: actionKind,
			Since:      now.Add(-l.window),
		})
		if err != nil {
			return err
		}

		if count >= l.threshold {
			l.log.Warn("rate limit exceeded",
				"user_id", userID,
				"action_kind", actionKind,
				"count", count,
			)
			metrics.ThrottleRejections.Inc()
			admitted = false
			return nil
		}

		_, err = tx.CreateActivity(ctx, db.CreateActivityParams{
			UserID:     userID,
			ActionKind: actionKind,
			Timestamp:  now,
		})
		return err
	})
	if err != nil {
		l.log.Error("rate check failed, admitting action",
			"user_id", userID,
			"action_kind", actionKind,
			"error", err,
		)
		metrics.ThrottleFailOpen.Inc()
		return true
	}
	return admitted
}

// PruneOlderThan deletes activity records older than age and returns the
// number removed. Run by the scheduler, never by the admit path. Safe to
// rerun: a second pass over the same cutoff removes nothing.
func (l *Limiter) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	deleted, err := l.repo.DeleteActivityBefore(ctx, cutoff)
	if err != nil {
		l.log.Error("pruning activity records", "error", err)
		return 0, err
	}
	l.log.Info("pruned old activity records", "deleted", deleted, "cutoff", cutoff)
	metrics.ActivityPruned.Add(float64(deleted))
	return deleted, nil
}
