// Package gate implements the access-control middleware that runs ahead of
// every feature handler: block check first, then admin bypass, then the
// rate check. The dispatcher branches on the returned Decision instead of
// any panic or sentinel-error control flow.
package gate

import (
	"context"
	"log/slog"
	"time"

	"github.com/avasiliev/ticketgate/internal/metrics"
	"github.com/avasiliev/ticketgate/internal/throttle"
)

// Decision is the gate's verdict for one inbound event.
type Decision int

const (
	// Continue lets the event through to feature handlers.
	Continue Decision = iota
	// StoppedBlocked means the actor is blocked; no handler sees the event.
	StoppedBlocked
	// StoppedThrottled means the actor exceeded the rate limit.
	StoppedThrottled
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case StoppedBlocked:
		return "blocked"
	case StoppedThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

const (
	blockedNotice = "🚫 Your access to the bot has been blocked.\n" +
		"Contact an administrator for details."
	throttledNotice = "⚠️ You are sending too many requests.\n" +
		"Please wait a moment before your next action."
)

// Directory answers block-status and privilege questions about an actor.
type Directory interface {
	IsBlocked(ctx context.Context, userID int64) (bool, error)
	IsAdmin(userID int64) bool
}

// Limiter decides admit/deny for one action and records admitted ones.
type Limiter interface {
	Admit(ctx context.Context, userID int64, actionKind string, now time.Time) bool
}

// Responder sends a short notice back on the channel the event arrived on:
// a direct reply for messages, an ephemeral alert for button presses.
type Responder interface {
	Notice(text string) error
}

// Gate evaluates every inbound event before any feature handler runs.
type Gate struct {
	dir     Directory
	limiter Limiter
	log     *slog.Logger
}

func New(dir Directory, limiter Limiter, log *slog.Logger) *Gate {
	return &Gate{dir: dir, limiter: limiter, log: log}
}

// Check runs the checks in fixed order for the actor of one event and
// returns the dispatch decision. actorID == 0 means the event carries no
// identifiable user (system/internal events) and passes unconditionally.
// Re-delivery of the same logical event is evaluated fresh each time.
func (g *Gate) Check(ctx context.Context, actorID int64, r Responder, now time.Time) Decision {
	if actorID == 0 {
		return Continue
	}

	// Block check comes first and applies to admins too: a blocked user
	// never consumes throttle budget or admin-bypass logic.
	blocked, err := g.dir.IsBlocked(ctx, actorID)
	if err != nil {
		// Same availability trade-off as the rate check: a storage error
		// must not lock everyone out, so the event passes through.
		g.log.Error("block lookup failed, passing event through", "user_id", actorID, "error", err)
	}
	if blocked {
		g.notice(r, blockedNotice, actorID)
		metrics.GateDecisions.WithLabelValues(StoppedBlocked.String()).Inc()
		return StoppedBlocked
	}

	if g.dir.IsAdmin(actorID) {
		metrics.GateDecisions.WithLabelValues(Continue.String()).Inc()
		return Continue
	}

	if !g.limiter.Admit(ctx, actorID, throttle.ActionUser, now) {
		g.notice(r, throttledNotice, actorID)
		metrics.GateDecisions.WithLabelValues(StoppedThrottled.String()).Inc()
		return StoppedThrottled
	}

	metrics.GateDecisions.WithLabelValues(Continue.String()).Inc()
	return Continue
}

func (g *Gate) notice(r Responder, text string, actorID int64) {
	if r == nil {
		return
	}
	if err := r.Notice(text); err != nil {
		g.log.Warn("failed to deliver gate notice", "user_id", actorID, "error", err)
	}
}
