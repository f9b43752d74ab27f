package gate

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeDirectory struct {
	blocked   map[int64]bool
	admins    map[int64]bool
	lookupErr error
}

func (d *fakeDirectory) IsBlocked(ctx context.Context, userID int64) (bool, error) {
	if d.lookupErr != nil {
		return false, d.lookupErr
	}
	return d.blocked[userID], nil
}

func (d *fakeDirectory) IsAdmin(userID int64) bool {
	return d.admins[userID]
}

type fakeLimiter struct {
	admit bool
	calls int
}

func (l *fakeLimiter) Admit(ctx context.Context, userID int64, actionKind string, now time.Time) bool {
	l.calls++
	return l.admit
}

type fakeResponder struct {
	notices []string
	err     error
}

func (r *fakeResponder) Notice(text string) error {
	r.notices = append(r.notices, text)
	return r.err
}

func TestCheckContinue(t *testing.T) {
	limiter := &fakeLimiter{admit: true}
	g := New(&fakeDirectory{}, limiter, slog.Default())
	r := &fakeResponder{}

	d := g.Check(context.Background(), 100, r, time.Now())

	assert.Equal(t, Continue, d)
	assert.Equal(t, 1, limiter.calls)
	assert.Empty(t, r.notices)
}

func TestCheckBlockedStopsBeforeRateCheck(t *testing.T) {
	limiter := &fakeLimiter{admit: true}
	g := New(&fakeDirectory{blocked: map[int64]bool{100: true}}, limiter, slog.Default())
	r := &fakeResponder{}

	d := g.Check(context.Background(), 100, r, time.Now())

	assert.Equal(t, StoppedBlocked, d)
	assert.Equal(t, 0, limiter.calls, "blocked actor must not consume throttle budget")
	assert.Len(t, r.notices, 1)
	assert.Contains(t, r.notices[0], "blocked")
}

func TestCheckBlockedAdminIsStopped(t *testing.T) {
	// Admin status does not override a block.
	g := New(&fakeDirectory{
		blocked: map[int64]bool{100: true},
		admins:  map[int64]bool{100: true},
	}, &fakeLimiter{admit: true}, slog.Default())

	assert.Equal(t, StoppedBlocked, g.Check(context.Background(), 100, nil, time.Now()))
}

func TestCheckAdminBypassesRateCheck(t *testing.T) {
	limiter := &fakeLimiter{admit: false}
	g := New(&fakeDirectory{admins: map[int64]bool{100: true}}, limiter, slog.Default())

	d := g.Check(context.Background(), 100, nil, time.Now())

	assert.Equal(t, Continue, d)
	assert.Equal(t, 0, limiter.calls, "admins are exempt from the rate check")
}

func TestCheckThrottled(t *testing.T) {
	g := New(&fakeDirectory{}, &fakeLimiter{admit: false}, slog.Default())
	r := &fakeResponder{}

	d := g.Check(context.Background(), 100, r, time.Now())

	assert.Equal(t, StoppedThrottled, d)
	assert.Len(t, r.notices, 1)
	assert.Contains(t, r.notices[0], "too many requests")
}

func TestCheckAnonymousEventPasses(t *testing.T) {
	limiter := &fakeLimiter{admit: false}
	g := New(&fakeDirectory{lookupErr: errors.New("down")}, limiter, slog.Default())

	d := g.Check(context.Background(), 0, nil, time.Now())

	assert.Equal(t, Continue, d)
	assert.Equal(t, 0, limiter.calls)
}

func TestCheckLookupErrorPassesThrough(t *testing.T) {
	limiter := &fakeLimiter{admit: true}
	g := New(&fakeDirectory{lookupErr: errors.New("db down")}, limiter, slog.Default())

	d := g.Check(context.Background(), 100, nil, time.Now())

	assert.Equal(t, Continue, d, "storage failure must not lock users out")
}

func TestCheckNoticeFailureDoesNotChangeDecision(t *testing.T) {
	g := New(&fakeDirectory{blocked: map[int64]bool{100: true}}, &fakeLimiter{}, slog.Default())
	r := &fakeResponder{err: errors.New("channel gone")}

	assert.Equal(t, StoppedBlocked, g.Check(context.Background(), 100, r, time.Now()))
}
