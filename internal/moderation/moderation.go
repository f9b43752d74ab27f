package moderation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avasiliev/ticketgate/internal/db"
)

var (
	// ErrAlreadyBlocked is returned by Block when the user is already blocked.
	ErrAlreadyBlocked = errors.New("user is already blocked")
	// ErrNotBlocked is returned by Unblock when the user is not blocked.
	ErrNotBlocked = errors.New("user is not blocked")
	// ErrUserNotFound is returned when the target user has never contacted the bot.
	ErrUserNotFound = errors.New("user not found")
)

// Notifier delivers a short text notice to a user. Failures are the
// caller's to ignore.
type Notifier interface {
	SendText(ctx context.Context, userID int64, text string) error
}

// Directory is the authoritative record of per-user block status plus the
// admin registry. Admin ids come from configuration, not from user rows.
type Directory struct {
	repo     db.Repository
	admins   map[int64]struct{}
	notifier Notifier
	log      *slog.Logger
}

func New(repo db.Repository, adminIDs []int64, notifier Notifier, log *slog.Logger) *Directory {
	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &Directory{
		repo:     repo,
		admins:   admins,
		notifier: notifier,
		log:      log,
	}
}

// IsAdmin reports whether userID is in the admin registry.
func (d *Directory) IsAdmin(userID int64) bool {
	_, ok := d.admins[userID]
	return ok
}

// IsBlocked reports whether userID is currently blocked. A user the bot has
// never seen is not blocked.
func (d *Directory) IsBlocked(ctx context.Context, userID int64) (bool, error) {
	user, err := d.repo.GetUser(ctx, userID)
	if db.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up user %d: %w", userID, err)
	}
	return user.IsBlocked, nil
}

// EnsureUser records first contact with the bot, creating the user row with
// access granted, or refreshing the display fields on later contact.
func (d *Directory) EnsureUser(ctx context.Context, userID int64, username, firstName string) error {
	_, err := d.repo.UpsertUser(ctx, db.UpsertUserParams{
		UserID:    userID,
		Username:  nullable(username),
		FirstName: nullable(firstName),
	})
	if err != nil {
		return fmt.Errorf("upserting user %d: %w", userID, err)
	}
	return nil
}

// Block marks userID as blocked by byAdminID. The read and write run in one
// transaction; nothing is persisted when the user is missing or already
// blocked. On success a best-effort notice is sent to the affected user.
func (d *Directory) Block(ctx context.Context, userID, byAdminID int64, now time.Time) error {
	err := d.repo.WithTx(ctx, func(tx db.Repository) error {
		user, err := tx.GetUser(ctx, userID)
		if db.IsNoRows(err) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		if user.IsBlocked {
			return ErrAlreadyBlocked
		}
		return tx.BlockUser(ctx, db.BlockUserParams{
			UserID:    userID,
			BlockedBy: byAdminID,
			BlockedAt: now,
		})
	})
	if err != nil {
		return err
	}

	d.log.Info("user blocked", "user_id", userID, "by_admin", byAdminID)
	d.notify(ctx, userID, "🚫 Your access to the bot has been blocked by an administrator.")
	return nil
}

// Unblock clears the block on userID and restores access. Same transaction
// and notice semantics as Block.
func (d *Directory) Unblock(ctx context.Context, userID int64, now time.Time) error {
	err := d.repo.WithTx(ctx, func(tx db.Repository) error {
		user, err := tx.GetUser(ctx, userID)
		if db.IsNoRows(err) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		if !user.IsBlocked {
			return ErrNotBlocked
		}
		return tx.UnblockUser(ctx, userID)
	})
	if err != nil {
		return err
	}

	d.log.Info("user unblocked", "user_id", userID)
	d.notify(ctx, userID, "✅ Your access to the bot has been restored!")
	return nil
}

// notify is best-effort: delivery failure is logged and swallowed so it
// never undoes or masks the moderation action itself.
func (d *Directory) notify(ctx context.Context, userID int64, text string) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.SendText(ctx, userID, text); err != nil {
		d.log.Warn("failed to notify user", "user_id", userID, "error", err)
	}
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
