package db

import (
	"context"
	"database/sql"
	"time"
)

// User is a bot user. The row is created on first contact and mutated only
// by moderation actions or the bootstrap access grant; it is never deleted.
type User struct {
	UserID    int64
	Username  sql.NullString
	FirstName sql.NullString
	HasAccess bool
	IsBlocked bool
	BlockedAt sql.NullTime
	BlockedBy sql.NullInt64
	CreatedAt time.Time
}

// ActivityRecord is one append-only entry in the per-user activity log.
// Records are immutable and removed only by age-based pruning; rows for
// users that no longer exist are tolerated.
type ActivityRecord struct {
	ID         int64
	UserID     int64
	ActionKind string
	Timestamp  time.Time
}

// File is a stored file with an optional backup copy.
type File struct {
	ID         int64
	FileName   string
	FilePath   string
	BackupPath sql.NullString
	UploadDate time.Time
}

// Ticket is an issued ticket code belonging to a user.
type Ticket struct {
	ID       int64
	UserID   int64
	Code     string
	IssuedAt time.Time
}

type UpsertUserParams struct {
	UserID    int64
	Username  sql.NullString
	FirstName sql.NullString
}

type BlockUserParams struct {
	UserID    int64
	BlockedBy int64
	BlockedAt time.Time
}

type CountActivityParams struct {
	UserID     int64
	ActionKind string
	Since      time.Time
}

type CreateActivityParams struct {
	UserID     int64
	ActionKind string
	Timestamp  time.Time
}

type CreateFileParams struct {
	FileName   string
	FilePath   string
	BackupPath sql.NullString
	UploadDate time.Time
}

type CreateTicketParams struct {
	UserID   int64
	Code     string
	IssuedAt time.Time
}

// Repository defines the interface for database operations
type Repository interface {
	// Users
	GetUser(ctx context.Context, userID int64) (User, error)
	UpsertUser(ctx context.Context, arg UpsertUserParams) (User, error)
	BlockUser(ctx context.Context, arg BlockUserParams) error
	UnblockUser(ctx context.Context, userID int64) error
	ListBroadcastRecipients(ctx context.Context) ([]User, error)

	// Activity log
	CountActivitySince(ctx context.Context, arg CountActivityParams) (int64, error)
	CreateActivity(ctx context.Context, arg CreateActivityParams) (ActivityRecord, error)
	DeleteActivityBefore(ctx context.Context, before time.Time) (int64, error)

	// Files
	CreateFile(ctx context.Context, arg CreateFileParams) (File, error)
	ListFilesUploadedBefore(ctx context.Context, before time.Time) ([]File, error)
	DeleteFile(ctx context.Context, id int64) error

	// Tickets
	CreateTicket(ctx context.Context, arg CreateTicketParams) (Ticket, error)
	GetLatestTicketForUser(ctx context.Context, userID int64) (Ticket, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	// Lifecycle
	Close() error
}
