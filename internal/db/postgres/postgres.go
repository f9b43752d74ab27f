package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/avasiliev/ticketgate/internal/db"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements db.Repository using PostgreSQL via pgx
type Repository struct {
	pool *pgxpool.Pool
	q    querier
}

// New creates a new PostgreSQL repository
func New(ctx context.Context, databaseURL string) (*Repository, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	// A chat bot needs few concurrent connections.
	config.MaxConns = 5
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 30 * time.Second
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Repository{pool: pool, q: pool}, nil
}

func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// PoolStats exposes pgxpool statistics for metrics export.
func (r *Repository) PoolStats() *pgxpool.Stat {
	return r.pool.Stat()
}

func (r *Repository) WithTx(ctx context.Context, fn func(repo db.Repository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	// If fn() panics, the normal err-check rollback below won't run.
	// recover() catches the panic so we can roll back the tx (releasing the
	// db connection), then re-panic.
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback(ctx)
			panic(p)
		}
	}()

	txRepo := &Repository{pool: r.pool, q: tx}

	if err := fn(txRepo); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// User methods

func (r *Repository) GetUser(ctx context.Context, userID int64) (db.User, error) {
	row := r.q.QueryRow(ctx, `
		SELECT user_id, username, first_name, has_access, is_blocked, blocked_at, blocked_by, created_at
		FROM users
		WHERE user_id = $1
	`, userID)

	return scanUser(row)
}

func (r *Repository) UpsertUser(ctx context.Context, arg db.UpsertUserParams) (db.User, error) {
	row := r.q.QueryRow(ctx, `
		INSERT INTO users (user_id, username, first_name, has_access)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (user_id) DO UPDATE SET username = $2, first_name = $3
		RETURNING user_id, username, first_name, has_access, is_blocked, blocked_at, blocked_by, created_at
	`, arg.UserID, arg.Username, arg.FirstName)

	return scanUser(row)
}

func (r *Repository) BlockUser(ctx context.Context, arg db.BlockUserParams) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE users
		SET is_blocked = TRUE, blocked_at = $1, blocked_by = $2, has_access = FALSE
		WHERE user_id = $3
	`, arg.BlockedAt, arg.BlockedBy, arg.UserID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNoRows
	}
	return nil
}

func (r *Repository) UnblockUser(ctx context.Context, userID int64) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE users
		SET is_blocked = FALSE, blocked_at = NULL, blocked_by = NULL, has_access = TRUE
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNoRows
	}
	return nil
}

func (r *Repository) ListBroadcastRecipients(ctx context.Context) ([]db.User, error) {
	rows, err := r.q.Query(ctx, `
		SELECT user_id, username, first_name, has_access, is_blocked, blocked_at, blocked_by, created_at
		FROM users
		WHERE has_access AND NOT is_blocked
		ORDER BY user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []db.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Activity methods

func (r *Repository) CountActivitySince(ctx context.Context, arg db.CountActivityParams) (int64, error) {
	var count int64
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM user_activity
		WHERE user_id = $1 AND action_kind = $2 AND timestamp > $3
	`, arg.UserID, arg.ActionKind, arg.Since).Scan(&count)
	return count, err
}

func (r *Repository) CreateActivity(ctx context.Context, arg db.CreateActivityParams) (db.ActivityRecord, error) {
	var rec db.ActivityRecord
	err := r.q.QueryRow(ctx, `
		INSERT INTO user_activity (user_id, action_kind, timestamp)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, action_kind, timestamp
	`, arg.UserID, arg.ActionKind, arg.Timestamp).Scan(&rec.ID, &rec.UserID, &rec.ActionKind, &rec.Timestamp)
	return rec, err
}

func (r *Repository) DeleteActivityBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM user_activity WHERE timestamp < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// File methods

func (r *Repository) CreateFile(ctx context.Context, arg db.CreateFileParams) (db.File, error) {
	var f db.File
	err := r.q.QueryRow(ctx, `
		INSERT INTO files (file_name, file_path, backup_path, upload_date)
		VALUES ($1, $2, $3, $4)
		RETURNING id, file_name, file_path, backup_path, upload_date
	`, arg.FileName, arg.FilePath, arg.BackupPath, arg.UploadDate).
		Scan(&f.ID, &f.FileName, &f.FilePath, &f.BackupPath, &f.UploadDate)
	return f, err
}

func (r *Repository) ListFilesUploadedBefore(ctx context.Context, before time.Time) ([]db.File, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, file_name, file_path, backup_path, upload_date
		FROM files
		WHERE upload_date < $1
		ORDER BY upload_date
	`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []db.File
	for rows.Next() {
		var f db.File
		if err := rows.Scan(&f.ID, &f.FileName, &f.FilePath, &f.BackupPath, &f.UploadDate); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (r *Repository) DeleteFile(ctx context.Context, id int64) error {
	_, err := r.q.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	return err
}

// Ticket methods

func (r *Repository) CreateTicket(ctx context.Context, arg db.CreateTicketParams) (db.Ticket, error) {
	var t db.Ticket
	err := r.q.QueryRow(ctx, `
		INSERT INTO tickets (user_id, code, issued_at)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, code, issued_at
	`, arg.UserID, arg.Code, arg.IssuedAt).Scan(&t.ID, &t.UserID, &t.Code, &t.IssuedAt)
	return t, err
}

func (r *Repository) GetLatestTicketForUser(ctx context.Context, userID int64) (db.Ticket, error) {
	var t db.Ticket
	err := r.q.QueryRow(ctx, `
		SELECT id, user_id, code, issued_at
		FROM tickets
		WHERE user_id = $1
		ORDER BY issued_at DESC, id DESC
		LIMIT 1
	`, userID).Scan(&t.ID, &t.UserID, &t.Code, &t.IssuedAt)
	if err == pgx.ErrNoRows {
		return db.Ticket{}, db.ErrNoRows
	}
	return t, err
}

func scanUser(row pgx.Row) (db.User, error) {
	var u db.User
	var blockedAt sql.NullTime
	var blockedBy sql.NullInt64
	err := row.Scan(&u.UserID, &u.Username, &u.FirstName, &u.HasAccess, &u.IsBlocked, &blockedAt, &blockedBy, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return db.User{}, db.ErrNoRows
	}
	if err != nil {
		return db.User{}, err
	}
	u.BlockedAt = blockedAt
	u.BlockedBy = blockedBy
	return u, nil
}
