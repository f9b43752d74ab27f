package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/avasiliev/ticketgate/internal/db"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository implements db.Repository using SQLite
type Repository struct {
	db *sql.DB
	q  dbtx
}

// New creates a new SQLite repository
func New(ctx context.Context, dbPath string) (*Repository, error) {
	// Strip sqlite:// prefix if present
	dbPath = strings.TrimPrefix(dbPath, "sqlite://")

	isNew := dbPath == ":memory:"
	if !isNew {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			isNew = true
		}
	}

	sqliteDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := sqliteDB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		sqliteDB.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	repo := &Repository{db: sqliteDB, q: sqliteDB}

	if isNew {
		if _, err := sqliteDB.ExecContext(ctx, schemaSQL); err != nil {
			sqliteDB.Close()
			return nil, fmt.Errorf("initializing schema: %w", err)
		}
		slog.Info("created new SQLite database", "path", dbPath)
	}

	return repo, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) WithTx(ctx context.Context, fn func(repo db.Repository) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txRepo := &Repository{db: r.db, q: tx}

	if err := fn(txRepo); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// User methods

func (r *Repository) GetUser(ctx context.Context, userID int64) (db.User, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT user_id, username, first_name, has_access, is_blocked, blocked_at, blocked_by, created_at
		FROM users
		WHERE user_id = ?
	`, userID)

	return scanUser(row)
}

func (r *Repository) UpsertUser(ctx context.Context, arg db.UpsertUserParams) (db.User, error) {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO users (user_id, username, first_name, has_access)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (user_id) DO UPDATE SET username = ?, first_name = ?
	`, arg.UserID, nullString(arg.Username), nullString(arg.FirstName),
		nullString(arg.Username), nullString(arg.FirstName))
	if err != nil {
		return db.User{}, err
	}

	return r.GetUser(ctx, arg.UserID)
}

func (r *Repository) BlockUser(ctx context.Context, arg db.BlockUserParams) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE users
		SET is_blocked = 1, blocked_at = ?, blocked_by = ?, has_access = 0
		WHERE user_id = ?
	`, fmtTime(arg.BlockedAt), arg.BlockedBy, arg.UserID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (r *Repository) UnblockUser(ctx context.Context, userID int64) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE users
		SET is_blocked = 0, blocked_at = NULL, blocked_by = NULL, has_access = 1
		WHERE user_id = ?
	`, userID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (r *Repository) ListBroadcastRecipients(ctx context.Context) ([]db.User, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT user_id, username, first_name, has_access, is_blocked, blocked_at, blocked_by, created_at
		FROM users
		WHERE has_access = 1 AND is_blocked = 0
		ORDER BY user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanUsers(rows)
}

// Activity methods

func (r *Repository) CountActivitySince(ctx context.Context, arg db.CountActivityParams) (int64, error) {
	var count int64
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_activity
		WHERE user_id = ? AND action_kind = ? AND timestamp > ?
	`, arg.UserID, arg.ActionKind, fmtTime(arg.Since)).Scan(&count)
	return count, err
}

func (r *Repository) CreateActivity(ctx context.Context, arg db.CreateActivityParams) (db.ActivityRecord, error) {
	result, err := r.q.ExecContext(ctx, `
		INSERT INTO user_activity (user_id, action_kind, timestamp)
		VALUES (?, ?, ?)
	`, arg.UserID, arg.ActionKind, fmtTime(arg.Timestamp))
	if err != nil {
		return db.ActivityRecord{}, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return db.ActivityRecord{}, err
	}

	return db.ActivityRecord{
		ID:         id,
		UserID:     arg.UserID,
		ActionKind: arg.ActionKind,
		Timestamp:  arg.Timestamp,
	}, nil
}

func (r *Repository) DeleteActivityBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx, `
		DELETE FROM user_activity WHERE timestamp < ?
	`, fmtTime(before))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// File methods

func (r *Repository) CreateFile(ctx context.Context, arg db.CreateFileParams) (db.File, error) {
	result, err := r.q.ExecContext(ctx, `
		INSERT INTO files (file_name, file_path, backup_path, upload_date)
		VALUES (?, ?, ?, ?)
	`, arg.FileName, arg.FilePath, nullString(arg.BackupPath), fmtTime(arg.UploadDate))
	if err != nil {
		return db.File{}, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return db.File{}, err
	}

	return db.File{
		ID:         id,
		FileName:   arg.FileName,
		FilePath:   arg.FilePath,
		BackupPath: arg.BackupPath,
		UploadDate: arg.UploadDate,
	}, nil
}

func (r *Repository) ListFilesUploadedBefore(ctx context.Context, before time.Time) ([]db.File, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, file_name, file_path, backup_path, upload_date
		FROM files
		WHERE upload_date < ?
		ORDER BY upload_date
	`, fmtTime(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []db.File
	for rows.Next() {
		var f db.File
		var uploadDateStr string
		if err := rows.Scan(&f.ID, &f.FileName, &f.FilePath, &f.BackupPath, &uploadDateStr); err != nil {
			return nil, err
		}
		f.UploadDate, _ = time.Parse(time.RFC3339, uploadDateStr)
		files = append(files, f)
	}
	return files, rows.Err()
}

func (r *Repository) DeleteFile(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	return err
}

// Ticket methods

func (r *Repository) CreateTicket(ctx context.Context, arg db.CreateTicketParams) (db.Ticket, error) {
	result, err := r.q.ExecContext(ctx, `
		INSERT INTO tickets (user_id, code, issued_at)
		VALUES (?, ?, ?)
	`, arg.UserID, arg.Code, fmtTime(arg.IssuedAt))
	if err != nil {
		return db.Ticket{}, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return db.Ticket{}, err
	}

	return db.Ticket{
		ID:       id,
		UserID:   arg.UserID,
		Code:     arg.Code,
		IssuedAt: arg.IssuedAt,
	}, nil
}

func (r *Repository) GetLatestTicketForUser(ctx context.Context, userID int64) (db.Ticket, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, user_id, code, issued_at
		FROM tickets
		WHERE user_id = ?
		ORDER BY issued_at DESC, id DESC
		LIMIT 1
	`, userID)

	var t db.Ticket
	var issuedAtStr string
	err := row.Scan(&t.ID, &t.UserID, &t.Code, &issuedAtStr)
	if err == sql.ErrNoRows {
		return db.Ticket{}, db.ErrNoRows
	}
	if err != nil {
		return db.Ticket{}, err
	}
	t.IssuedAt, _ = time.Parse(time.RFC3339, issuedAtStr)
	return t, nil
}

// Helper functions

func scanUser(row *sql.Row) (db.User, error) {
	var u db.User
	var hasAccess, isBlocked int
	var blockedAtStr sql.NullString
	var createdAtStr string
	err := row.Scan(&u.UserID, &u.Username, &u.FirstName, &hasAccess, &isBlocked, &blockedAtStr, &u.BlockedBy, &createdAtStr)
	if err == sql.ErrNoRows {
		return db.User{}, db.ErrNoRows
	}
	if err != nil {
		return db.User{}, err
	}
	u.HasAccess = hasAccess != 0
	u.IsBlocked = isBlocked != 0
	u.BlockedAt = parseNullTime(blockedAtStr)
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	return u, nil
}

func scanUsers(rows *sql.Rows) ([]db.User, error) {
	var users []db.User
	for rows.Next() {
		var u db.User
		var hasAccess, isBlocked int
		var blockedAtStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&u.UserID, &u.Username, &u.FirstName, &hasAccess, &isBlocked, &blockedAtStr, &u.BlockedBy, &createdAtStr); err != nil {
			return nil, err
		}
		u.HasAccess = hasAccess != 0
		u.IsBlocked = isBlocked != 0
		u.BlockedAt = parseNullTime(blockedAtStr)
		u.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		users = append(users, u)
	}
	return users, rows.Err()
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return db.ErrNoRows
	}
	return nil
}

func parseNullTime(s sql.NullString) sql.NullTime {
	if !s.Valid {
		return sql.NullTime{}
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// fmtTime stores timestamps as UTC RFC3339 strings so that lexicographic
// comparison in SQL matches chronological order.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullString(s sql.NullString) interface{} {
	if s.Valid {
		return s.String
	}
	return nil
}
