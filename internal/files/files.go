// Package files owns the on-disk file store and its retention job.
package files

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/avasiliev/ticketgate/internal/db"
	"github.com/avasiliev/ticketgate/internal/metrics"
)

// DefaultRetention is how long stored files are kept before the daily
// pruning job removes them along with their backing storage.
const DefaultRetention = 180 * 24 * time.Hour

// Store writes uploaded files into a storage directory, optionally
// mirroring each one into a backup directory, and registers them in the
// file registry.
type Store struct {
	repo       db.Repository
	log        *slog.Logger
	storageDir string
	backupDir  string
	client     *http.Client
}

func NewStore(repo db.Repository, log *slog.Logger, storageDir, backupDir string) *Store {
	return &Store{
		repo:       repo,
		log:        log,
		storageDir: storageDir,
		backupDir:  backupDir,
		client:     &http.Client{Timeout: 2 * time.Minute},
	}
}

// SaveFromURL downloads an attachment and registers it. The backup copy is
// best-effort: a failed mirror write is logged and the file is registered
// without one.
func (s *Store) SaveFromURL(ctx context.Context, url, fileName string, now time.Time) (db.File, error) {
	if err := os.MkdirAll(s.storageDir, 0o755); err != nil {
		return db.File{}, fmt.Errorf("creating storage dir: %w", err)
	}

	primary := filepath.Join(s.storageDir, fmt.Sprintf("%d_%s", now.UnixNano(), fileName))
	if err := s.download(ctx, url, primary); err != nil {
		return db.File{}, fmt.Errorf("downloading %s: %w", fileName, err)
	}

	backup := sql.NullString{}
	if s.backupDir != "" {
		path := filepath.Join(s.backupDir, filepath.Base(primary))
		if err := copyFile(primary, path); err != nil {
			s.log.Warn("failed to write backup copy", "file", fileName, "error", err)
		} else {
			backup = sql.NullString{String: path, Valid: true}
		}
	}

	file, err := s.repo.CreateFile(ctx, db.CreateFileParams{
		FileName:   fileName,
		FilePath:   primary,
		BackupPath: backup,
		UploadDate: now,
	})
	if err != nil {
		os.Remove(primary)
		if backup.Valid {
			os.Remove(backup.String)
		}
		return db.File{}, fmt.Errorf("registering file %s: %w", fileName, err)
	}

	s.log.Info("stored file", "file_id", file.ID, "name", fileName, "backup", backup.Valid)
	return file, nil
}

func (s *Store) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// Cleaner removes expired files from the registry and from disk.
type Cleaner struct {
	repo db.Repository
	log  *slog.Logger
}

func NewCleaner(repo db.Repository, log *slog.Logger) *Cleaner {
	return &Cleaner{repo: repo, log: log}
}

// DeleteOlderThan removes files whose upload date is older than age,
// deleting the primary path and the backup copy before the registry row.
// A failure on one file is logged and the run continues; the cutoff makes
// the job idempotent and safe next to live uploads.
func (c *Cleaner) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	old, err := c.repo.ListFilesUploadedBefore(ctx, cutoff)
	if err != nil {
		c.log.Error("listing expired files", "error", err)
		return 0, err
	}

	deleted := 0
	for _, f := range old {
		if err := removeIfExists(f.FilePath); err != nil {
			c.log.Error("deleting file from disk", "file_id", f.ID, "path", f.FilePath, "error", err)
			continue
		}
		if f.BackupPath.Valid {
			if err := removeIfExists(f.BackupPath.String); err != nil {
				c.log.Error("deleting backup copy", "file_id", f.ID, "path", f.BackupPath.String, "error", err)
			}
		}
		if err := c.repo.DeleteFile(ctx, f.ID); err != nil {
			c.log.Error("deleting file row", "file_id", f.ID, "error", err)
			continue
		}
		deleted++
	}

	c.log.Info("pruned expired files", "deleted", deleted, "cutoff", cutoff)
	metrics.FilesPruned.Add(float64(deleted))
	return deleted, nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
