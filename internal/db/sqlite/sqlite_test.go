package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/avasiliev/ticketgate/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestUserUpsertAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	u, err := repo.UpsertUser(ctx, db.UpsertUserParams{
		UserID:    100,
		Username:  sql.NullString{String: "alice", Valid: true},
		FirstName: sql.NullString{String: "Alice", Valid: true},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.UserID)
	assert.True(t, u.HasAccess)
	assert.False(t, u.IsBlocked)

	// A second upsert updates the profile fields in place.
	u, err = repo.UpsertUser(ctx, db.UpsertUserParams{
		UserID:   100,
		Username: sql.NullString{String: "alice2", Valid: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice2", u.Username.String)
	assert.False(t, u.FirstName.Valid)

	got, err := repo.GetUser(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, u.UserID, got.UserID)

	_, err = repo.GetUser(ctx, 999)
	assert.True(t, db.IsNoRows(err))
}

func TestUpsertPreservesBlockState(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.UpsertUser(ctx, db.UpsertUserParams{UserID: 100})
	require.NoError(t, err)
	require.NoError(t, repo.BlockUser(ctx, db.BlockUserParams{
		UserID:    100,
		BlockedBy: 1,
		BlockedAt: time.Now(),
	}))

	// Re-upserting a blocked user must not clear the block.
	u, err := repo.UpsertUser(ctx, db.UpsertUserParams{
		UserID:   100,
		Username: sql.NullString{String: "alice", Valid: true},
	})
	require.NoError(t, err)
	assert.True(t, u.IsBlocked)
	assert.False(t, u.HasAccess)
	assert.Equal(t, int64(1), u.BlockedBy.Int64)
	assert.True(t, u.BlockedAt.Valid)
}

func TestBlockUnblock(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.UpsertUser(ctx, db.UpsertUserParams{UserID: 100})
	require.NoError(t, err)

	require.NoError(t, repo.BlockUser(ctx, db.BlockUserParams{
		UserID:    100,
		BlockedBy: 1,
		BlockedAt: time.Now(),
	}))
	u, err := repo.GetUser(ctx, 100)
	require.NoError(t, err)
	assert.True(t, u.IsBlocked)

	require.NoError(t, repo.UnblockUser(ctx, 100))
	u, err = repo.GetUser(ctx, 100)
	require.NoError(t, err)
	assert.False(t, u.IsBlocked)
	assert.True(t, u.HasAccess)
	assert.False(t, u.BlockedAt.Valid)
	assert.False(t, u.BlockedBy.Valid)

	// Unknown users are reported, not silently ignored.
	err = repo.BlockUser(ctx, db.BlockUserParams{UserID: 999, BlockedBy: 1, BlockedAt: time.Now()})
	assert.True(t, db.IsNoRows(err))
	assert.True(t, db.IsNoRows(repo.UnblockUser(ctx, 999)))
}

func TestListBroadcastRecipients(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		_, err := repo.UpsertUser(ctx, db.UpsertUserParams{UserID: id})
		require.NoError(t, err)
	}
	require.NoError(t, repo.BlockUser(ctx, db.BlockUserParams{UserID: 2, BlockedBy: 1, BlockedAt: time.Now()}))

	recipients, err := repo.ListBroadcastRecipients(ctx)
	require.NoError(t, err)
	require.Len(t, recipients, 2)
	assert.Equal(t, int64(1), recipients[0].UserID)
	assert.Equal(t, int64(3), recipients[1].UserID)
}

func TestActivityCountAndPrune(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		_, err := repo.CreateActivity(ctx, db.CreateActivityParams{
			UserID:     100,
			ActionKind: "user_action",
			Timestamp:  now.Add(time.Duration(-i*10) * time.Second),
		})
		require.NoError(t, err)
	}
	// Different kind and different user must not be counted.
	_, err := repo.CreateActivity(ctx, db.CreateActivityParams{
		UserID:     100,
		ActionKind: "broadcast",
		Timestamp:  now,
	})
	require.NoError(t, err)
	_, err = repo.CreateActivity(ctx, db.CreateActivityParams{
		UserID:     200,
		ActionKind: "user_action",
		Timestamp:  now,
	})
	require.NoError(t, err)

	count, err := repo.CountActivitySince(ctx, db.CountActivityParams{
		UserID:     100,
		ActionKind: "user_action",
		Since:      now.Add(-60 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// Records on or before the cutoff fall outside the window.
	count, err = repo.CountActivitySince(ctx, db.CountActivityParams{
		UserID:     100,
		ActionKind: "user_action",
		Since:      now.Add(-15 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	deleted, err := repo.DeleteActivityBefore(ctx, now.Add(-5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	// Pruning is idempotent.
	deleted, err = repo.DeleteActivityBefore(ctx, now.Add(-5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}

func TestFileCRUD(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	old, err := repo.CreateFile(ctx, db.CreateFileParams{
		FileName:   "old.pdf",
		FilePath:   "/data/old.pdf",
		BackupPath: sql.NullString{String: "/backup/old.pdf", Valid: true},
		UploadDate: now.Add(-200 * 24 * time.Hour),
	})
	require.NoError(t, err)
	_, err = repo.CreateFile(ctx, db.CreateFileParams{
		FileName:   "new.pdf",
		FilePath:   "/data/new.pdf",
		UploadDate: now,
	})
	require.NoError(t, err)

	stale, err := repo.ListFilesUploadedBefore(ctx, now.Add(-180*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old.pdf", stale[0].FileName)
	assert.Equal(t, "/backup/old.pdf", stale[0].BackupPath.String)

	require.NoError(t, repo.DeleteFile(ctx, old.ID))
	stale, err = repo.ListFilesUploadedBefore(ctx, now.Add(-180*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestTickets(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := repo.GetLatestTicketForUser(ctx, 100)
	assert.True(t, db.IsNoRows(err))

	_, err = repo.CreateTicket(ctx, db.CreateTicketParams{UserID: 100, Code: "aaaa1111", IssuedAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = repo.CreateTicket(ctx, db.CreateTicketParams{UserID: 100, Code: "bbbb2222", IssuedAt: now})
	require.NoError(t, err)

	latest, err := repo.GetLatestTicketForUser(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "bbbb2222", latest.Code)
}

func TestWithTxRollback(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := repo.WithTx(ctx, func(tx db.Repository) error {
		if _, err := tx.UpsertUser(ctx, db.UpsertUserParams{UserID: 100}); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	_, err = repo.GetUser(ctx, 100)
	assert.True(t, db.IsNoRows(err), "rolled-back insert should not be visible")
}
