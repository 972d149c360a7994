package auth

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"account-backend/internal/db"
)

func newTestRepository(t *testing.T) (*Repository, *fakeClock) {
	t.Helper()

	database, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	database.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, db.RunMigrations(database))

	clock := newFakeClock()
	repo := NewRepository(database)
	repo.now = clock.Now
	return repo, clock
}

func insertAccount(t *testing.T, repo *Repository, username string, role Role) Account {
	t.Helper()

	account, err := repo.Save(context.Background(), Account{Username: username, PasswordHash: "hash-" + username, Role: role})
	require.NoError(t, err)
	return account
}

func TestRepositoryInsertAndFind(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepository(t)

	created := insertAccount(t, repo, "alice", RoleUser)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, int64(1), created.Version)

	exists, err := repo.ExistsByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, exists)

	found, err := repo.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, "hash-alice", found.PasswordHash)
	assert.Equal(t, RoleUser, found.Role)
	assert.True(t, clock.Now().Equal(found.CreatedAt))
	assert.Nil(t, found.Security.LockedUntil)

	_, err = repo.FindByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.Save(ctx, Account{Username: "alice", PasswordHash: "other"})
	assert.ErrorIs(t, err, ErrDuplicateUsername)
}

func TestRepositoryVersionedUpdate(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepository(t)
	account := insertAccount(t, repo, "bob", RoleUser)

	until := clock.Now().Add(30 * time.Minute)
	account.Security = SecurityState{
		FailedAttempts: 5,
		Locked:         true,
		LockedUntil:    &until,
		LastAttempt:    timePtr(clock.Now()),
	}

	saved, err := repo.Save(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	found, err := repo.FindByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 5, found.Security.FailedAttempts)
	assert.True(t, found.Security.Locked)
	require.NotNil(t, found.Security.LockedUntil)
	assert.True(t, until.Equal(*found.Security.LockedUntil))

	// account still carries version 1.
	_, err = repo.Save(ctx, account)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestRepositoryRenameConflict(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)
	insertAccount(t, repo, "carol", RoleUser)
	dave := insertAccount(t, repo, "dave", RoleUser)

	dave.Username = "carol"
	_, err := repo.Save(ctx, dave)
	assert.ErrorIs(t, err, ErrDuplicateUsername)
}

func TestRepositoryDelete(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)
	erin := insertAccount(t, repo, "erin", RoleUser)

	require.NoError(t, repo.Delete(ctx, erin))
	assert.ErrorIs(t, repo.Delete(ctx, erin), ErrNotFound)

	exists, err := repo.ExistsByUsername(ctx, "erin")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRepositorySearch(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)
	insertAccount(t, repo, "alice", RoleUser)
	insertAccount(t, repo, "albert", RoleAdmin)
	insertAccount(t, repo, "bob", RoleUser)
	insertAccount(t, repo, "a_b", RoleUser)
	insertAccount(t, repo, "axb", RoleUser)

	names := func(accounts []Account) []string {
		out := make([]string, 0, len(accounts))
		for _, a := range accounts {
			out = append(out, a.Username)
		}
		return out
	}

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b", "albert", "alice", "axb", "bob"}, names(all))

	admins, err := repo.FindByRole(ctx, RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, []string{"albert"}, names(admins))

	found, err := repo.Search(ctx, "AL", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"albert", "alice"}, names(found))

	found, err = repo.Search(ctx, "al", RoleUser)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, names(found))

	found, err = repo.Search(ctx, "_", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b"}, names(found), "LIKE wildcards are matched literally")
}

func TestRepositoryReleaseExpiredLocks(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepository(t)
	policy := NewLockoutPolicy(1, time.Minute)

	short := insertAccount(t, repo, "short", RoleUser)
	short.Security = policy.RecordFailure(short.Security, clock.Now())
	_, err := repo.Save(ctx, short)
	require.NoError(t, err)

	long := insertAccount(t, repo, "long", RoleUser)
	long.Security = NewLockoutPolicy(1, time.Hour).RecordFailure(long.Security, clock.Now())
	_, err = repo.Save(ctx, long)
	require.NoError(t, err)

	manual := insertAccount(t, repo, "manual", RoleUser)
	manual.Security = policy.ForceLock(manual.Security)
	_, err = repo.Save(ctx, manual)
	require.NoError(t, err)

	released, err := repo.ReleaseExpiredLocks(ctx, clock.Now().Add(2*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	found, err := repo.FindByUsername(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found.Security.Locked)
	assert.Zero(t, found.Security.FailedAttempts)
	assert.Equal(t, int64(3), found.Version)

	for _, name := range []string{"long", "manual"} {
		found, err := repo.FindByUsername(ctx, name)
		require.NoError(t, err)
		assert.Truef(t, found.Security.Locked, "%s should stay locked", name)
	}
}
