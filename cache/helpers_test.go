package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func TestGetTyped(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepository(t)

	found, user, err := Get[testUser](ctx, repo, "user:1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, testUser{}, user)

	_, err = repo.Put(ctx, "user:1", testUser{Name: "alice", Email: "a@example.com"}, time.Minute)
	require.NoError(t, err)

	found, user, err = Get[testUser](ctx, repo, "user:1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "alice", user.Name)

	_, err = repo.Put(ctx, "text", "abc", time.Minute)
	require.NoError(t, err)
	found, _, err = Get[int](ctx, repo, "text")
	assert.Error(t, err)
	assert.False(t, found)
}

func TestGetOrTyped(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepository(t)

	n, err := GetOr(ctx, repo, "n", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	_, err = repo.Put(ctx, "n", 3, time.Minute)
	require.NoError(t, err)
	n, err = GetOr(ctx, repo, "n", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRememberTyped(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepository(t)

	calls := 0
	load := func(ctx context.Context) (testUser, error) {
		calls++
		return testUser{Name: "bob"}, nil
	}
	user, err := Remember(ctx, repo, "user:2", time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, "bob", user.Name)

	user, err = Remember(ctx, repo, "user:2", time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, "bob", user.Name)
	assert.Equal(t, 1, calls)

	count, err := RememberForever(ctx, repo, "count", func(ctx context.Context) (int, error) {
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = Remember(ctx, repo, "fails", time.Minute, func(ctx context.Context) (int, error) {
		return 0, errBackendDown
	})
	assert.ErrorIs(t, err, errBackendDown)
}

func TestPullTyped(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepository(t)

	_, err := repo.Put(ctx, "token", "secret", time.Minute)
	require.NoError(t, err)

	found, token, err := Pull[string](ctx, repo, "token")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "secret", token)

	found, _, err = Pull[string](ctx, repo, "token")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHelpersWithTags(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepository(t)
	tagged, err := repo.Tags("users")
	require.NoError(t, err)

	_, err = Remember(ctx, tagged, "alice", time.Minute, func(ctx context.Context) (testUser, error) {
		return testUser{Name: "alice"}, nil
	})
	require.NoError(t, err)

	found, user, err := Get[testUser](ctx, tagged, "alice")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "alice", user.Name)

	found, _, err = Get[testUser](ctx, repo, "alice")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExec(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepository(t)

	calls := 0
	found, val, err := Exec(ctx, repo, "missing", time.Minute, func(ctx context.Context) (string, bool, error) {
		calls++
		return "", false, nil
	})
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "", val)
	assert.False(t, repo.Has(ctx, "missing"), "not found results are not cached")

	invoke := func(ctx context.Context) (string, bool, error) {
		calls++
		return "value", true, nil
	}
	found, val, err = Exec(ctx, repo, "k", time.Minute, invoke)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", val)

	found, val, err = Exec(ctx, repo, "k", time.Minute, invoke)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", val)
	assert.Equal(t, 2, calls)

	_, _, err = Exec(ctx, repo, "err", time.Minute, func(ctx context.Context) (string, bool, error) {
		return "", false, errBackendDown
	})
	assert.ErrorIs(t, err, errBackendDown)
}
