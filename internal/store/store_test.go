package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "servers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddListRemove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "alpha"))
	require.NoError(t, s.Add(ctx, "beta"))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, ids)

	require.NoError(t, s.Remove(ctx, "alpha"))
	ids, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, ids)
}

func TestAddIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "alpha"))
	require.NoError(t, s.Add(ctx, "alpha"))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, ids)
}

func TestListSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, "gamma"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gamma"}, ids)
}
