package objectstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	data := []byte(`{"schemaVersion":"WorkCertificate.v1","payload":{"jobId":"j_1"}}`)

	ref, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "sha256:"))
	assert.Equal(t, Ref(data), ref)

	// Idempotent re-put.
	ref2, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	missing := Ref([]byte("missing"))
	_, err = s.Get(ctx, missing)
	require.ErrorIs(t, err, ErrNotFound)
	ok, err = s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete(ctx, ref))
	_, err = s.Get(ctx, ref)
	require.ErrorIs(t, err, ErrNotFound)
	// Deleting again is fine.
	require.NoError(t, s.Delete(ctx, ref))

	// Malformed refs are rejected before any I/O.
	_, err = s.Get(ctx, "md5:abcd")
	require.Error(t, err)
	_, err = s.Get(ctx, "sha256:nothex")
	require.Error(t, err)
	_, err = s.Put(ctx, nil)
	require.Error(t, err)
}

func TestFileStore_Contract(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	runStoreContract(t, s)
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_CopiesData(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	data := []byte(`{"k":1}`)
	ref, err := s.Put(ctx, data)
	require.NoError(t, err)

	data[0] = 'X'
	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, byte('{'), got[0])

	got[1] = 'Y'
	again, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, byte('"'), again[1])
	assert.Equal(t, 1, s.Len())
}

func TestFileStore_ShardsByDigest(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	ref, err := s.Put(context.Background(), []byte("shard me"))
	require.NoError(t, err)

	digest := strings.TrimPrefix(ref, "sha256:")
	ok, err := s.Exists(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.FileExists(t, dir+"/"+digest[:2]+"/"+digest+".blob")
}
