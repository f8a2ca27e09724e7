package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anthropics/nfsdcld-core/internal/domain"
	"github.com/anthropics/nfsdcld-core/internal/storage"
)

func TestTableRepo_InsertRemoveCheckCycle(t *testing.T) {
	e, err := storage.Open(t.TempDir(), 10000, 0, nil)
	require.NoError(t, err)
	defer e.Close()

	r := &tableRepo{engine: e}
	ctx := context.Background()

	_, err = e.Exec(ctx, `CREATE TABLE "`+domain.RecoveryTableName(1)+`" (id BLOB PRIMARY KEY)`)
	require.NoError(t, err)

	id := domain.ClientID("client-x")

	n, err := r.count(ctx, id, 1)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, r.insert(ctx, id, 1))
	n, err = r.count(ctx, id, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, r.insert(ctx, id, 1)) // idempotent
	n, err = r.count(ctx, id, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, r.remove(ctx, id, 1))
	n, err = r.count(ctx, id, 1)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, r.remove(ctx, id, 1)) // removing absent row is not an error
}

func TestTableRepo_Iterate(t *testing.T) {
	e, err := storage.Open(t.TempDir(), 10000, 0, nil)
	require.NoError(t, err)
	defer e.Close()

	r := &tableRepo{engine: e}
	ctx := context.Background()

	_, err = e.Exec(ctx, `CREATE TABLE "`+domain.RecoveryTableName(7)+`" (id BLOB PRIMARY KEY)`)
	require.NoError(t, err)

	want := map[string]bool{"alpha": true, "beta": true, "gamma": true}
	for id := range want {
		require.NoError(t, r.insert(ctx, domain.ClientID(id), 7))
	}

	got := map[string]bool{}
	require.NoError(t, r.iterate(ctx, 7, func(id domain.ClientID) error {
		got[string(id)] = true
		return nil
	}))
	require.Equal(t, want, got)
}
