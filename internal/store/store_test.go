package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// backends lists the stores that run without external services.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	b, err := OpenBolt(filepath.Join(dir, "ops.bolt"))
	require.NoError(t, err)
	s, err := OpenSQLite(ctx, filepath.Join(dir, "ops.sqlite"))
	require.NoError(t, err)

	return map[string]Store{
		"memory": NewMemory(),
		"bolt":   b,
		"sqlite": s,
	}
}

func TestStoreAppendSince(t *testing.T) {
	ctx := context.Background()

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()

			require.NoError(t, st.Append(ctx, "doc-42", 1, []byte(`{"insert":"hi","at":0}`)))
			require.NoError(t, st.Append(ctx, "doc-42", 2, []byte(`{"insert":"!","at":2}`)))
			require.NoError(t, st.Append(ctx, "doc-42", 3, []byte(`{"delete":0}`)))
			require.NoError(t, st.Append(ctx, "other", 1, []byte(`{}`)))

			all, err := st.Since(ctx, "doc-42", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			for i, r := range all {
				assert.Equal(t, uint64(i+1), r.Seq)
				assert.Equal(t, "doc-42", r.RoomID)
			}
			assert.JSONEq(t, `{"insert":"hi","at":0}`, string(all[0].Op))

			tail, err := st.Since(ctx, "doc-42", 2)
			require.NoError(t, err)
			require.Len(t, tail, 1)
			assert.Equal(t, uint64(3), tail[0].Seq)

			none, err := st.Since(ctx, "missing", 0)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStoreAppendIdempotent(t *testing.T) {
	ctx := context.Background()

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()

			require.NoError(t, st.Append(ctx, "r", 7, []byte(`{"v":1}`)))
			require.NoError(t, st.Append(ctx, "r", 7, []byte(`{"v":2}`)))

			recs, err := st.Since(ctx, "r", 0)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.JSONEq(t, `{"v":1}`, string(recs[0].Op))
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		driver  string
		wantErr bool
	}{
		{driver: "none"},
		{driver: "memory"},
		{driver: "bolt"},
		{driver: "sqlite"},
		{driver: "mongo", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			st, err := Open(ctx, tt.driver, "", filepath.Join(dir, tt.driver+".db"), zap.NewNop())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, st.Append(ctx, "r", 1, []byte(`{}`)))
			require.NoError(t, st.Close())
		})
	}
}
