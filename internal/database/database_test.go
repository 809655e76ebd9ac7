package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateUpAndDown(t *testing.T) {
	ctx := context.Background()
	db, err := New(filepath.Join(t.TempDir(), "data", "indexproxy.db"), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate(ctx))
	v, err := db.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = db.Conn().ExecContext(ctx, `INSERT INTO indexer_status (indexer_id, escalation_level, updated_at) VALUES ('a', 1, 0)`)
	require.NoError(t, err)

	require.NoError(t, db.MigrateDown(ctx))
	_, err = db.Conn().ExecContext(ctx, `SELECT 1 FROM indexer_status`)
	assert.Error(t, err)
}

func TestMemoryDatabase(t *testing.T) {
	db, err := New(MemoryPath, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(context.Background()))
	assert.Equal(t, MemoryPath, db.Path())
}
