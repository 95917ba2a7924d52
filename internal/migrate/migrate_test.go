package migrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	v, err := Migrate(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, 2, v)

	v, err = Migrate(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, 2, v)

	for _, table := range []string{"rules", "triggers", "wager_firings", "events", "api_keys"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}
