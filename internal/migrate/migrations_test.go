package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	pending, err := Pending(conn)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	pending, err = Pending(conn)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = conn.Exec(`INSERT INTO runs(id,event,mode,status,target_messages,started_at) VALUES ('r','e','opera','running',1,'t')`)
	assert.Error(t, err, "mode check constraint")
}
