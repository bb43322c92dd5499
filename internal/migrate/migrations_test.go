package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	version, err := Version(conn)
	require.NoError(t, err)
	ms, err := loadMigrations()
	require.NoError(t, err)
	assert.Equal(t, ms[len(ms)-1].Version, version)

	var applied int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, len(ms), applied)
}

func TestEventsAreAppendOnly(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn))
	_, err = conn.Exec(`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES ('t','x','plan','p','a','{}')`)
	require.NoError(t, err)
	_, err = conn.Exec(`UPDATE events SET type='y'`)
	assert.Error(t, err)
	_, err = conn.Exec(`DELETE FROM events`)
	assert.Error(t, err)
}
