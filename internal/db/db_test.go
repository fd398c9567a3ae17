package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trackd/internal/track"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trackd_test.db")
	database, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, database.EnsureSchema())
	t.Cleanup(func() { database.Close() })
	return database
}

func TestSessionLifecycle(t *testing.T) {
	database := testDB(t)

	id := uuid.NewString()
	started := time.Now().Add(-time.Minute)
	require.NoError(t, database.RecordSessionStart(Session{
		ID:         id,
		RemoteAddr: "127.0.0.1:51234",
		Version:    2,
		Layout:     track.DeviceLayout{NumTrackers: 2, NumButtons: 3, NumValuators: 1},
		StartedAt:  started,
	}))

	sessions, err := database.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, 2, sessions[0].Version)
	assert.Equal(t, track.DeviceLayout{NumTrackers: 2, NumButtons: 3, NumValuators: 1}, sessions[0].Layout)
	assert.Nil(t, sessions[0].EndedAt)

	require.NoError(t, database.RecordSessionEnd(id, 4242))

	sessions, err = database.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0].EndedAt)
	assert.Equal(t, int64(4242), sessions[0].PacketsSent)
}

func TestRecordSessionEndUnknownID(t *testing.T) {
	database := testDB(t)
	err := database.RecordSessionEnd("no-such-session", 1)
	assert.Error(t, err)
}

func TestSessionsOrderAndLimit(t *testing.T) {
	database := testDB(t)

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		id := uuid.NewString()
		ids = append(ids, id)
		require.NoError(t, database.RecordSessionStart(Session{
			ID:         id,
			RemoteAddr: "127.0.0.1:50000",
			Version:    3,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	sessions, err := database.Sessions(3)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	// Newest first.
	assert.Equal(t, ids[4], sessions[0].ID)
	assert.Equal(t, ids[3], sessions[1].ID)
	assert.Equal(t, ids[2], sessions[2].ID)
}

func TestMigrateUpAndDown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trackd_migrate.db")
	database, err := NewDB(path)
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, database.MigrateUp("migrations"))

	version, dirty, err := database.MigrateVersion("migrations")
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)

	// Schema is usable after migrating.
	require.NoError(t, database.RecordSessionStart(Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
	}))

	require.NoError(t, database.MigrateDown("migrations"))
}
