package channeldb

import (
	"path/filepath"
	"testing"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

// TestOpenWipe checks a fresh database gets its version and a wipe leaves
// every bucket empty but usable.
func TestOpenWipe(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	require.Equal(t, dir, db.Path())
	require.FileExists(t, filepath.Join(dir, dbName))

	meta, err := db.FetchMeta()
	require.NoError(t, err)
	require.Equal(t, latestDBVersion, meta.DbVersionNumber)

	c := newTestChannel(t, db)
	require.NoError(t, db.CreateChannel(c))

	require.NoError(t, db.Wipe())

	_, err = db.FetchChannel(c.ID)
	require.ErrorIs(t, err, ErrChannelNotFound)

	// The store is usable after the wipe.
	require.NoError(t, db.CreateChannel(c))
}

// TestDBReversion refuses to open a database written by a newer version.
func TestDBReversion(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)

	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		return putMeta(tx, &Meta{DbVersionNumber: latestDBVersion + 1})
	}, func() {})
	require.NoError(t, err)

	_, err = CreateWithBackend(db.Backend)
	require.ErrorIs(t, err, ErrDBReversion)
}
