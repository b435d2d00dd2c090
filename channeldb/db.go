package channeldb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	dbName = "ledger.db"
)

var (
	// channelBucket stores every channel keyed by channel id.
	channelBucket = []byte("channel")

	// txBucket holds one nested bucket per channel, mapping big endian
	// nonces to transaction records.
	txBucket = []byte("tx")

	// blockHeightBucket maps an endpoint uri to the last chain height
	// reported for it.
	blockHeightBucket = []byte("blockheight")

	// blockEventBucket maps a big endian target height to the list of
	// block events scheduled for it.
	blockEventBucket = []byte("blockevent")

	// monitorBucket maps a monitored txid to channel id || nonce.
	monitorBucket = []byte("monitor")

	// metaBucket stores the database version.
	metaBucket = []byte("meta")

	// circuitBucket maps the hash lock of a forwarded HTLC to its open
	// payment circuit.
	circuitBucket = []byte("circuit")

	// forwardingLogBucket is the time series of settled forwards keyed by
	// big endian unix nano timestamps.
	forwardingLogBucket = []byte("fwdlog")

	// preimageBucket maps a hash lock to its preimage once it's known.
	preimageBucket = []byte("preimage")

	// topLevelBuckets is the list of buckets created on open.
	topLevelBuckets = [][]byte{
		channelBucket,
		txBucket,
		blockHeightBucket,
		blockEventBucket,
		monitorBucket,
		metaBucket,
		circuitBucket,
		forwardingLogBucket,
		preimageBucket,
	}

	// Big endian is the preferred byte order, due to cursor scans over
	// integer keys iterating in order.
	byteOrder = binary.BigEndian
)

// DB is the ledger store of the trinity daemon. It stores channels, their
// nonce chains, reported block heights, scheduled block events and the index
// of monitored transactions.
type DB struct {
	kvdb.Backend

	dbPath string
}

// Open opens or creates the ledger database in dbPath and makes sure every
// top level bucket exists.
func Open(dbPath string, modifiers ...OptionModifier) (*DB, error) {
	opts := DefaultOptions()
	for _, modifier := range modifiers {
		modifier(&opts)
	}

	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, err
	}

	path := filepath.Join(dbPath, dbName)
	backend, err := kvdb.Create(
		kvdb.BoltBackendName, path, opts.NoFreelistSync,
		opts.DBTimeout, false,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to open ledger db: %w", err)
	}

	db, err := CreateWithBackend(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	db.dbPath = dbPath

	log.Infof("Opened ledger database at %v", path)

	return db, nil
}

// CreateWithBackend wraps an already open backend, initialising the bucket
// structure if needed.
func CreateWithBackend(backend kvdb.Backend) (*DB, error) {
	err := kvdb.Update(backend, func(tx kvdb.RwTx) error {
		for _, bucket := range topLevelBuckets {
			_, err := tx.CreateTopLevelBucket(bucket)
			if err != nil {
				return err
			}
		}

		meta, err := fetchMeta(tx)
		if err != nil {
			return err
		}
		if meta.DbVersionNumber > latestDBVersion {
			return fmt.Errorf("%w: db version %d, latest known %d",
				ErrDBReversion, meta.DbVersionNumber,
				latestDBVersion)
		}

		return putMeta(tx, &Meta{DbVersionNumber: latestDBVersion})
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("unable to create ledger buckets: %w", err)
	}

	return &DB{Backend: backend}, nil
}

// Path returns the directory holding the database file.
func (d *DB) Path() string {
	return d.dbPath
}

// Wipe completely deletes all saved state within all used buckets within the
// database. The deletion is done in a single transaction, therefore this
// operation is fully atomic.
func (d *DB) Wipe() error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		for _, bucket := range topLevelBuckets {
			err := tx.DeleteTopLevelBucket(bucket)
			if err != nil && !errors.Is(err, kvdb.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateTopLevelBucket(bucket); err != nil {
				return err
			}
		}

		return putMeta(tx, &Meta{DbVersionNumber: latestDBVersion})
	}, func() {})
}

// MakeTestDB creates a new database in a temporary directory that is removed
// when the test ends.
func MakeTestDB(t testing.TB) *DB {
	t.Helper()

	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("unable to create test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	return db
}
