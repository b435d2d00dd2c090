package channeldb

import (
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// dbVersionKey is a boltdb key and it's used for storing/retrieving
	// current database version.
	dbVersionKey = []byte("dbp")
)

// latestDBVersion is the schema version written by this code.
const latestDBVersion uint32 = 1

// Meta structure holds the database meta information.
type Meta struct {
	// DbVersionNumber is the current schema version of the database.
	DbVersionNumber uint32
}

// FetchMeta fetches the metadata from boltdb.
func (d *DB) FetchMeta() (*Meta, error) {
	var meta *Meta
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var err error
		meta, err = fetchMeta(tx)
		return err
	}, func() {
		meta = nil
	})
	if err != nil {
		return nil, err
	}

	return meta, nil
}

// fetchMeta is an internal helper function used in order to allow callers to
// re-use a database transaction.
func fetchMeta(tx kvdb.RTx) (*Meta, error) {
	metaBucket := tx.ReadBucket(metaBucket)
	if metaBucket == nil {
		return nil, ErrMetaNotFound
	}

	meta := &Meta{}
	data := metaBucket.Get(dbVersionKey)
	if data == nil {
		meta.DbVersionNumber = 0
	} else {
		meta.DbVersionNumber = byteOrder.Uint32(data)
	}

	return meta, nil
}

// putMeta is an internal helper function used in order to allow callers to
// re-use a database transaction.
func putMeta(tx kvdb.RwTx, meta *Meta) error {
	metaBucket, err := tx.CreateTopLevelBucket(metaBucket)
	if err != nil {
		return err
	}

	var scratch [4]byte
	byteOrder.PutUint32(scratch[:], meta.DbVersionNumber)

	return metaBucket.Put(dbVersionKey, scratch[:])
}
