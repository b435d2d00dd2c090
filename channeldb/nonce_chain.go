package channeldb

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/trinity-network/trinity/trwire"
)

func nonceKey(nonce uint64) []byte {
	var k [8]byte
	byteOrder.PutUint64(k[:], nonce)

	return k[:]
}

func monitorValue(id trwire.ChannelID, nonce uint64) []byte {
	v := make([]byte, 0, len(id)+8)
	v = append(v, id[:]...)

	return append(v, nonceKey(nonce)...)
}

// AppendTx appends a countersigned record to its channel's nonce chain. The
// nonce must be exactly one past the last record, starting at zero, and no
// record may follow a SETTLE. The record's monitor txid is indexed so a
// later broadcast can be mapped back to it.
func (d *DB) AppendTx(rec *TxRecord) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		return appendTx(tx, rec)
	}, func() {})
}

// CommitTx appends the record and stores the channel it produced within a
// single database transaction.
func (d *DB) CommitTx(rec *TxRecord, c *Channel) error {
	if rec.ChannelID != c.ID {
		return fmt.Errorf("%w: record of %v for channel %v",
			ErrChannelNotFound, rec.ChannelID, c.ID)
	}

	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		if err := appendTx(tx, rec); err != nil {
			return err
		}

		return updateChannel(tx, c)
	}, func() {})
}

func appendTx(tx kvdb.RwTx, rec *TxRecord) error {
	if !rec.IsCountersigned() {
		return fmt.Errorf("%w: channel %v nonce %d", ErrNotCountersigned,
			rec.ChannelID, rec.Nonce)
	}

	chanBucket := tx.ReadWriteBucket(channelBucket)
	if chanBucket == nil || chanBucket.Get(rec.ChannelID[:]) == nil {
		return fmt.Errorf("%w: %v", ErrChannelNotFound, rec.ChannelID)
	}

	txs, err := tx.ReadWriteBucket(txBucket).CreateBucketIfNotExists(
		rec.ChannelID[:],
	)
	if err != nil {
		return err
	}

	key := nonceKey(rec.Nonce)
	if txs.Get(key) != nil {
		return fmt.Errorf("%w: nonce %d already committed",
			ErrNonceConflict, rec.Nonce)
	}

	var expected uint64
	lastKey, lastValue := txs.ReadWriteCursor().Last()
	if lastKey != nil {
		last, err := DeserializeTxRecord(bytes.NewReader(lastValue))
		if err != nil {
			return err
		}
		if last.Type == trwire.TxSettle {
			return fmt.Errorf("%w: settled at nonce %d",
				ErrChainSettled, last.Nonce)
		}

		expected = byteOrder.Uint64(lastKey) + 1
	}
	if rec.Nonce != expected {
		return fmt.Errorf("%w: expected nonce %d, got %d",
			ErrNonceConflict, expected, rec.Nonce)
	}

	rec.State = TxSigned

	var b bytes.Buffer
	if err := SerializeTxRecord(&b, rec); err != nil {
		return err
	}
	if err := txs.Put(key, b.Bytes()); err != nil {
		return err
	}

	if rec.MonitorTxID != (chainhash.Hash{}) {
		err := tx.ReadWriteBucket(monitorBucket).Put(
			rec.MonitorTxID[:], monitorValue(rec.ChannelID, rec.Nonce),
		)
		if err != nil {
			return err
		}
	}

	log.Debugf("Appended %v record at nonce %d to channel %v",
		rec.Type, rec.Nonce, rec.ChannelID)

	return nil
}

// FetchTx returns the record at the nonce or ErrTxNotFound.
func (d *DB) FetchTx(id trwire.ChannelID, nonce uint64) (*TxRecord, error) {
	var rec *TxRecord
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		txs := tx.ReadBucket(txBucket).NestedReadBucket(id[:])
		if txs == nil {
			return fmt.Errorf("%w: channel %v nonce %d",
				ErrTxNotFound, id, nonce)
		}

		data := txs.Get(nonceKey(nonce))
		if data == nil {
			return fmt.Errorf("%w: channel %v nonce %d",
				ErrTxNotFound, id, nonce)
		}

		var err error
		rec, err = DeserializeTxRecord(bytes.NewReader(data))
		return err
	}, func() {
		rec = nil
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// LatestTx returns the highest record of the channel's nonce chain.
func (d *DB) LatestTx(id trwire.ChannelID) (*TxRecord, error) {
	var rec *TxRecord
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		txs := tx.ReadBucket(txBucket).NestedReadBucket(id[:])
		if txs == nil {
			return fmt.Errorf("%w: channel %v has no records",
				ErrTxNotFound, id)
		}

		k, v := txs.ReadCursor().Last()
		if k == nil {
			return fmt.Errorf("%w: channel %v has no records",
				ErrTxNotFound, id)
		}

		var err error
		rec, err = DeserializeTxRecord(bytes.NewReader(v))
		return err
	}, func() {
		rec = nil
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// FetchTxs returns the channel's nonce chain in nonce order.
func (d *DB) FetchTxs(id trwire.ChannelID) ([]*TxRecord, error) {
	var recs []*TxRecord
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		txs := tx.ReadBucket(txBucket).NestedReadBucket(id[:])
		if txs == nil {
			return nil
		}

		return txs.ForEach(func(_, v []byte) error {
			rec, err := DeserializeTxRecord(bytes.NewReader(v))
			if err != nil {
				return err
			}
			recs = append(recs, rec)

			return nil
		})
	}, func() {
		recs = nil
	})
	if err != nil {
		return nil, err
	}

	return recs, nil
}

// LookupMonitor maps a monitored txid to the channel and nonce of the record
// that committed it.
func (d *DB) LookupMonitor(txid chainhash.Hash) (trwire.ChannelID, uint64,
	error) {

	var (
		id    trwire.ChannelID
		nonce uint64
	)
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		v := tx.ReadBucket(monitorBucket).Get(txid[:])
		if v == nil {
			return fmt.Errorf("%w: txid %v not monitored",
				ErrTxNotFound, txid)
		}
		if len(v) != len(id)+8 {
			return fmt.Errorf("%w: monitor entry of %d bytes",
				ErrCorruptRecord, len(v))
		}

		copy(id[:], v[:len(id)])
		nonce = byteOrder.Uint64(v[len(id):])

		return nil
	}, func() {})

	return id, nonce, err
}
