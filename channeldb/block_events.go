package channeldb

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/trinity-network/trinity/trwire"
)

// PutBlockHeight records the last chain height reported for the endpoint.
// The newest report always wins, even if it is lower.
func (d *DB) PutBlockHeight(uri trwire.Endpoint, height uint32) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		var v [4]byte
		byteOrder.PutUint32(v[:], height)

		return tx.ReadWriteBucket(blockHeightBucket).Put(
			[]byte(uri), v[:],
		)
	}, func() {})
}

// FetchBlockHeight returns the last height reported for the endpoint.
func (d *DB) FetchBlockHeight(uri trwire.Endpoint) (uint32, error) {
	var height uint32
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		v := tx.ReadBucket(blockHeightBucket).Get([]byte(uri))
		if v == nil {
			return fmt.Errorf("%w: %v", ErrBlockHeightNotFound, uri)
		}
		if len(v) != 4 {
			return fmt.Errorf("%w: height of %d bytes",
				ErrCorruptRecord, len(v))
		}
		height = byteOrder.Uint32(v)

		return nil
	}, func() {
		height = 0
	})

	return height, err
}

// BlockEventType is the action a block event triggers.
type BlockEventType uint8

const (
	// BlockEventRevocable fires once the revocable delivery of a
	// broadcast commitment matures.
	BlockEventRevocable BlockEventType = 0
)

// String returns the event type name.
func (t BlockEventType) String() string {
	switch t {
	case BlockEventRevocable:
		return "REVOCABLE"
	default:
		return fmt.Sprintf("BlockEventType(%d)", uint8(t))
	}
}

// BlockEvent is an action scheduled for a future chain height. Its identity
// is the target height, channel, nonce and type.
type BlockEvent struct {
	TargetHeight uint32
	ChannelID    trwire.ChannelID
	Nonce        uint64
	Type         BlockEventType

	// ObservedHeight is the height the broadcast was seen at.
	ObservedHeight uint32

	// ObservedTxID is the broadcast commitment.
	ObservedTxID chainhash.Hash

	// Endpoint is the wallet whose height feed drives the event.
	Endpoint trwire.Endpoint

	// Remedied is set once the breach remedy for a stale commitment was
	// submitted.
	Remedied bool
}

// sameEvent reports whether a and b share an identity.
func sameEvent(a, b *BlockEvent) bool {
	return a.TargetHeight == b.TargetHeight && a.ChannelID == b.ChannelID &&
		a.Nonce == b.Nonce && a.Type == b.Type
}

func heightKey(height uint32) []byte {
	var k [4]byte
	byteOrder.PutUint32(k[:], height)

	return k[:]
}

func serializeEvents(events []BlockEvent) ([]byte, error) {
	var b bytes.Buffer
	if err := trwire.WriteUint16(&b, uint16(len(events))); err != nil {
		return nil, err
	}
	for _, e := range events {
		err := WriteElements(&b,
			e.TargetHeight, e.ChannelID, e.Nonce, e.Type,
			e.ObservedHeight, e.ObservedTxID, e.Endpoint, e.Remedied,
		)
		if err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

func deserializeEvents(r io.Reader) ([]BlockEvent, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, fmt.Errorf("%w: block events: %v", ErrCorruptRecord,
			err)
	}

	events := make([]BlockEvent, n)
	for i := range events {
		e := &events[i]
		err := ReadElements(r,
			&e.TargetHeight, &e.ChannelID, &e.Nonce, &e.Type,
			&e.ObservedHeight, &e.ObservedTxID, &e.Endpoint,
			&e.Remedied,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: block event: %v",
				ErrCorruptRecord, err)
		}
	}

	return events, nil
}

func fetchEvents(bucket kvdb.RBucket, height uint32) ([]BlockEvent, error) {
	v := bucket.Get(heightKey(height))
	if v == nil {
		return nil, nil
	}

	return deserializeEvents(bytes.NewReader(v))
}

func putEvents(bucket kvdb.RwBucket, height uint32,
	events []BlockEvent) error {

	if len(events) == 0 {
		return bucket.Delete(heightKey(height))
	}

	v, err := serializeEvents(events)
	if err != nil {
		return err
	}

	return bucket.Put(heightKey(height), v)
}

// AddBlockEvent schedules an event. An event with the same identity is
// replaced.
func (d *DB) AddBlockEvent(ev *BlockEvent) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(blockEventBucket)

		events, err := fetchEvents(bucket, ev.TargetHeight)
		if err != nil {
			return err
		}

		replaced := false
		for i := range events {
			if sameEvent(&events[i], ev) {
				events[i] = *ev
				replaced = true
			}
		}
		if !replaced {
			events = append(events, *ev)
		}

		return putEvents(bucket, ev.TargetHeight, events)
	}, func() {})
}

// FetchBlockEvents returns the events scheduled at exactly height.
func (d *DB) FetchBlockEvents(height uint32) ([]BlockEvent, error) {
	var events []BlockEvent
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var err error
		events, err = fetchEvents(
			tx.ReadBucket(blockEventBucket), height,
		)
		return err
	}, func() {
		events = nil
	})

	return events, err
}

// DueBlockEvents returns every event scheduled at or below height, lowest
// target first.
func (d *DB) DueBlockEvents(height uint32) ([]BlockEvent, error) {
	var events []BlockEvent
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		cursor := tx.ReadBucket(blockEventBucket).ReadCursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if byteOrder.Uint32(k) > height {
				break
			}

			due, err := deserializeEvents(bytes.NewReader(v))
			if err != nil {
				return err
			}
			events = append(events, due...)
		}

		return nil
	}, func() {
		events = nil
	})

	return events, err
}

// ChannelBlockEvents returns every scheduled event of the channel.
func (d *DB) ChannelBlockEvents(id trwire.ChannelID) ([]BlockEvent, error) {
	var events []BlockEvent
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		return tx.ReadBucket(blockEventBucket).ForEach(
			func(_, v []byte) error {
				all, err := deserializeEvents(bytes.NewReader(v))
				if err != nil {
					return err
				}
				for _, e := range all {
					if e.ChannelID == id {
						events = append(events, e)
					}
				}

				return nil
			},
		)
	}, func() {
		events = nil
	})

	return events, err
}

// RemoveBlockEvent deletes a scheduled event. Removing an unknown event is
// not an error.
func (d *DB) RemoveBlockEvent(ev *BlockEvent) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(blockEventBucket)

		events, err := fetchEvents(bucket, ev.TargetHeight)
		if err != nil {
			return err
		}

		kept := events[:0]
		for i := range events {
			if !sameEvent(&events[i], ev) {
				kept = append(kept, events[i])
			}
		}
		if len(kept) == len(events) {
			return nil
		}

		return putEvents(bucket, ev.TargetHeight, kept)
	}, func() {})
}
