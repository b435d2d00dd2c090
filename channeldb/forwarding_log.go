package channeldb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/trinity-network/trinity/hashlock"
	"github.com/trinity-network/trinity/trwire"
)

var (
	// ErrCircuitNotFound is returned when no circuit is open for a hash
	// lock.
	ErrCircuitNotFound = errors.New("payment circuit not found")

	// ErrDuplicateCircuit is returned when a circuit is already open for
	// a hash lock.
	ErrDuplicateCircuit = errors.New("payment circuit already open")

	// ErrPreimageNotFound is returned when a preimage is unknown.
	ErrPreimageNotFound = errors.New("preimage not found")
)

// MaxResponseEvents is the max number of forwarding events returned by a
// single query.
const MaxResponseEvents = 50000

// Circuit links an incoming HTLC to the HTLC this node forwarded for it.
type Circuit struct {
	HashLock hashlock.Hash

	IncomingChanID trwire.ChannelID
	OutgoingChanID trwire.ChannelID

	// AmtIn is the payment locked towards this node, AmtOut the payment
	// it locked downstream. The difference is the forwarding fee.
	AmtIn  trwire.Amount
	AmtOut trwire.Amount

	IncomingTimeout uint32
	OutgoingTimeout uint32
}

func encodeCircuit(w *bytes.Buffer, c *Circuit) error {
	return WriteElements(w,
		c.HashLock, c.IncomingChanID, c.OutgoingChanID, c.AmtIn,
		c.AmtOut, c.IncomingTimeout, c.OutgoingTimeout,
	)
}

func decodeCircuit(r io.Reader) (*Circuit, error) {
	c := &Circuit{}
	err := ReadElements(r,
		&c.HashLock, &c.IncomingChanID, &c.OutgoingChanID, &c.AmtIn,
		&c.AmtOut, &c.IncomingTimeout, &c.OutgoingTimeout,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: circuit: %v", ErrCorruptRecord, err)
	}

	return c, nil
}

// AddCircuit opens a payment circuit.
func (d *DB) AddCircuit(c *Circuit) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(circuitBucket)
		if bucket.Get(c.HashLock[:]) != nil {
			return fmt.Errorf("%w: %v", ErrDuplicateCircuit,
				c.HashLock)
		}

		var b bytes.Buffer
		if err := encodeCircuit(&b, c); err != nil {
			return err
		}

		return bucket.Put(c.HashLock[:], b.Bytes())
	}, func() {})
}

// FetchCircuit returns the open circuit of the hash lock.
func (d *DB) FetchCircuit(hash hashlock.Hash) (*Circuit, error) {
	var c *Circuit
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		v := tx.ReadBucket(circuitBucket).Get(hash[:])
		if v == nil {
			return fmt.Errorf("%w: %v", ErrCircuitNotFound, hash)
		}

		var err error
		c, err = decodeCircuit(bytes.NewReader(v))
		return err
	}, func() {
		c = nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// FetchCircuits returns every open circuit.
func (d *DB) FetchCircuits() ([]*Circuit, error) {
	var circuits []*Circuit
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		return tx.ReadBucket(circuitBucket).ForEach(
			func(_, v []byte) error {
				c, err := decodeCircuit(bytes.NewReader(v))
				if err != nil {
					return err
				}
				circuits = append(circuits, c)

				return nil
			},
		)
	}, func() {
		circuits = nil
	})

	return circuits, err
}

// CloseCircuit removes the circuit of the hash lock. When settled is true a
// forwarding event stamped at the given time is logged in the same
// transaction.
func (d *DB) CloseCircuit(hash hashlock.Hash, settled bool,
	at time.Time) (*Circuit, error) {

	var c *Circuit
	err := kvdb.Update(d, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(circuitBucket)
		v := bucket.Get(hash[:])
		if v == nil {
			return fmt.Errorf("%w: %v", ErrCircuitNotFound, hash)
		}

		var err error
		c, err = decodeCircuit(bytes.NewReader(v))
		if err != nil {
			return err
		}
		if err := bucket.Delete(hash[:]); err != nil {
			return err
		}
		if !settled {
			return nil
		}

		var timestamp [8]byte
		return storeEvent(
			tx.ReadWriteBucket(forwardingLogBucket),
			ForwardingEvent{
				Timestamp:      at,
				HashLock:       c.HashLock,
				IncomingChanID: c.IncomingChanID,
				OutgoingChanID: c.OutgoingChanID,
				AmtIn:          c.AmtIn,
				AmtOut:         c.AmtOut,
			}, timestamp[:],
		)
	}, func() {
		c = nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// ForwardingEvent is a settled payment circuit. Subtracting AmtOut from AmtIn
// gives the fee earned by the forward.
type ForwardingEvent struct {
	// Timestamp is the settlement time of the circuit.
	Timestamp time.Time

	HashLock hashlock.Hash

	IncomingChanID trwire.ChannelID
	OutgoingChanID trwire.ChannelID

	AmtIn  trwire.Amount
	AmtOut trwire.Amount
}

// encodeForwardingEvent writes the event without its timestamp, which is
// the key it is stored under.
func encodeForwardingEvent(w *bytes.Buffer, f *ForwardingEvent) error {
	return WriteElements(w,
		f.HashLock, f.IncomingChanID, f.OutgoingChanID, f.AmtIn,
		f.AmtOut,
	)
}

func decodeForwardingEvent(r io.Reader, f *ForwardingEvent) error {
	return ReadElements(r,
		&f.HashLock, &f.IncomingChanID, &f.OutgoingChanID, &f.AmtIn,
		&f.AmtOut,
	)
}

// AddForwardingEvents adds a series of forwarding events to the log. The
// events are sorted by timestamp first so writes are sequential.
func (d *DB) AddForwardingEvents(events []ForwardingEvent) error {
	makeUniqueTimestamps(events)

	var timestamp [8]byte

	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(forwardingLogBucket)
		for _, event := range events {
			err := storeEvent(bucket, event, timestamp[:])
			if err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// storeEvent stores a forwarding event. If the timestamp is taken it is
// moved forward a nanosecond at a time until a free slot is found.
func storeEvent(bucket kvdb.RwBucket, event ForwardingEvent,
	timestampScratchSpace []byte) error {

	byteOrder.PutUint64(
		timestampScratchSpace, uint64(event.Timestamp.UnixNano()),
	)

	const maxTries = 100
	for tries := 0; tries < maxTries; tries++ {
		if bucket.Get(timestampScratchSpace) == nil {
			break
		}

		nextNano := event.Timestamp.UnixNano() + 1
		event.Timestamp = time.Unix(0, nextNano)
		byteOrder.PutUint64(timestampScratchSpace, uint64(nextNano))
	}

	var b bytes.Buffer
	if err := encodeForwardingEvent(&b, &event); err != nil {
		return err
	}

	return bucket.Put(timestampScratchSpace, b.Bytes())
}

// ForwardingEventQuery selects a time slice of the forwarding log.
type ForwardingEventQuery struct {
	StartTime time.Time
	EndTime   time.Time

	// IndexOffset is the number of matching events to skip.
	IndexOffset uint32

	// NumMaxEvents caps the events returned. Zero means
	// MaxResponseEvents.
	NumMaxEvents uint32
}

// ForwardingLogTimeSlice is the answer to a forwarding query.
type ForwardingLogTimeSlice struct {
	ForwardingEventQuery

	ForwardingEvents []ForwardingEvent

	// LastIndexOffset resumes the query after the last returned event.
	LastIndexOffset uint32
}

// QueryForwardingLog returns the forwarding events within the query's time
// slice.
func (d *DB) QueryForwardingLog(
	q ForwardingEventQuery) (ForwardingLogTimeSlice, error) {

	if q.NumMaxEvents == 0 || q.NumMaxEvents > MaxResponseEvents {
		q.NumMaxEvents = MaxResponseEvents
	}

	var resp ForwardingLogTimeSlice
	recordsToSkip := q.IndexOffset
	recordOffset := q.IndexOffset

	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var startTime, endTime [8]byte
		byteOrder.PutUint64(startTime[:], uint64(q.StartTime.UnixNano()))
		byteOrder.PutUint64(endTime[:], uint64(q.EndTime.UnixNano()))

		cursor := tx.ReadBucket(forwardingLogBucket).ReadCursor()
		timestamp, eventBytes := cursor.Seek(startTime[:])
		for ; timestamp != nil; timestamp, eventBytes = cursor.Next() {
			if bytes.Compare(timestamp, endTime[:]) > 0 {
				return nil
			}
			if uint32(len(resp.ForwardingEvents)) >= q.NumMaxEvents {
				return nil
			}
			if recordsToSkip > 0 {
				recordsToSkip--
				continue
			}

			var event ForwardingEvent
			err := decodeForwardingEvent(
				bytes.NewReader(eventBytes), &event,
			)
			if err != nil {
				return fmt.Errorf("%w: forwarding event: %v",
					ErrCorruptRecord, err)
			}
			event.Timestamp = time.Unix(
				0, int64(byteOrder.Uint64(timestamp)),
			)

			resp.ForwardingEvents = append(
				resp.ForwardingEvents, event,
			)
			recordOffset++
		}

		return nil
	}, func() {
		resp = ForwardingLogTimeSlice{}
	})
	if err != nil {
		return ForwardingLogTimeSlice{}, err
	}

	resp.ForwardingEventQuery = q
	resp.LastIndexOffset = recordOffset

	return resp, nil
}

// makeUniqueTimestamps sorts the events by timestamp and bumps duplicates
// by a nanosecond so every event gets its own key.
func makeUniqueTimestamps(events []ForwardingEvent) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	var prevTime time.Time
	for i := range events {
		if !events[i].Timestamp.After(prevTime) && i > 0 {
			events[i].Timestamp = prevTime.Add(time.Nanosecond)
		}
		prevTime = events[i].Timestamp
	}
}

// AddPreimages stores newly learned preimages.
func (d *DB) AddPreimages(preimages ...hashlock.Preimage) error {
	if len(preimages) == 0 {
		return nil
	}

	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(preimageBucket)
		for _, p := range preimages {
			hash := p.Hash()
			if err := bucket.Put(hash[:], p[:]); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// LookupPreimage returns the preimage of the hash lock.
func (d *DB) LookupPreimage(hash hashlock.Hash) (hashlock.Preimage, error) {
	var preimage hashlock.Preimage
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		v := tx.ReadBucket(preimageBucket).Get(hash[:])
		if v == nil {
			return fmt.Errorf("%w: %v", ErrPreimageNotFound, hash)
		}
		if len(v) != len(preimage) {
			return fmt.Errorf("%w: preimage of %d bytes",
				ErrCorruptRecord, len(v))
		}
		copy(preimage[:], v)

		return nil
	}, func() {
		preimage = hashlock.Preimage{}
	})

	return preimage, err
}
