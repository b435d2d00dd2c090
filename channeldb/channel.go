package channeldb

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/trinity-network/trinity/hashlock"
	"github.com/trinity-network/trinity/trwire"
)

// ChannelState is the lifecycle state of a channel.
type ChannelState uint8

const (
	// ChanStateInit is entered once a channel id is registered.
	ChanStateInit ChannelState = iota

	// ChanStateOpening is entered once the funding exchange starts.
	ChanStateOpening

	// ChanStateOpen is entered once the funding record is countersigned.
	ChanStateOpen

	// ChanStateClosing is entered on a force close or a committed settle.
	ChanStateClosing

	// ChanStateClosed is terminal.
	ChanStateClosed
)

// String returns the protocol name of the state.
func (s ChannelState) String() string {
	switch s {
	case ChanStateInit:
		return "INIT"
	case ChanStateOpening:
		return "OPENING"
	case ChanStateOpen:
		return "OPEN"
	case ChanStateClosing:
		return "CLOSING"
	case ChanStateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ChannelState(%d)", uint8(s))
	}
}

// CanTransition reports whether a channel may move from s to next. Only the
// forward edges of the lifecycle and the identity edge are allowed.
func (s ChannelState) CanTransition(next ChannelState) bool {
	if next > ChanStateClosed {
		return false
	}

	return next == s || next == s+1
}

// PendingHTLC is a hash locked payment committed on the channel that has not
// been executed or timed out yet.
type PendingHTLC struct {
	HashLock      hashlock.Hash
	LockNonce     uint64
	Amount        trwire.Amount
	TimeoutHeight uint32

	// FounderPays is true when the founder is the payer of the HTLC.
	FounderPays bool
}

// Channel is the persisted state of a payment channel between a founder and
// a partner.
type Channel struct {
	ID       trwire.ChannelID
	Founder  trwire.Endpoint
	Partner  trwire.Endpoint
	Asset    string
	NetMagic uint32
	State    ChannelState

	FounderDeposit trwire.Amount
	PartnerDeposit trwire.Amount
	FounderBalance trwire.Amount
	PartnerBalance trwire.Amount

	// Alive is the keep-alive liveness counter of the peer.
	Alive uint32

	PendingHTLCs []PendingHTLC

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsFounder reports whether local is the founder of the channel.
func (c *Channel) IsFounder(local trwire.Endpoint) bool {
	return c.Founder == local
}

// Counterparty returns the endpoint of the other side of the channel.
func (c *Channel) Counterparty(local trwire.Endpoint) trwire.Endpoint {
	if c.Founder == local {
		return c.Partner
	}

	return c.Founder
}

// Member reports whether ep is one of the two channel parties.
func (c *Channel) Member(ep trwire.Endpoint) bool {
	return c.Founder == ep || c.Partner == ep
}

// FindHTLC returns the index of the pending HTLC with the hash lock.
func (c *Channel) FindHTLC(hash hashlock.Hash) (int, bool) {
	for i := range c.PendingHTLCs {
		if c.PendingHTLCs[i].HashLock == hash {
			return i, true
		}
	}

	return -1, false
}

// Summary returns the wire form of the channel.
func (c *Channel) Summary() trwire.ChannelSummary {
	return trwire.ChannelSummary{
		ChannelID:      c.ID,
		Founder:        c.Founder,
		Partner:        c.Partner,
		Asset:          c.Asset,
		State:          c.State.String(),
		FounderBalance: c.FounderBalance,
		PartnerBalance: c.PartnerBalance,
	}
}

func serializeChannel(w *bytes.Buffer, c *Channel) error {
	return WriteElements(w,
		c.ID, c.Founder, c.Partner, c.Asset, c.NetMagic, c.State,
		c.FounderDeposit, c.PartnerDeposit, c.FounderBalance,
		c.PartnerBalance, c.Alive, c.PendingHTLCs, c.CreatedAt,
		c.UpdatedAt,
	)
}

func deserializeChannel(r io.Reader) (*Channel, error) {
	c := &Channel{}
	err := ReadElements(r,
		&c.ID, &c.Founder, &c.Partner, &c.Asset, &c.NetMagic,
		&c.State, &c.FounderDeposit, &c.PartnerDeposit,
		&c.FounderBalance, &c.PartnerBalance, &c.Alive,
		&c.PendingHTLCs, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: channel: %v", ErrCorruptRecord, err)
	}

	return c, nil
}

func putChannel(bucket kvdb.RwBucket, c *Channel) error {
	var b bytes.Buffer
	if err := serializeChannel(&b, c); err != nil {
		return err
	}

	return bucket.Put(c.ID[:], b.Bytes())
}

func fetchChannel(bucket kvdb.RBucket, id trwire.ChannelID) (*Channel,
	error) {

	data := bucket.Get(id[:])
	if data == nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelNotFound, id)
	}

	return deserializeChannel(bytes.NewReader(data))
}

// CreateChannel stores a new channel. It fails with ErrDuplicateChannel if
// the id is taken.
func (d *DB) CreateChannel(c *Channel) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(channelBucket)
		if bucket == nil {
			return ErrChannelNotFound
		}
		if bucket.Get(c.ID[:]) != nil {
			return fmt.Errorf("%w: %v", ErrDuplicateChannel, c.ID)
		}

		log.Debugf("Creating channel %v in state %v", c.ID, c.State)

		return putChannel(bucket, c)
	}, func() {})
}

// FetchChannel returns the channel with the id or ErrChannelNotFound.
func (d *DB) FetchChannel(id trwire.ChannelID) (*Channel, error) {
	var c *Channel
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(channelBucket)
		if bucket == nil {
			return ErrChannelNotFound
		}

		var err error
		c, err = fetchChannel(bucket, id)
		return err
	}, func() {
		c = nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// UpdateChannel overwrites a stored channel. The lifecycle state may only
// move forward.
func (d *DB) UpdateChannel(c *Channel) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		return updateChannel(tx, c)
	}, func() {})
}

func updateChannel(tx kvdb.RwTx, c *Channel) error {
	bucket := tx.ReadWriteBucket(channelBucket)
	if bucket == nil {
		return ErrChannelNotFound
	}

	old, err := fetchChannel(bucket, c.ID)
	if err != nil {
		return err
	}
	if !old.State.CanTransition(c.State) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition,
			old.State, c.State)
	}
	if old.State != c.State {
		log.Debugf("Channel %v moving %v -> %v", c.ID, old.State,
			c.State)
	}

	return putChannel(bucket, c)
}

// DeleteChannel removes a channel that never left INIT, undoing a failed
// registration.
func (d *DB) DeleteChannel(id trwire.ChannelID) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(channelBucket)
		if bucket == nil {
			return ErrChannelNotFound
		}

		c, err := fetchChannel(bucket, id)
		if err != nil {
			return err
		}
		if c.State != ChanStateInit {
			return fmt.Errorf("%w: channel %v is %v",
				ErrChannelNotInit, id, c.State)
		}

		return bucket.Delete(id[:])
	}, func() {})
}

// FetchAllChannels returns every stored channel ordered by id.
func (d *DB) FetchAllChannels() ([]*Channel, error) {
	var channels []*Channel
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(channelBucket)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			c, err := deserializeChannel(bytes.NewReader(v))
			if err != nil {
				return err
			}
			channels = append(channels, c)

			return nil
		})
	}, func() {
		channels = nil
	})
	if err != nil {
		return nil, err
	}

	return channels, nil
}

// DeriveChannelID computes the id of a new channel between founder and
// partner for the asset. The id hashes both public keys, the asset and a
// salt, and the salt is bumped until the id is unused.
func (d *DB) DeriveChannelID(founder, partner trwire.Endpoint,
	asset string) (trwire.ChannelID, error) {

	var id trwire.ChannelID

	founderKey, err := founder.PubKey()
	if err != nil {
		return id, err
	}
	partnerKey, err := partner.PubKey()
	if err != nil {
		return id, err
	}

	var preimage bytes.Buffer
	preimage.Write(founderKey.SerializeCompressed())
	preimage.Write(partnerKey.SerializeCompressed())
	preimage.WriteString(asset)
	prefixLen := preimage.Len()

	err = kvdb.View(d, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(channelBucket)

		for salt := uint32(0); ; salt++ {
			preimage.Truncate(prefixLen)
			var scratch [4]byte
			byteOrder.PutUint32(scratch[:], salt)
			preimage.Write(scratch[:])

			id = trwire.ChannelID(chainhash.HashH(preimage.Bytes()))
			if bucket == nil || bucket.Get(id[:]) == nil {
				return nil
			}
		}
	}, func() {})

	return id, err
}
