// Package chanstate drives the lifecycle of payment channels: registration,
// the two round signing exchange of every channel update and the balance
// bookkeeping each committed record implies.
package chanstate

import (
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/hashlock"
	"github.com/trinity-network/trinity/keychain"
	"github.com/trinity-network/trinity/multimutex"
	"github.com/trinity-network/trinity/trwire"
	"github.com/trinity-network/trinity/txbuilder"
)

// Config holds the collaborators of a Machine.
type Config struct {
	// DB is the ledger store.
	DB *channeldb.DB

	// Local is the endpoint of this wallet.
	Local trwire.Endpoint

	// Signer signs templates with the key behind Local.
	Signer keychain.Signer

	// Builder creates the transaction templates of every update.
	Builder *txbuilder.Builder

	// NetMagic is the network tag every message must carry.
	NetMagic uint32

	// Assets lists the accepted asset types. An empty list accepts any.
	Assets []string

	// ChanMutex serializes work on a channel. It is shared with the
	// breach arbiter.
	ChanMutex *multimutex.Mutex[trwire.ChannelID]

	// BestHeight returns the latest known chain height. HTLC timeouts are
	// checked against it.
	BestHeight func() (uint32, error)

	// Clock stamps records.
	Clock clock.Clock
}

// Outcome is the result of advancing a channel by one message.
type Outcome struct {
	// Reply is the message to send back, if any.
	Reply trwire.Message

	// Committed is set when the message led to a record being appended.
	Committed *channeldb.TxRecord

	// Channel is the channel after the message was applied.
	Channel *channeldb.Channel
}

// channelUpdate is the change a committed record applies to its channel.
type channelUpdate struct {
	founderBalance trwire.Amount
	partnerBalance trwire.Amount

	addHTLC    fn.Option[channeldb.PendingHTLC]
	removeHTLC fn.Option[hashlock.Hash]

	nextState fn.Option[channeldb.ChannelState]
}

// apply returns a copy of c with the update applied.
func (u *channelUpdate) apply(c *channeldb.Channel) *channeldb.Channel {
	next := *c
	next.FounderBalance = u.founderBalance
	next.PartnerBalance = u.partnerBalance
	next.PendingHTLCs = append(
		[]channeldb.PendingHTLC(nil), c.PendingHTLCs...,
	)

	u.removeHTLC.WhenSome(func(h hashlock.Hash) {
		if i, ok := next.FindHTLC(h); ok {
			next.PendingHTLCs = append(
				next.PendingHTLCs[:i], next.PendingHTLCs[i+1:]...,
			)
		}
	})
	u.addHTLC.WhenSome(func(p channeldb.PendingHTLC) {
		next.PendingHTLCs = append(next.PendingHTLCs, p)
	})
	u.nextState.WhenSome(func(s channeldb.ChannelState) {
		next.State = s
	})
	if len(next.PendingHTLCs) == 0 {
		next.PendingHTLCs = nil
	}

	return &next
}

// session is the in flight proposal of a channel. The record only lives
// here until it is countersigned and committed.
type session struct {
	nonce uint64

	// msgType is the proposal type of the exchange.
	msgType trwire.MessageType

	// proposer is true if this node sent the proposal.
	proposer bool

	header trwire.Header
	body   trwire.SignBody

	record *channeldb.TxRecord
	update *channelUpdate
}

// Machine is the channel state machine of one wallet.
type Machine struct {
	cfg *Config

	sessionsMtx sync.Mutex
	sessions    map[trwire.ChannelID]*session
}

// NewMachine creates a channel state machine.
func NewMachine(cfg *Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.ChanMutex == nil {
		cfg.ChanMutex = multimutex.NewMutex[trwire.ChannelID]()
	}
	if cfg.Builder == nil {
		cfg.Builder = txbuilder.New(txbuilder.DefaultDelayBlockHeight)
	}

	return &Machine{
		cfg:      cfg,
		sessions: make(map[trwire.ChannelID]*session),
	}
}

// Local returns the endpoint of this wallet.
func (m *Machine) Local() trwire.Endpoint {
	return m.cfg.Local
}

// NetMagic returns the network tag of this wallet.
func (m *Machine) NetMagic() uint32 {
	return m.cfg.NetMagic
}

// Assets returns the accepted asset types.
func (m *Machine) Assets() []string {
	return m.cfg.Assets
}

func (m *Machine) session(id trwire.ChannelID) (*session, bool) {
	m.sessionsMtx.Lock()
	defer m.sessionsMtx.Unlock()

	s, ok := m.sessions[id]

	return s, ok
}

func (m *Machine) putSession(id trwire.ChannelID, s *session) {
	m.sessionsMtx.Lock()
	defer m.sessionsMtx.Unlock()

	m.sessions[id] = s
}

func (m *Machine) dropSession(id trwire.ChannelID) {
	m.sessionsMtx.Lock()
	defer m.sessionsMtx.Unlock()

	delete(m.sessions, id)
}

// PendingNonce returns the nonce of the in flight proposal on the channel.
func (m *Machine) PendingNonce(id trwire.ChannelID) fn.Option[uint64] {
	s, ok := m.session(id)
	if !ok {
		return fn.None[uint64]()
	}

	return fn.Some(s.nonce)
}

func (m *Machine) checkAsset(asset string) error {
	if asset == "" {
		return fmt.Errorf("%w: empty", ErrUnknownAsset)
	}
	if len(m.cfg.Assets) == 0 {
		return nil
	}
	for _, a := range m.cfg.Assets {
		if a == asset {
			return nil
		}
	}

	return fmt.Errorf("%w: %v", ErrUnknownAsset, asset)
}

func checkDeposits(founder, partner trwire.Amount) error {
	if founder < 0 || partner < 0 || founder+partner == 0 {
		return fmt.Errorf("%w: founder %v partner %v", ErrInvalidDeposit,
			founder, partner)
	}

	return nil
}

// Register creates an INIT channel founded by this wallet and returns it
// together with the registration message for the partner.
func (m *Machine) Register(partner trwire.Endpoint, asset string,
	founderDeposit, partnerDeposit trwire.Amount) (*channeldb.Channel,
	*trwire.RegisterChannel, error) {

	if err := partner.Validate(); err != nil {
		return nil, nil, err
	}
	if partner == m.cfg.Local {
		return nil, nil, fmt.Errorf("%w: channel with self",
			ErrNotMember)
	}
	if err := m.checkAsset(asset); err != nil {
		return nil, nil, err
	}
	if err := checkDeposits(founderDeposit, partnerDeposit); err != nil {
		return nil, nil, err
	}

	id, err := m.cfg.DB.DeriveChannelID(m.cfg.Local, partner, asset)
	if err != nil {
		return nil, nil, err
	}

	now := m.cfg.Clock.Now()
	c := &channeldb.Channel{
		ID:             id,
		Founder:        m.cfg.Local,
		Partner:        partner,
		Asset:          asset,
		NetMagic:       m.cfg.NetMagic,
		State:          channeldb.ChanStateInit,
		FounderDeposit: founderDeposit,
		PartnerDeposit: partnerDeposit,
		FounderBalance: founderDeposit,
		PartnerBalance: partnerDeposit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.cfg.DB.CreateChannel(c); err != nil {
		return nil, nil, err
	}

	log.Infof("Registered channel %v with %v, asset %v, deposits %v/%v",
		id, partner, asset, founderDeposit, partnerDeposit)

	msg := &trwire.RegisterChannel{
		Header: trwire.Header{
			Sender:    m.cfg.Local,
			Receiver:  partner,
			ChannelID: id,
			AssetType: asset,
			NetMagic:  m.cfg.NetMagic,
		},
		FounderDeposit: founderDeposit,
		PartnerDeposit: partnerDeposit,
	}

	return c, msg, nil
}

// AcceptRegistration creates the INIT channel a founder registered with
// this wallet as partner.
func (m *Machine) AcceptRegistration(
	msg *trwire.RegisterChannel) (*channeldb.Channel, error) {

	if msg.NetMagic != m.cfg.NetMagic {
		return nil, fmt.Errorf("%w: got %d", ErrBadMagic, msg.NetMagic)
	}
	if msg.Receiver != m.cfg.Local {
		return nil, fmt.Errorf("%w: receiver %v", ErrNotMember,
			msg.Receiver)
	}
	if err := msg.Sender.Validate(); err != nil {
		return nil, err
	}
	if msg.Sender == m.cfg.Local {
		return nil, fmt.Errorf("%w: channel with self", ErrNotMember)
	}
	if err := m.checkAsset(msg.AssetType); err != nil {
		return nil, err
	}
	err := checkDeposits(msg.FounderDeposit, msg.PartnerDeposit)
	if err != nil {
		return nil, err
	}
	if msg.ChannelID == (trwire.ChannelID{}) {
		return nil, ErrInvalidChannelID
	}

	m.cfg.ChanMutex.Lock(msg.ChannelID)
	defer m.cfg.ChanMutex.Unlock(msg.ChannelID)

	now := m.cfg.Clock.Now()
	c := &channeldb.Channel{
		ID:             msg.ChannelID,
		Founder:        msg.Sender,
		Partner:        m.cfg.Local,
		Asset:          msg.AssetType,
		NetMagic:       msg.NetMagic,
		State:          channeldb.ChanStateInit,
		FounderDeposit: msg.FounderDeposit,
		PartnerDeposit: msg.PartnerDeposit,
		FounderBalance: msg.FounderDeposit,
		PartnerBalance: msg.PartnerDeposit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.cfg.DB.CreateChannel(c); err != nil {
		return nil, err
	}

	log.Infof("Accepted channel %v from %v, asset %v", c.ID, c.Founder,
		c.Asset)

	return c, nil
}

// HandleFail undoes local effects of a rejected message. A rejected
// registration removes the INIT channel, any other rejection drops the in
// flight proposal.
func (m *Machine) HandleFail(msg *trwire.Fail) error {
	id := msg.ChannelID

	m.cfg.ChanMutex.Lock(id)
	defer m.cfg.ChanMutex.Unlock(id)

	if msg.NetMagic != m.cfg.NetMagic {
		return fmt.Errorf("%w: got %d, want %d", ErrBadMagic,
			msg.NetMagic, m.cfg.NetMagic)
	}
	if msg.Receiver != m.cfg.Local {
		return fmt.Errorf("%w: receiver %v", ErrNotMember, msg.Receiver)
	}

	c, err := m.cfg.DB.FetchChannel(id)
	if err != nil {
		return err
	}
	if !c.Member(m.cfg.Local) || c.Counterparty(m.cfg.Local) != msg.Sender {
		return fmt.Errorf("%w: sender %v", ErrNotMember, msg.Sender)
	}

	log.Warnf("Peer %v rejected %v on channel %v: %v", msg.Sender,
		msg.Type.Family(), id, msg.Err())

	if msg.Type == trwire.MsgRegisterChannelFail {
		// Only the founder's registration can be rejected.
		if c.Founder != m.cfg.Local {
			return fmt.Errorf("%w: registration rejected by founder",
				ErrBadRole)
		}

		return m.cfg.DB.DeleteChannel(id)
	}

	if s, ok := m.session(id); ok && s.nonce == msg.TxNonce {
		log.Debugf("Dropping proposal at nonce %d on channel %v",
			s.nonce, id)
		m.dropSession(id)
	}

	return nil
}

// Transition moves a channel to the given state. Only forward edges of the
// lifecycle are allowed.
func (m *Machine) Transition(id trwire.ChannelID,
	to channeldb.ChannelState) (*channeldb.Channel, error) {

	m.cfg.ChanMutex.Lock(id)
	defer m.cfg.ChanMutex.Unlock(id)

	return m.transition(id, to)
}

// transition is Transition for callers holding the channel mutex.
func (m *Machine) transition(id trwire.ChannelID,
	to channeldb.ChannelState) (*channeldb.Channel, error) {

	c, err := m.cfg.DB.FetchChannel(id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(c.State, to) {
		return nil, fmt.Errorf("%w: %v -> %v",
			channeldb.ErrInvalidTransition, c.State, to)
	}
	if c.State == to {
		return c, nil
	}

	c.State = to
	c.UpdatedAt = m.cfg.Clock.Now()
	if err := m.cfg.DB.UpdateChannel(c); err != nil {
		return nil, err
	}
	if to >= channeldb.ChanStateClosing {
		m.dropSession(id)
	}

	return c, nil
}

// CanTransition reports whether a channel may move from one state to
// another: forward by one step or not at all.
func CanTransition(from, to channeldb.ChannelState) bool {
	return from.CanTransition(to)
}

// TryGetChannel returns the channel or a StorageNotFound error.
func (m *Machine) TryGetChannel(id trwire.ChannelID) (*channeldb.Channel,
	error) {

	return m.cfg.DB.FetchChannel(id)
}

// TryGetTransaction returns the record at the nonce or a StorageNotFound
// error.
func (m *Machine) TryGetTransaction(id trwire.ChannelID,
	nonce uint64) (*channeldb.TxRecord, error) {

	return m.cfg.DB.FetchTx(id, nonce)
}

// ListChannels returns every channel of the wallet.
func (m *Machine) ListChannels() ([]*channeldb.Channel, error) {
	return m.cfg.DB.FetchAllChannels()
}

// CommitmentRecord returns the record whose commitment is authoritative for
// a unilateral close: the latest record, or the one before it when the
// latest is a SETTLE that hasn't reached the chain.
func (m *Machine) CommitmentRecord(
	id trwire.ChannelID) (*channeldb.TxRecord, error) {

	latest, err := m.cfg.DB.LatestTx(id)
	if err != nil {
		return nil, err
	}
	if latest.Type != trwire.TxSettle {
		return latest, nil
	}
	if latest.Nonce == 0 {
		return nil, fmt.Errorf("%w: channel %v has no commitment",
			channeldb.ErrTxNotFound, id)
	}

	return m.cfg.DB.FetchTx(id, latest.Nonce-1)
}

// UpdateAlive sets the keep-alive counter of every channel shared with the
// peer. The change function receives the current counter.
func (m *Machine) UpdateAlive(peer trwire.Endpoint,
	change func(uint32) uint32) error {

	channels, err := m.cfg.DB.FetchAllChannels()
	if err != nil {
		return err
	}

	for _, c := range channels {
		if c.Counterparty(m.cfg.Local) != peer ||
			c.State == channeldb.ChanStateClosed {

			continue
		}

		if err := m.updateAlive(c.ID, change); err != nil {
			return err
		}
	}

	return nil
}

func (m *Machine) updateAlive(id trwire.ChannelID,
	change func(uint32) uint32) error {

	m.cfg.ChanMutex.Lock(id)
	defer m.cfg.ChanMutex.Unlock(id)

	c, err := m.cfg.DB.FetchChannel(id)
	if err != nil {
		return err
	}

	alive := change(c.Alive)
	if alive == c.Alive {
		return nil
	}
	c.Alive = alive

	return m.cfg.DB.UpdateChannel(c)
}
