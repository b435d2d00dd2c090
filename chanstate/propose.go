package chanstate

import (
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/hashlock"
	"github.com/trinity-network/trinity/trwire"
)

// HtlcRequest describes a new hash locked payment proposed on a channel.
type HtlcRequest struct {
	HashLock hashlock.Hash

	// Income is what this node receives for the payment upstream. It
	// equals Payment for the first hop.
	Income trwire.Amount

	// Payment is the amount locked on this channel.
	Payment trwire.Amount

	TimeoutHeight uint32

	// Route is the multi-hop route of the payment, if any.
	Route fn.Option[trwire.RouterInfo]
}

// ProposeFunding starts the funding exchange of an INIT channel founded by
// this wallet. The channel moves to OPENING.
func (m *Machine) ProposeFunding(id trwire.ChannelID) (trwire.SignMessage,
	error) {

	return m.propose(id, func(c *channeldb.Channel,
		nonce uint64) (*proposal, error) {

		return &proposal{msgType: trwire.MsgFounder}, nil
	})
}

// ProposeRsmc proposes paying value to the counterparty.
func (m *Machine) ProposeRsmc(id trwire.ChannelID,
	value trwire.Amount) (trwire.SignMessage, error) {

	return m.propose(id, func(c *channeldb.Channel,
		nonce uint64) (*proposal, error) {

		return &proposal{msgType: trwire.MsgRsmc, value: value}, nil
	})
}

// ProposeHtlc proposes locking a payment to the counterparty under a hash
// lock.
func (m *Machine) ProposeHtlc(id trwire.ChannelID,
	req *HtlcRequest) (trwire.SignMessage, error) {

	return m.propose(id, func(c *channeldb.Channel,
		nonce uint64) (*proposal, error) {

		return &proposal{
			msgType: trwire.MsgHtlc,
			contract: fn.Some(trwire.HtlcBody{
				Phase:         trwire.HtlcLock,
				HashLock:      req.HashLock,
				Income:        req.Income,
				Payment:       req.Payment,
				TimeoutHeight: req.TimeoutHeight,
			}),
			router: req.Route,
		}, nil
	})
}

// ProposeHtlcExecution claims a payment locked towards this wallet by
// revealing its preimage.
func (m *Machine) ProposeHtlcExecution(id trwire.ChannelID,
	preimage hashlock.Preimage) (trwire.SignMessage, error) {

	return m.proposeResolution(id, preimage.Hash(), trwire.HtlcExecute,
		preimage)
}

// ProposeHtlcTimeout reclaims an expired payment this wallet locked.
func (m *Machine) ProposeHtlcTimeout(id trwire.ChannelID,
	hash hashlock.Hash) (trwire.SignMessage, error) {

	return m.proposeResolution(id, hash, trwire.HtlcTimeout,
		hashlock.Preimage{})
}

func (m *Machine) proposeResolution(id trwire.ChannelID, hash hashlock.Hash,
	phase trwire.HtlcPhase,
	preimage hashlock.Preimage) (trwire.SignMessage, error) {

	return m.propose(id, func(c *channeldb.Channel,
		nonce uint64) (*proposal, error) {

		i, ok := c.FindHTLC(hash)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrHTLCNotFound, hash)
		}
		pending := c.PendingHTLCs[i]

		// The route of the lock travels back with its resolution.
		route := fn.None[trwire.RouterInfo]()
		lock, err := m.cfg.DB.FetchTx(id, pending.LockNonce)
		if err != nil {
			return nil, err
		}
		lock.HTLC.WhenSome(func(info channeldb.HTLCInfo) {
			if len(info.Router) != 0 {
				route = fn.Some(trwire.RouterInfo{
					Path: info.Router,
					Next: info.Next,
				})
			}
		})

		return &proposal{
			msgType: trwire.MsgHtlc,
			contract: fn.Some(trwire.HtlcBody{
				Phase:         phase,
				HashLock:      hash,
				Income:        pending.Amount,
				Payment:       pending.Amount,
				TimeoutHeight: pending.TimeoutHeight,
				Preimage:      preimage,
			}),
			router: route,
		}, nil
	})
}

// ProposeSettle proposes the mutual close of the channel at its current
// balances.
func (m *Machine) ProposeSettle(id trwire.ChannelID) (trwire.SignMessage,
	error) {

	return m.propose(id, func(c *channeldb.Channel,
		nonce uint64) (*proposal, error) {

		return &proposal{msgType: trwire.MsgSettle}, nil
	})
}

// propose runs the proposer side of role 0: the update is evaluated, its
// templates built and signed, and the record kept in the session buffer
// until the counterparty countersigns.
func (m *Machine) propose(id trwire.ChannelID,
	makeProposal func(*channeldb.Channel, uint64) (*proposal,
		error)) (trwire.SignMessage, error) {

	m.cfg.ChanMutex.Lock(id)
	defer m.cfg.ChanMutex.Unlock(id)

	c, err := m.cfg.DB.FetchChannel(id)
	if err != nil {
		return nil, err
	}
	if c.State == channeldb.ChanStateClosed {
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, id)
	}
	if !c.Member(m.cfg.Local) {
		return nil, fmt.Errorf("%w: %v", ErrNotMember, m.cfg.Local)
	}
	if s, ok := m.session(id); ok {
		return nil, fmt.Errorf("%w: nonce %d", ErrSessionBusy, s.nonce)
	}

	nonce, err := m.nextNonce(id)
	if err != nil {
		return nil, err
	}

	p, err := makeProposal(c, nonce)
	if err != nil {
		return nil, err
	}
	p.nonce = nonce
	p.proposerIsFounder = c.IsFounder(m.cfg.Local)

	update, err := m.evaluate(c, p)
	if err != nil {
		return nil, err
	}

	slots, err := m.buildTemplates(c, p, update)
	if err != nil {
		return nil, err
	}
	if err := m.signSlots(slots); err != nil {
		return nil, err
	}

	rec, err := m.newRecord(c, p, update, slots)
	if err != nil {
		return nil, err
	}
	if err := setSigs(rec, slots, p.proposerIsFounder); err != nil {
		return nil, err
	}

	hdr := trwire.Header{
		Sender:    m.cfg.Local,
		Receiver:  c.Counterparty(m.cfg.Local),
		ChannelID: id,
		AssetType: c.Asset,
		NetMagic:  m.cfg.NetMagic,
		TxNonce:   nonce,
		Router:    p.router,
	}
	body := trwire.SignBody{
		Role:           trwire.RoleProposal,
		FounderBalance: update.founderBalance,
		PartnerBalance: update.partnerBalance,
		Txs:            slots,
	}
	msg, err := trwire.NewSignMessage(p.msgType, hdr, body)
	if err != nil {
		return nil, err
	}
	setFamilyFields(msg, p)

	if p.msgType == trwire.MsgFounder &&
		c.State == channeldb.ChanStateInit {

		if _, err := m.transition(id, channeldb.ChanStateOpening); err != nil {
			return nil, err
		}
	}

	m.putSession(id, &session{
		nonce:    nonce,
		msgType:  p.msgType,
		proposer: true,
		header:   hdr,
		body:     body,
		record:   rec,
		update:   update,
	})

	log.Debugf("Proposed %v at nonce %d on channel %v", p.phase(), nonce,
		id)

	return msg, nil
}
