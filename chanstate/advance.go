package chanstate

import (
	"errors"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/trwire"
)

// CheckRole reports whether role is legal for the message type. Proposal
// types carry roles 0 and 2, countersign types roles 1 and 3.
func CheckRole(t trwire.MessageType, role trwire.Role) error {
	if role > trwire.MaxRole {
		return fmt.Errorf("%w: role %d out of range", ErrBadRole, role)
	}

	switch t.Family() {
	case trwire.FamilyFounder, trwire.FamilyRsmc, trwire.FamilyHtlc,
		trwire.FamilySettle:

	default:
		return fmt.Errorf("%w: %v is not a signing message", ErrBadRole,
			t)
	}

	switch t % 100 {
	case 0:
		if !role.IsProposer() {
			return fmt.Errorf("%w: %v with role %v", ErrBadRole, t,
				role)
		}
	case 1:
		if role.IsProposer() {
			return fmt.Errorf("%w: %v with role %v", ErrBadRole, t,
				role)
		}
	default:
		return fmt.Errorf("%w: %v is not a signing message", ErrBadRole,
			t)
	}

	return nil
}

// Advance applies one message of the signing exchange to its channel.
// Validation happens before anything is mutated: net magic, role, nonce
// and then signatures. A message that was already applied is answered
// with the reply sent the first time.
func (m *Machine) Advance(msg trwire.SignMessage) (*Outcome, error) {
	hdr := msg.Hdr()
	body := msg.Exchange()

	if hdr.NetMagic != m.cfg.NetMagic {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadMagic,
			hdr.NetMagic, m.cfg.NetMagic)
	}
	if err := CheckRole(msg.MsgType(), body.Role); err != nil {
		return nil, err
	}
	if hdr.Receiver != m.cfg.Local {
		return nil, fmt.Errorf("%w: receiver %v", ErrNotMember,
			hdr.Receiver)
	}

	id := hdr.ChannelID

	m.cfg.ChanMutex.Lock(id)
	defer m.cfg.ChanMutex.Unlock(id)

	c, err := m.cfg.DB.FetchChannel(id)
	if err != nil {
		return nil, err
	}
	if c.State == channeldb.ChanStateClosed {
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, id)
	}
	if !c.Member(m.cfg.Local) || c.Counterparty(m.cfg.Local) != hdr.Sender {
		return nil, fmt.Errorf("%w: sender %v", ErrNotMember, hdr.Sender)
	}
	if hdr.AssetType != c.Asset {
		return nil, fmt.Errorf("%w: %v on a %v channel",
			ErrUnknownAsset, hdr.AssetType, c.Asset)
	}

	log.Tracef("Advancing channel %v: %v", id, newLogClosure(
		func() string {
			return spew.Sdump(msg)
		},
	))

	switch body.Role {
	case trwire.RoleProposal:
		return m.handleProposal(c, msg)
	case trwire.RoleCountersign:
		return m.handleCountersign(c, msg)
	case trwire.RoleCommit:
		return m.handleCommit(c, msg)
	default:
		return m.handleAck(c, msg)
	}
}

// reply builds the answer to msg with the given role and templates.
func (m *Machine) reply(msg trwire.SignMessage, role trwire.Role,
	founderBalance, partnerBalance trwire.Amount,
	slots []trwire.TxSlot) (trwire.SignMessage, error) {

	hdr := msg.Hdr().Reply()
	hdr.Sender = m.cfg.Local
	hdr.NetMagic = m.cfg.NetMagic

	t := msg.MsgType()
	if (t%100 == 0) != role.IsProposer() {
		t = trwire.SignType(t)
	}

	out, err := trwire.NewSignMessage(t, hdr, trwire.SignBody{
		Role:           role,
		FounderBalance: founderBalance,
		PartnerBalance: partnerBalance,
		Txs:            slots,
	})
	if err != nil {
		return nil, err
	}

	value, contract := familyFields(msg)
	setFamilyFields(out, &proposal{value: value, contract: contract})

	return out, nil
}

// localProposed reports whether this wallet proposed rec.
func (m *Machine) localProposed(c *channeldb.Channel,
	rec *channeldb.TxRecord) bool {

	return rec.IsFounder == c.IsFounder(m.cfg.Local)
}

// committed returns the record at the nonce if one exists.
func (m *Machine) committed(id trwire.ChannelID,
	nonce uint64) (*channeldb.TxRecord, bool, error) {

	rec, err := m.cfg.DB.FetchTx(id, nonce)
	switch {
	case errors.Is(err, channeldb.ErrTxNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}

	return rec, true, nil
}

// handleProposal countersigns a role 0 proposal. The countersigned record
// is kept in the session buffer until the proposer commits.
func (m *Machine) handleProposal(c *channeldb.Channel,
	msg trwire.SignMessage) (*Outcome, error) {

	hdr := msg.Hdr()
	body := msg.Exchange()
	founder := c.IsFounder(m.cfg.Local)

	next, err := m.nextNonce(c.ID)
	switch {
	case errors.Is(err, channeldb.ErrChainSettled):
		return m.replayProposal(c, msg)
	case err != nil:
		return nil, err
	}
	switch {
	case hdr.TxNonce < next:
		return m.replayProposal(c, msg)

	case hdr.TxNonce > next:
		return nil, fmt.Errorf("%w: expected nonce %d, got %d",
			channeldb.ErrNonceConflict, next, hdr.TxNonce)
	}

	if s, ok := m.session(c.ID); ok {
		switch {
		// Both sides proposed at once. The founder's proposal wins.
		case s.proposer && founder:
			return nil, fmt.Errorf("%w: local proposal at nonce %d",
				ErrSessionBusy, s.nonce)

		case s.proposer:
			log.Infof("Dropping local proposal at nonce %d on "+
				"channel %v for the founder's", s.nonce, c.ID)
			m.dropSession(c.ID)

		// The proposal was already countersigned but not yet
		// committed.
		case matchesRecord(body.Txs, s.record):
			reply, err := m.reply(
				msg, trwire.RoleCountersign,
				s.record.FounderBalance,
				s.record.PartnerBalance,
				slotsFromRecord(s.record, founder),
			)
			if err != nil {
				return nil, err
			}

			return &Outcome{Reply: reply, Channel: c}, nil
		}
	}

	p := proposalFromMsg(c, msg)
	if p.proposerIsFounder == founder {
		return nil, fmt.Errorf("%w: proposal from %v as own side",
			ErrBadRole, hdr.Sender)
	}

	update, err := m.evaluate(c, p)
	if err != nil {
		return nil, err
	}
	if body.FounderBalance != update.founderBalance ||
		body.PartnerBalance != update.partnerBalance {

		return nil, fmt.Errorf("%w: proposed %v/%v, expected %v/%v",
			ErrBalanceMismatch, body.FounderBalance,
			body.PartnerBalance, update.founderBalance,
			update.partnerBalance)
	}

	expected, err := m.buildTemplates(c, p, update)
	if err != nil {
		return nil, err
	}
	peerKey, err := m.peerKey(c)
	if err != nil {
		return nil, err
	}
	if err := verifySlots(expected, body.Txs, peerKey); err != nil {
		return nil, err
	}

	rec, err := m.newRecord(c, p, update, expected)
	if err != nil {
		return nil, err
	}
	if err := setSigs(rec, body.Txs, p.proposerIsFounder); err != nil {
		return nil, err
	}
	if err := m.signSlots(expected); err != nil {
		return nil, err
	}
	if err := setSigs(rec, expected, founder); err != nil {
		return nil, err
	}
	rec.Role = trwire.RoleCountersign

	if p.msgType == trwire.MsgFounder &&
		c.State == channeldb.ChanStateInit {

		c, err = m.transition(c.ID, channeldb.ChanStateOpening)
		if err != nil {
			return nil, err
		}
	}

	reply, err := m.reply(
		msg, trwire.RoleCountersign, update.founderBalance,
		update.partnerBalance, expected,
	)
	if err != nil {
		return nil, err
	}

	m.putSession(c.ID, &session{
		nonce:    p.nonce,
		msgType:  p.msgType,
		proposer: false,
		header:   *hdr,
		body:     *body,
		record:   rec,
		update:   update,
	})

	log.Debugf("Countersigned %v at nonce %d on channel %v", rec.Type,
		rec.Nonce, c.ID)

	return &Outcome{Reply: reply, Channel: c}, nil
}

// replayProposal answers a proposal for a nonce that is already committed.
// The same proposal gets the original countersign, any other one is a
// nonce conflict.
func (m *Machine) replayProposal(c *channeldb.Channel,
	msg trwire.SignMessage) (*Outcome, error) {

	hdr := msg.Hdr()

	rec, ok, err := m.committed(c.ID, hdr.TxNonce)
	if err != nil {
		return nil, err
	}
	if !ok || m.localProposed(c, rec) ||
		!matchesRecord(msg.Exchange().Txs, rec) {

		return nil, fmt.Errorf("%w: nonce %d already committed",
			channeldb.ErrNonceConflict, hdr.TxNonce)
	}

	log.Debugf("Replaying countersign of nonce %d on channel %v",
		rec.Nonce, c.ID)

	reply, err := m.reply(
		msg, trwire.RoleCountersign, rec.FounderBalance,
		rec.PartnerBalance,
		slotsFromRecord(rec, c.IsFounder(m.cfg.Local)),
	)
	if err != nil {
		return nil, err
	}

	return &Outcome{Reply: reply, Channel: c}, nil
}

// commit appends the session record and stores the updated channel.
func (m *Machine) commit(c *channeldb.Channel, s *session,
	role trwire.Role) (*channeldb.Channel, *channeldb.TxRecord, error) {

	if c.State >= channeldb.ChanStateClosing &&
		s.msgType != trwire.MsgSettle {

		m.dropSession(c.ID)

		return nil, nil, fmt.Errorf("%w: committing %v on a %v channel",
			ErrWrongState, s.record.Type, c.State)
	}

	next := s.update.apply(c)
	next.UpdatedAt = m.cfg.Clock.Now()

	rec := s.record
	rec.Role = role
	if err := m.cfg.DB.CommitTx(rec, next); err != nil {
		return nil, nil, err
	}
	m.dropSession(c.ID)

	log.Infof("Committed %v at nonce %d on channel %v, balances %v/%v, "+
		"state %v", rec.Type, rec.Nonce, c.ID, next.FounderBalance,
		next.PartnerBalance, next.State)

	return next, rec, nil
}

// handleCountersign commits the proposer's record once the peer's
// signatures verify and answers with the commit.
func (m *Machine) handleCountersign(c *channeldb.Channel,
	msg trwire.SignMessage) (*Outcome, error) {

	hdr := msg.Hdr()
	body := msg.Exchange()

	s, ok := m.session(c.ID)
	if !ok || !s.proposer || s.nonce != hdr.TxNonce {
		rec, found, err := m.committed(c.ID, hdr.TxNonce)
		if err != nil {
			return nil, err
		}
		if !found || !m.localProposed(c, rec) ||
			!matchesRecord(body.Txs, rec) {

			return nil, fmt.Errorf("%w: countersign of nonce %d",
				ErrNoSession, hdr.TxNonce)
		}

		reply, err := m.reply(
			msg, trwire.RoleCommit, rec.FounderBalance,
			rec.PartnerBalance, nil,
		)
		if err != nil {
			return nil, err
		}

		return &Outcome{Reply: reply, Channel: c}, nil
	}

	if msg.MsgType().Family() != s.msgType.Family() {
		return nil, fmt.Errorf("%w: %v answering %v", ErrBadRole,
			msg.MsgType(), s.msgType)
	}
	if body.FounderBalance != s.body.FounderBalance ||
		body.PartnerBalance != s.body.PartnerBalance {

		return nil, fmt.Errorf("%w: countersigned %v/%v, proposed "+
			"%v/%v", ErrBalanceMismatch, body.FounderBalance,
			body.PartnerBalance, s.body.FounderBalance,
			s.body.PartnerBalance)
	}

	peerKey, err := m.peerKey(c)
	if err != nil {
		return nil, err
	}
	if err := verifySlots(s.body.Txs, body.Txs, peerKey); err != nil {
		return nil, err
	}
	err = setSigs(s.record, body.Txs, !c.IsFounder(m.cfg.Local))
	if err != nil {
		return nil, err
	}

	next, rec, err := m.commit(c, s, trwire.RoleCountersign)
	if err != nil {
		return nil, err
	}

	reply, err := m.reply(
		msg, trwire.RoleCommit, rec.FounderBalance, rec.PartnerBalance,
		nil,
	)
	if err != nil {
		return nil, err
	}

	return &Outcome{Reply: reply, Committed: rec, Channel: next}, nil
}

// handleCommit appends the countersigned record held since the proposal and
// acknowledges it.
func (m *Machine) handleCommit(c *channeldb.Channel,
	msg trwire.SignMessage) (*Outcome, error) {

	hdr := msg.Hdr()

	s, ok := m.session(c.ID)
	if !ok || s.proposer || s.nonce != hdr.TxNonce {
		rec, found, err := m.committed(c.ID, hdr.TxNonce)
		if err != nil {
			return nil, err
		}
		if !found || m.localProposed(c, rec) {
			return nil, fmt.Errorf("%w: commit of nonce %d",
				ErrNoSession, hdr.TxNonce)
		}

		reply, err := m.reply(
			msg, trwire.RoleAck, rec.FounderBalance,
			rec.PartnerBalance, nil,
		)
		if err != nil {
			return nil, err
		}

		return &Outcome{Reply: reply, Channel: c}, nil
	}

	if msg.MsgType().Family() != s.msgType.Family() {
		return nil, fmt.Errorf("%w: %v committing %v", ErrBadRole,
			msg.MsgType(), s.msgType)
	}

	next, rec, err := m.commit(c, s, trwire.RoleCommit)
	if err != nil {
		return nil, err
	}

	reply, err := m.reply(
		msg, trwire.RoleAck, rec.FounderBalance, rec.PartnerBalance,
		nil,
	)
	if err != nil {
		return nil, err
	}

	return &Outcome{Reply: reply, Committed: rec, Channel: next}, nil
}

// handleAck closes the exchange on the proposer side. Nothing is sent back.
func (m *Machine) handleAck(c *channeldb.Channel,
	msg trwire.SignMessage) (*Outcome, error) {

	hdr := msg.Hdr()

	rec, found, err := m.committed(c.ID, hdr.TxNonce)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: ack of nonce %d", ErrNoSession,
			hdr.TxNonce)
	}
	if !m.localProposed(c, rec) {
		return nil, fmt.Errorf("%w: ack of a peer proposal", ErrBadRole)
	}

	log.Debugf("Peer acknowledged %v at nonce %d on channel %v", rec.Type,
		rec.Nonce, c.ID)

	return &Outcome{Channel: c}, nil
}
