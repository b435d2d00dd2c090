package chanstate

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/keychain"
	"github.com/trinity-network/trinity/trwire"
	"github.com/trinity-network/trinity/txbuilder"
)

// proposal is the content of a channel update independent of which side of
// the exchange looks at it.
type proposal struct {
	// msgType is the proposal type of the family.
	msgType trwire.MessageType

	nonce uint64

	// proposerIsFounder is true when the founder proposed the update.
	proposerIsFounder bool

	value    trwire.Amount
	contract fn.Option[trwire.HtlcBody]
	router   fn.Option[trwire.RouterInfo]
}

// proposalFromMsg extracts the update carried by msg. For roles 1 and 3 the
// proposer is the receiver of msg.
func proposalFromMsg(c *channeldb.Channel,
	msg trwire.SignMessage) *proposal {

	hdr := msg.Hdr()
	role := msg.Exchange().Role

	proposer := hdr.Sender
	if !role.IsProposer() {
		proposer = hdr.Receiver
	}

	msgType := msg.MsgType()
	if msgType%100 != 0 {
		msgType = trwire.SignType(msgType)
	}

	value, contract := familyFields(msg)

	return &proposal{
		msgType:           msgType,
		nonce:             hdr.TxNonce,
		proposerIsFounder: proposer == c.Founder,
		value:             value,
		contract:          contract,
		router:            hdr.Router,
	}
}

// familyFields returns the family specific fields of msg.
func familyFields(msg trwire.SignMessage) (trwire.Amount,
	fn.Option[trwire.HtlcBody]) {

	switch m := msg.(type) {
	case *trwire.Rsmc:
		return m.Value, fn.None[trwire.HtlcBody]()
	case *trwire.RsmcSign:
		return m.Value, fn.None[trwire.HtlcBody]()
	case *trwire.Htlc:
		return 0, fn.Some(m.Contract)
	case *trwire.HtlcSign:
		return 0, fn.Some(m.Contract)
	default:
		return 0, fn.None[trwire.HtlcBody]()
	}
}

// setFamilyFields copies the family specific fields of p into msg.
func setFamilyFields(msg trwire.SignMessage, p *proposal) {
	switch m := msg.(type) {
	case *trwire.Rsmc:
		m.Value = p.value
	case *trwire.RsmcSign:
		m.Value = p.value
	case *trwire.Htlc:
		p.contract.WhenSome(func(b trwire.HtlcBody) {
			m.Contract = b
		})
	case *trwire.HtlcSign:
		p.contract.WhenSome(func(b trwire.HtlcBody) {
			m.Contract = b
		})
	}
}

// phase returns the record type the proposal commits.
func (p *proposal) phase() trwire.TxKind {
	switch p.msgType {
	case trwire.MsgFounder:
		return trwire.TxFunding
	case trwire.MsgRsmc:
		return trwire.TxCommitment
	case trwire.MsgHtlc:
		return fn.MapOptionZ(p.contract,
			func(b trwire.HtlcBody) trwire.TxKind {
				return b.Phase.CommitmentKind()
			},
		)
	case trwire.MsgSettle:
		return trwire.TxSettle
	default:
		return trwire.TxKind(0xff)
	}
}

// pay moves amt from the payer to the other party.
func pay(u *channelUpdate, founderPays bool, amt trwire.Amount) error {
	if founderPays {
		if u.founderBalance < amt {
			return fmt.Errorf("%w: founder has %v, needs %v",
				ErrInsufficientBalance, u.founderBalance, amt)
		}
		u.founderBalance -= amt
		u.partnerBalance += amt

		return nil
	}

	if u.partnerBalance < amt {
		return fmt.Errorf("%w: partner has %v, needs %v",
			ErrInsufficientBalance, u.partnerBalance, amt)
	}
	u.partnerBalance -= amt
	u.founderBalance += amt

	return nil
}

// evaluate checks the proposal against the channel and returns the update
// committing it would apply.
func (m *Machine) evaluate(c *channeldb.Channel,
	p *proposal) (*channelUpdate, error) {

	u := &channelUpdate{
		founderBalance: c.FounderBalance,
		partnerBalance: c.PartnerBalance,
	}

	requireOpen := func() error {
		if c.State != channeldb.ChanStateOpen {
			return fmt.Errorf("%w: %v needs OPEN, channel is %v",
				ErrWrongState, p.msgType.Family(), c.State)
		}

		return nil
	}

	switch p.msgType {
	case trwire.MsgFounder:
		if c.State != channeldb.ChanStateInit &&
			c.State != channeldb.ChanStateOpening {

			return nil, fmt.Errorf("%w: funding a %v channel",
				ErrWrongState, c.State)
		}
		if !p.proposerIsFounder {
			return nil, fmt.Errorf("%w: funding proposed by partner",
				ErrBadRole)
		}
		if p.nonce != 0 {
			return nil, fmt.Errorf("%w: funding at nonce %d",
				channeldb.ErrNonceConflict, p.nonce)
		}

		u.founderBalance = c.FounderDeposit
		u.partnerBalance = c.PartnerDeposit
		u.nextState = fn.Some(channeldb.ChanStateOpen)

	case trwire.MsgRsmc:
		if err := requireOpen(); err != nil {
			return nil, err
		}
		if p.value <= 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAmount,
				p.value)
		}
		if err := pay(u, p.proposerIsFounder, p.value); err != nil {
			return nil, err
		}

	case trwire.MsgHtlc:
		if err := requireOpen(); err != nil {
			return nil, err
		}
		contract, err := p.contract.UnwrapOrErr(
			fmt.Errorf("%w: missing contract", ErrInvalidHTLC),
		)
		if err != nil {
			return nil, err
		}
		if err := m.evaluateHTLC(c, p, &contract, u); err != nil {
			return nil, err
		}

	case trwire.MsgSettle:
		if err := requireOpen(); err != nil {
			return nil, err
		}
		if len(c.PendingHTLCs) != 0 {
			return nil, fmt.Errorf("%w: %d locks",
				ErrPendingHTLCs, len(c.PendingHTLCs))
		}
		u.nextState = fn.Some(channeldb.ChanStateClosing)

	default:
		return nil, fmt.Errorf("%w: %v is not a proposal", ErrBadRole,
			p.msgType)
	}

	return u, nil
}

func (m *Machine) bestHeight() (uint32, error) {
	if m.cfg.BestHeight == nil {
		return 0, fmt.Errorf("%w: no chain height source",
			channeldb.ErrBlockHeightNotFound)
	}

	return m.cfg.BestHeight()
}

func (m *Machine) evaluateHTLC(c *channeldb.Channel, p *proposal,
	h *trwire.HtlcBody, u *channelUpdate) error {

	switch h.Phase {
	case trwire.HtlcLock:
		if h.Payment <= 0 {
			return fmt.Errorf("%w: payment %v", ErrInvalidAmount,
				h.Payment)
		}
		if h.Income < h.Payment {
			return fmt.Errorf("%w: payment %v exceeds income %v",
				ErrInvalidHTLC, h.Payment, h.Income)
		}
		if h.HashLock.IsZero() || h.TimeoutHeight == 0 {
			return fmt.Errorf("%w: empty hash lock or timeout",
				ErrInvalidHTLC)
		}
		if _, ok := c.FindHTLC(h.HashLock); ok {
			return fmt.Errorf("%w: %v already pending",
				ErrInvalidHTLC, h.HashLock)
		}

		// The payer only gives up the payment while the lock is
		// pending. The payee is credited on execution.
		if p.proposerIsFounder {
			if u.founderBalance < h.Payment {
				return fmt.Errorf("%w: founder has %v, needs %v",
					ErrInsufficientBalance,
					u.founderBalance, h.Payment)
			}
			u.founderBalance -= h.Payment
		} else {
			if u.partnerBalance < h.Payment {
				return fmt.Errorf("%w: partner has %v, needs %v",
					ErrInsufficientBalance,
					u.partnerBalance, h.Payment)
			}
			u.partnerBalance -= h.Payment
		}

		u.addHTLC = fn.Some(channeldb.PendingHTLC{
			HashLock:      h.HashLock,
			LockNonce:     p.nonce,
			Amount:        h.Payment,
			TimeoutHeight: h.TimeoutHeight,
			FounderPays:   p.proposerIsFounder,
		})

		return nil

	case trwire.HtlcExecute, trwire.HtlcTimeout:

	default:
		return fmt.Errorf("%w: phase %v", ErrInvalidHTLC, h.Phase)
	}

	i, ok := c.FindHTLC(h.HashLock)
	if !ok {
		return fmt.Errorf("%w: %v", ErrHTLCNotFound, h.HashLock)
	}
	pending := c.PendingHTLCs[i]
	if h.Payment != pending.Amount ||
		h.TimeoutHeight != pending.TimeoutHeight {

		return fmt.Errorf("%w: contract differs from lock at nonce %d",
			ErrInvalidHTLC, pending.LockNonce)
	}

	founderCredited := !pending.FounderPays
	if h.Phase == trwire.HtlcExecute {
		if p.proposerIsFounder == pending.FounderPays {
			return fmt.Errorf("%w: execution proposed by payer",
				ErrBadRole)
		}
		if !h.Preimage.Matches(h.HashLock) {
			return fmt.Errorf("%w: %v", ErrBadPreimage, h.HashLock)
		}
	} else {
		if p.proposerIsFounder != pending.FounderPays {
			return fmt.Errorf("%w: timeout proposed by payee",
				ErrBadRole)
		}

		height, err := m.bestHeight()
		if err != nil {
			return err
		}
		if height < pending.TimeoutHeight {
			return fmt.Errorf("%w: height %d, timeout %d",
				ErrHTLCNotExpired, height, pending.TimeoutHeight)
		}
		founderCredited = pending.FounderPays
	}

	if founderCredited {
		u.founderBalance += pending.Amount
	} else {
		u.partnerBalance += pending.Amount
	}
	u.removeHTLC = fn.Some(h.HashLock)

	return nil
}

// buildTemplates returns the unsigned templates of the proposal.
func (m *Machine) buildTemplates(c *channeldb.Channel, p *proposal,
	u *channelUpdate) ([]trwire.TxSlot, error) {

	var locked trwire.Amount
	for _, h := range u.apply(c).PendingHTLCs {
		locked += h.Amount
	}

	return m.cfg.Builder.Build(&txbuilder.Request{
		ChannelID:      c.ID,
		Nonce:          p.nonce,
		Phase:          p.phase(),
		Asset:          c.Asset,
		Founder:        c.Founder,
		Partner:        c.Partner,
		FounderBalance: u.founderBalance,
		PartnerBalance: u.partnerBalance,
		Locked:         locked,
		HTLC:           p.contract,
	})
}

// signSlots signs every template with the local key.
func (m *Machine) signSlots(slots []trwire.TxSlot) error {
	for i := range slots {
		sig, err := m.cfg.Signer.Sign(slots[i].RawData)
		if err != nil {
			return err
		}
		slots[i].Sig = sig
	}

	return nil
}

// verifySlots checks the peer's templates equal the expected ones and that
// every signature is by pub.
func verifySlots(expected, got []trwire.TxSlot,
	pub *btcec.PublicKey) error {

	if len(expected) != len(got) {
		return fmt.Errorf("%w: expected %d templates, got %d",
			ErrTemplateMismatch, len(expected), len(got))
	}

	for i := range expected {
		e, g := &expected[i], &got[i]
		switch {
		case e.Kind != g.Kind:
			return fmt.Errorf("%w: expected %v, got %v",
				ErrTemplateMismatch, e.Kind, g.Kind)

		case e.TxID != g.TxID || !bytes.Equal(e.RawData, g.RawData):
			return fmt.Errorf("%w: %v txid %v, expected %v",
				ErrTemplateMismatch, g.Kind, g.TxID, e.TxID)

		case e.Witness != g.Witness || e.TimeLock != g.TimeLock:
			return fmt.Errorf("%w: %v witness", ErrTemplateMismatch,
				g.Kind)
		}

		if !keychain.VerifySignature(e.RawData, g.Sig, pub) {
			return fmt.Errorf("%w: %v", ErrBadSignature, g.Kind)
		}
	}

	return nil
}

// matchesRecord reports whether slots carry the templates of rec.
func matchesRecord(slots []trwire.TxSlot, rec *channeldb.TxRecord) bool {
	if len(slots) != len(rec.Bundle) {
		return false
	}
	for i := range slots {
		if slots[i].Kind != rec.Bundle[i].Kind ||
			slots[i].TxID != rec.Bundle[i].Template.TxID {

			return false
		}
	}

	return true
}

// newRecord assembles the record of a proposal from its templates. The
// signatures are attached with setSigs.
func (m *Machine) newRecord(c *channeldb.Channel, p *proposal,
	u *channelUpdate, slots []trwire.TxSlot) (*channeldb.TxRecord, error) {

	layout, err := txbuilder.LayoutFor(p.phase())
	if err != nil {
		return nil, err
	}

	rec := &channeldb.TxRecord{
		ChannelID:      c.ID,
		Nonce:          p.nonce,
		Type:           p.phase(),
		State:          channeldb.TxProposed,
		Role:           trwire.RoleProposal,
		IsFounder:      p.proposerIsFounder,
		FounderBalance: u.founderBalance,
		PartnerBalance: u.partnerBalance,
		Bundle:         make([]channeldb.SignedTx, len(slots)),
		CreatedAt:      m.cfg.Clock.Now(),
	}
	for i, s := range slots {
		rec.Bundle[i] = channeldb.SignedTx{
			Kind: s.Kind,
			Template: channeldb.TxTemplate{
				RawData:  s.RawData,
				TxID:     s.TxID,
				Witness:  s.Witness,
				TimeLock: s.TimeLock,
			},
		}
		if s.Kind == layout.Commitment {
			rec.MonitorTxID = s.TxID
		}
	}

	p.contract.WhenSome(func(h trwire.HtlcBody) {
		info := channeldb.HTLCInfo{
			HashLock:      h.HashLock,
			Income:        h.Income,
			Payment:       h.Payment,
			TimeoutHeight: h.TimeoutHeight,
			Preimage:      h.Preimage,
		}
		p.router.WhenSome(func(r trwire.RouterInfo) {
			info.Router = r.Path
			info.Next = r.Next
		})
		rec.HTLC = fn.Some(info)
	})

	return rec, nil
}

// setSigs attaches the signatures of one party to the record.
func setSigs(rec *channeldb.TxRecord, slots []trwire.TxSlot,
	founder bool) error {

	if len(slots) != len(rec.Bundle) {
		return fmt.Errorf("%w: %d signatures for %d templates",
			ErrTemplateMismatch, len(slots), len(rec.Bundle))
	}

	for i := range slots {
		if founder {
			rec.Bundle[i].FounderSig = slots[i].Sig
		} else {
			rec.Bundle[i].PartnerSig = slots[i].Sig
		}
	}

	return nil
}

// slotsFromRecord returns the templates of rec carrying the signatures of
// one party.
func slotsFromRecord(rec *channeldb.TxRecord,
	founder bool) []trwire.TxSlot {

	slots := make([]trwire.TxSlot, len(rec.Bundle))
	for i, stx := range rec.Bundle {
		sig := stx.PartnerSig
		if founder {
			sig = stx.FounderSig
		}
		slots[i] = trwire.TxSlot{
			Kind:     stx.Kind,
			RawData:  stx.Template.RawData,
			TxID:     stx.Template.TxID,
			Witness:  stx.Template.Witness,
			TimeLock: stx.Template.TimeLock,
			Sig:      sig,
		}
	}

	return slots
}

// nextNonce returns the nonce the next record of the channel must carry.
func (m *Machine) nextNonce(id trwire.ChannelID) (uint64, error) {
	latest, err := m.cfg.DB.LatestTx(id)
	switch {
	case errors.Is(err, channeldb.ErrTxNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	}
	if latest.Type == trwire.TxSettle {
		return 0, fmt.Errorf("%w: settled at nonce %d",
			channeldb.ErrChainSettled, latest.Nonce)
	}

	return latest.Nonce + 1, nil
}

// peerKey returns the public key of the channel's counterparty.
func (m *Machine) peerKey(c *channeldb.Channel) (*btcec.PublicKey, error) {
	return c.Counterparty(m.cfg.Local).PubKey()
}
