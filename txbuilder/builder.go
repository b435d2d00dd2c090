// Package txbuilder produces the unsigned transaction templates a channel
// update commits. Both parties build the same templates from the same
// inputs, so a peer can check a proposal by rebuilding it.
package txbuilder

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/trinity-network/trinity/trwire"
)

const (
	// DefaultDelayBlockHeight is the relative timelock of revocable
	// delivery transactions.
	DefaultDelayBlockHeight = 1000

	// SignSelf is replaced by the broadcasting party's signature.
	SignSelf = "{signSelf}"

	// SignOther is replaced by the counterparty's stored signature.
	SignOther = "{signOther}"

	// BlockHeightScript is replaced by the script push of the height the
	// commitment was observed at.
	BlockHeightScript = "{blockheight_script}"
)

var (
	// ErrUnknownPhase is returned for a record type that isn't a phase.
	ErrUnknownPhase = errors.New("unknown record phase")

	// ErrMissingHTLC is returned when an HTLC phase lacks its contract.
	ErrMissingHTLC = errors.New("htlc phase without contract")
)

// Layout names the templates committed by a phase.
type Layout struct {
	// Commitment is the template whose broadcast closes the channel at
	// this state.
	Commitment trwire.TxKind

	// Revocable is the time locked delivery of the broadcaster's
	// balance.
	Revocable fn.Option[trwire.TxKind]

	// BreachRemedy is set when the state can be revoked. Such a record
	// carries one remedy against each party, each handing the whole
	// channel to the other one.
	BreachRemedy bool

	// Extra lists phase specific templates.
	Extra []trwire.TxKind
}

// Kinds returns every template kind of the layout in bundle order.
func (l Layout) Kinds() []trwire.TxKind {
	var kinds []trwire.TxKind
	kinds = append(kinds, l.Extra...)
	kinds = append(kinds, l.Commitment)
	l.Revocable.WhenSome(func(k trwire.TxKind) {
		kinds = append(kinds, k)
	})
	if l.BreachRemedy {
		kinds = append(kinds, trwire.TxBreachRemedy,
			trwire.TxBreachRemedyPartner)
	}

	return kinds
}

// LayoutFor returns the template layout of a record phase.
func LayoutFor(phase trwire.TxKind) (Layout, error) {
	rd := func(k trwire.TxKind) fn.Option[trwire.TxKind] {
		return fn.Some(k)
	}
	const br = true

	switch phase {
	case trwire.TxFunding:
		return Layout{
			Extra:        []trwire.TxKind{trwire.TxFunding},
			Commitment:   trwire.TxCommitment,
			Revocable:    rd(trwire.TxRevocable),
			BreachRemedy: br,
		}, nil

	case trwire.TxCommitment:
		return Layout{
			Commitment:   trwire.TxCommitment,
			Revocable:    rd(trwire.TxRevocable),
			BreachRemedy: br,
		}, nil

	case trwire.TxHCTX:
		return Layout{
			Commitment:   trwire.TxHCTX,
			Revocable:    rd(trwire.TxRDTX),
			BreachRemedy: br,
		}, nil

	case trwire.TxHETX:
		return Layout{
			Extra:        []trwire.TxKind{trwire.TxHEDTX},
			Commitment:   trwire.TxHETX,
			Revocable:    rd(trwire.TxHERDTX),
			BreachRemedy: br,
		}, nil

	case trwire.TxHTTX:
		return Layout{
			Extra:        []trwire.TxKind{trwire.TxHTDTX},
			Commitment:   trwire.TxHTTX,
			Revocable:    rd(trwire.TxHTRDTX),
			BreachRemedy: br,
		}, nil

	case trwire.TxSettle:
		return Layout{Commitment: trwire.TxSettle}, nil

	default:
		return Layout{}, fmt.Errorf("%w: %v", ErrUnknownPhase, phase)
	}
}

// Request holds everything that determines the templates of a channel
// update.
type Request struct {
	ChannelID trwire.ChannelID
	Nonce     uint64
	Phase     trwire.TxKind
	Asset     string

	Founder trwire.Endpoint
	Partner trwire.Endpoint

	FounderBalance trwire.Amount
	PartnerBalance trwire.Amount

	// Locked is the sum of the HTLC payments still pending after the
	// update. A breach remedy pays it out with both balances.
	Locked trwire.Amount

	// HTLC is set for the HCTX, HETX and HTTX phases.
	HTLC fn.Option[trwire.HtlcBody]
}

// Builder creates deterministic templates.
type Builder struct {
	delay uint32
}

// New creates a builder using the given revocable delivery delay.
func New(delayBlockHeight uint32) *Builder {
	if delayBlockHeight == 0 {
		delayBlockHeight = DefaultDelayBlockHeight
	}

	return &Builder{delay: delayBlockHeight}
}

// DelayBlockHeight returns the relative timelock of revocable deliveries.
func (b *Builder) DelayBlockHeight() uint32 {
	return b.delay
}

// Build returns the unsigned templates of the request's phase in bundle
// order.
func (b *Builder) Build(req *Request) ([]trwire.TxSlot, error) {
	layout, err := LayoutFor(req.Phase)
	if err != nil {
		return nil, err
	}

	switch req.Phase {
	case trwire.TxHCTX, trwire.TxHETX, trwire.TxHTTX:
		if req.HTLC.IsNone() {
			return nil, ErrMissingHTLC
		}
	}

	kinds := layout.Kinds()
	slots := make([]trwire.TxSlot, 0, len(kinds))
	for _, kind := range kinds {
		slot, err := b.buildSlot(req, kind)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}

	return slots, nil
}

func (b *Builder) buildSlot(req *Request, kind trwire.TxKind) (trwire.TxSlot,
	error) {

	slot := trwire.TxSlot{
		Kind:    kind,
		Witness: SignSelf + " " + SignOther,
	}

	switch kind {
	case trwire.TxRevocable, trwire.TxRDTX, trwire.TxHERDTX,
		trwire.TxHTRDTX:

		slot.TimeLock = b.delay
		slot.Witness = BlockHeightScript + " " + slot.Witness

	case trwire.TxHEDTX:
		req.HTLC.WhenSome(func(h trwire.HtlcBody) {
			slot.Witness = fmt.Sprintf("%v %v", h.Preimage,
				slot.Witness)
		})

	case trwire.TxHTDTX:
		req.HTLC.WhenSome(func(h trwire.HtlcBody) {
			slot.TimeLock = h.TimeoutHeight
		})
	}

	var raw bytes.Buffer
	if kind.IsBreachRemedy() {
		founder, partner := RemedyPayout(req, kind)
		err := trwire.WriteElements(&raw,
			kind, req.ChannelID, req.Nonce, req.Phase, req.Asset,
			req.Founder, req.Partner, founder, partner,
			slot.TimeLock,
		)
		if err != nil {
			return slot, err
		}

		slot.RawData = raw.Bytes()
		slot.TxID = chainhash.DoubleHashH(slot.RawData)

		return slot, nil
	}

	err := trwire.WriteElements(&raw,
		kind, req.ChannelID, req.Nonce, req.Phase, req.Asset,
		req.Founder, req.Partner, req.FounderBalance,
		req.PartnerBalance, slot.TimeLock,
	)
	if err != nil {
		return slot, err
	}

	req.HTLC.WhenSome(func(h trwire.HtlcBody) {
		err = h.Encode(&raw)
	})
	if err != nil {
		return slot, err
	}

	slot.RawData = raw.Bytes()
	slot.TxID = chainhash.DoubleHashH(slot.RawData)

	return slot, nil
}

// RemedyPayout returns the founder and partner outputs of a breach remedy
// of the request. The breacher forfeits its balance and any locked HTLC
// payment to the other party.
func RemedyPayout(req *Request, kind trwire.TxKind) (trwire.Amount,
	trwire.Amount) {

	total := req.FounderBalance + req.PartnerBalance + req.Locked
	if kind == trwire.TxBreachRemedy {
		return 0, total
	}

	return total, 0
}
