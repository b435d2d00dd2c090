package trwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Role is the step of the two round signing exchange a message belongs to.
type Role uint8

const (
	// RoleProposal is the proposer's first message carrying its own
	// signatures.
	RoleProposal Role = 0

	// RoleCountersign is the peer's reply carrying the peer signatures.
	RoleCountersign Role = 1

	// RoleCommit tells the peer the proposer has appended the record.
	RoleCommit Role = 2

	// RoleAck confirms the peer appended the record too.
	RoleAck Role = 3
)

// MaxRole is the highest valid role index.
const MaxRole = RoleAck

// IsProposer reports whether the role is sent by the proposing party.
func (r Role) IsProposer() bool {
	return r == RoleProposal || r == RoleCommit
}

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleProposal:
		return "proposal"
	case RoleCountersign:
		return "countersign"
	case RoleCommit:
		return "commit"
	case RoleAck:
		return "ack"
	default:
		return "invalid"
	}
}

// TxKind names a transaction template within a record bundle.
type TxKind uint8

const (
	TxFunding TxKind = iota
	TxCommitment
	TxRevocable

	// TxBreachRemedy answers a stale broadcast by the founder. It pays
	// the whole channel to the partner.
	TxBreachRemedy

	TxHCTX
	TxRDTX
	TxHETX
	TxHEDTX
	TxHERDTX
	TxHTTX
	TxHTDTX
	TxHTRDTX
	TxSettle

	// TxBreachRemedyPartner answers a stale broadcast by the partner. It
	// pays the whole channel to the founder.
	TxBreachRemedyPartner
)

// String returns the protocol name of the kind.
func (k TxKind) String() string {
	switch k {
	case TxFunding:
		return "FUNDING"
	case TxCommitment:
		return "COMMITMENT"
	case TxRevocable:
		return "REVOCABLE"
	case TxBreachRemedy:
		return "BREACHREMEDY"
	case TxHCTX:
		return "HCTX"
	case TxRDTX:
		return "RDTX"
	case TxHETX:
		return "HETX"
	case TxHEDTX:
		return "HEDTX"
	case TxHERDTX:
		return "HERDTX"
	case TxHTTX:
		return "HTTX"
	case TxHTDTX:
		return "HTDTX"
	case TxHTRDTX:
		return "HTRDTX"
	case TxSettle:
		return "SETTLE"
	case TxBreachRemedyPartner:
		return "BREACHREMEDY_PARTNER"
	default:
		return "UNKNOWN"
	}
}

// IsCommitment reports whether a broadcast of a transaction of this kind
// unilaterally closes the channel.
func (k TxKind) IsCommitment() bool {
	switch k {
	case TxCommitment, TxHCTX, TxHETX, TxHTTX:
		return true
	}

	return false
}

// IsBreachRemedy reports whether the kind forfeits a breacher's balance.
func (k TxKind) IsBreachRemedy() bool {
	return k == TxBreachRemedy || k == TxBreachRemedyPartner
}

// BreachRemedyAgainst returns the remedy kind answering a stale broadcast
// by the founder or, if founderBreached is false, by the partner.
func BreachRemedyAgainst(founderBreached bool) TxKind {
	if founderBreached {
		return TxBreachRemedy
	}

	return TxBreachRemedyPartner
}

// TxSlot is one unsigned transaction template together with the sender's
// signature over its raw data.
type TxSlot struct {
	Kind     TxKind
	RawData  []byte
	TxID     chainhash.Hash
	Witness  string
	TimeLock uint32
	Sig      []byte
}

// Encode writes the slot to the buffer.
func (s *TxSlot) Encode(w *bytes.Buffer) error {
	return WriteElements(w,
		s.Kind, s.RawData, s.TxID, s.Witness, s.TimeLock, s.Sig,
	)
}

// Decode reads a slot written by Encode.
func (s *TxSlot) Decode(r io.Reader) error {
	return ReadElements(r,
		&s.Kind, &s.RawData, &s.TxID, &s.Witness, &s.TimeLock, &s.Sig,
	)
}

// SignBody is the body shared by every message of the signing exchange: the
// role, the balances after the proposed update and the signed templates.
type SignBody struct {
	Role           Role
	FounderBalance Amount
	PartnerBalance Amount
	Txs            []TxSlot
}

// Slot returns the template of the given kind.
func (b *SignBody) Slot(kind TxKind) (*TxSlot, bool) {
	for i := range b.Txs {
		if b.Txs[i].Kind == kind {
			return &b.Txs[i], true
		}
	}

	return nil, false
}

// Encode writes the body to the buffer.
func (b *SignBody) Encode(w *bytes.Buffer) error {
	return WriteElements(w,
		b.Role, b.FounderBalance, b.PartnerBalance, b.Txs,
	)
}

// Decode reads a body written by Encode.
func (b *SignBody) Decode(r io.Reader) error {
	return ReadElements(r,
		&b.Role, &b.FounderBalance, &b.PartnerBalance, &b.Txs,
	)
}

// SignMessage is implemented by every message of the signing exchange.
type SignMessage interface {
	Message

	// Exchange returns the signing body of the message.
	Exchange() *SignBody
}

// SignExchange is the header plus signing body embedded by the messages of
// every signing family.
type SignExchange struct {
	Header
	Body SignBody
}

// Exchange returns the signing body.
func (s *SignExchange) Exchange() *SignBody {
	return &s.Body
}

// Encode writes the header and body.
func (s *SignExchange) Encode(w *bytes.Buffer) error {
	if err := s.Header.Encode(w); err != nil {
		return err
	}

	return s.Body.Encode(w)
}

// Decode reads the header and body.
func (s *SignExchange) Decode(r io.Reader) error {
	if err := s.Header.Decode(r); err != nil {
		return err
	}

	return s.Body.Decode(r)
}
