package trwire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/trinity-network/trinity/hashlock"
)

// RegisterChannel asks the receiver to register a new channel with the
// deposits each side will fund.
type RegisterChannel struct {
	Header

	FounderDeposit Amount
	PartnerDeposit Amount
}

// A compile time check to ensure RegisterChannel implements the
// trwire.Message interface.
var _ Message = (*RegisterChannel)(nil)

// MsgType returns the message type.
func (m *RegisterChannel) MsgType() MessageType {
	return MsgRegisterChannel
}

// Encode writes the message to the buffer.
func (m *RegisterChannel) Encode(w *bytes.Buffer) error {
	if err := m.Header.Encode(w); err != nil {
		return err
	}

	return WriteElements(w, m.FounderDeposit, m.PartnerDeposit)
}

// Decode reads the message from the reader.
func (m *RegisterChannel) Decode(r io.Reader) error {
	if err := m.Header.Decode(r); err != nil {
		return err
	}

	return ReadElements(r, &m.FounderDeposit, &m.PartnerDeposit)
}

// Founder carries the funding exchange from the proposing side, roles 0
// and 2.
type Founder struct {
	SignExchange
}

// MsgType returns the message type.
func (m *Founder) MsgType() MessageType { return MsgFounder }

// FounderSign carries the funding exchange from the peer, roles 1 and 3.
type FounderSign struct {
	SignExchange
}

// MsgType returns the message type.
func (m *FounderSign) MsgType() MessageType { return MsgFounderSign }

// Rsmc proposes a commitment update moving Value from the sender to the
// receiver.
type Rsmc struct {
	SignExchange

	Value Amount
}

// MsgType returns the message type.
func (m *Rsmc) MsgType() MessageType { return MsgRsmc }

// Encode writes the message to the buffer.
func (m *Rsmc) Encode(w *bytes.Buffer) error {
	if err := m.SignExchange.Encode(w); err != nil {
		return err
	}

	return WriteElement(w, m.Value)
}

// Decode reads the message from the reader.
func (m *Rsmc) Decode(r io.Reader) error {
	if err := m.SignExchange.Decode(r); err != nil {
		return err
	}

	return ReadElement(r, &m.Value)
}

// RsmcSign is the peer side of a commitment update.
type RsmcSign struct {
	Rsmc
}

// MsgType returns the message type.
func (m *RsmcSign) MsgType() MessageType { return MsgRsmcSign }

// HtlcPhase selects the branch of an HTLC an Htlc message advances.
type HtlcPhase uint8

const (
	// HtlcLock adds a hash locked payment to the channel.
	HtlcLock HtlcPhase = 0

	// HtlcExecute settles a locked payment by revealing the preimage.
	HtlcExecute HtlcPhase = 1

	// HtlcTimeout returns a locked payment to the payer after expiry.
	HtlcTimeout HtlcPhase = 2
)

// String returns the phase name.
func (p HtlcPhase) String() string {
	switch p {
	case HtlcLock:
		return "lock"
	case HtlcExecute:
		return "execute"
	case HtlcTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// CommitmentKind returns the record type committed by the phase.
func (p HtlcPhase) CommitmentKind() TxKind {
	switch p {
	case HtlcExecute:
		return TxHETX
	case HtlcTimeout:
		return TxHTTX
	default:
		return TxHCTX
	}
}

// HtlcBody describes the conditional payment an Htlc message advances.
// Income is what the sender of the payment receives from upstream, Payment
// what it forwards on this channel.
type HtlcBody struct {
	Phase         HtlcPhase
	HashLock      hashlock.Hash
	Income        Amount
	Payment       Amount
	TimeoutHeight uint32
	Preimage      hashlock.Preimage
}

// Encode writes the body to the buffer.
func (b *HtlcBody) Encode(w *bytes.Buffer) error {
	return WriteElements(w,
		b.Phase, [32]byte(b.HashLock), b.Income, b.Payment,
		b.TimeoutHeight, [32]byte(b.Preimage),
	)
}

// Decode reads a body written by Encode.
func (b *HtlcBody) Decode(r io.Reader) error {
	return ReadElements(r,
		&b.Phase, (*[32]byte)(&b.HashLock), &b.Income, &b.Payment,
		&b.TimeoutHeight, (*[32]byte)(&b.Preimage),
	)
}

// Htlc carries an HTLC exchange from the proposing side.
type Htlc struct {
	SignExchange

	Contract HtlcBody
}

// MsgType returns the message type.
func (m *Htlc) MsgType() MessageType { return MsgHtlc }

// Encode writes the message to the buffer.
func (m *Htlc) Encode(w *bytes.Buffer) error {
	if err := m.SignExchange.Encode(w); err != nil {
		return err
	}

	return m.Contract.Encode(w)
}

// Decode reads the message from the reader.
func (m *Htlc) Decode(r io.Reader) error {
	if err := m.SignExchange.Decode(r); err != nil {
		return err
	}

	return m.Contract.Decode(r)
}

// HtlcSign is the peer side of an HTLC exchange.
type HtlcSign struct {
	Htlc
}

// MsgType returns the message type.
func (m *HtlcSign) MsgType() MessageType { return MsgHtlcSign }

// Settle proposes the mutual close of the channel.
type Settle struct {
	SignExchange
}

// MsgType returns the message type.
func (m *Settle) MsgType() MessageType { return MsgSettle }

// SettleSign is the peer side of a mutual close.
type SettleSign struct {
	SignExchange
}

// MsgType returns the message type.
func (m *SettleSign) MsgType() MessageType { return MsgSettleSign }

// A compile time check to ensure the signing messages implement the
// trwire.SignMessage interface.
var (
	_ SignMessage = (*Founder)(nil)
	_ SignMessage = (*FounderSign)(nil)
	_ SignMessage = (*Rsmc)(nil)
	_ SignMessage = (*RsmcSign)(nil)
	_ SignMessage = (*Htlc)(nil)
	_ SignMessage = (*HtlcSign)(nil)
	_ SignMessage = (*Settle)(nil)
	_ SignMessage = (*SettleSign)(nil)
)

// NewSignMessage builds an empty message of the given signing type around
// the header and body.
func NewSignMessage(t MessageType, h Header, b SignBody) (SignMessage, error) {
	ex := SignExchange{Header: h, Body: b}

	switch t {
	case MsgFounder:
		return &Founder{ex}, nil
	case MsgFounderSign:
		return &FounderSign{ex}, nil
	case MsgRsmc:
		return &Rsmc{SignExchange: ex}, nil
	case MsgRsmcSign:
		return &RsmcSign{Rsmc{SignExchange: ex}}, nil
	case MsgHtlc:
		return &Htlc{SignExchange: ex}, nil
	case MsgHtlcSign:
		return &HtlcSign{Htlc{SignExchange: ex}}, nil
	case MsgSettle:
		return &Settle{ex}, nil
	case MsgSettleSign:
		return &SettleSign{ex}, nil
	default:
		return nil, fmt.Errorf("%v is not a signing message", t)
	}
}

// SignType returns the countersign type answering a proposal type, or the
// proposal type answering a countersign.
func SignType(t MessageType) MessageType {
	if t%100 == 0 {
		return t + 1
	}

	return t - 1
}

// Fail rejects a message of its family. The error code and comment travel in
// the header.
type Fail struct {
	Header

	// Type is the *Fail message type.
	Type MessageType
}

// A compile time check to ensure Fail implements the trwire.Message
// interface.
var _ Message = (*Fail)(nil)

// NewFail builds the *Fail reply to msg for the coded error.
func NewFail(msg Message, cerr *CodedError) *Fail {
	hdr := msg.Hdr().Reply()
	hdr.Error = cerr.Code
	hdr.Comments = cerr.Comment

	return &Fail{
		Header: hdr,
		Type:   msg.MsgType().Family().FailType(),
	}
}

// MsgType returns the message type.
func (m *Fail) MsgType() MessageType { return m.Type }

// Err returns the coded error carried by the message.
func (m *Fail) Err() *CodedError {
	return &CodedError{Code: m.Error, Comment: m.Comments}
}
