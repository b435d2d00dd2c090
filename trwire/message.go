package trwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMsgBody is the largest payload any message may carry.
const MaxMsgBody = 1 << 20

// MessageType is the unique 2 byte big-endian integer that indicates the type
// of message on the wire. The hundreds digit names the message family, so a
// type and the error codes of its family share a range.
type MessageType uint16

// The currently defined message types of the trinity channel protocol.
const (
	MsgRegisterChannel     MessageType = 100
	MsgRegisterChannelFail MessageType = 102

	MsgFounder     MessageType = 200
	MsgFounderSign MessageType = 201
	MsgFounderFail MessageType = 202

	MsgRsmc     MessageType = 300
	MsgRsmcSign MessageType = 301
	MsgRsmcFail MessageType = 302

	MsgHtlc     MessageType = 400
	MsgHtlcSign MessageType = 401
	MsgHtlcFail MessageType = 402

	MsgSettle     MessageType = 500
	MsgSettleSign MessageType = 501
	MsgSettleFail MessageType = 502

	MsgRegisterKeepAlive MessageType = 600
	MsgKeepAliveAck      MessageType = 601
	MsgControlFail       MessageType = 602
	MsgSyncWalletData    MessageType = 603
	MsgWalletInfo        MessageType = 604
	MsgGetChannelList    MessageType = 605
	MsgChannelList       MessageType = 606
)

// String return the string representation of message type.
func (t MessageType) String() string {
	switch t {
	case MsgRegisterChannel:
		return "RegisterChannel"
	case MsgRegisterChannelFail:
		return "RegisterChannelFail"
	case MsgFounder:
		return "Founder"
	case MsgFounderSign:
		return "FounderSign"
	case MsgFounderFail:
		return "FounderFail"
	case MsgRsmc:
		return "Rsmc"
	case MsgRsmcSign:
		return "RsmcSign"
	case MsgRsmcFail:
		return "RsmcFail"
	case MsgHtlc:
		return "Htlc"
	case MsgHtlcSign:
		return "HtlcSign"
	case MsgHtlcFail:
		return "HtlcFail"
	case MsgSettle:
		return "Settle"
	case MsgSettleSign:
		return "SettleSign"
	case MsgSettleFail:
		return "SettleFail"
	case MsgControlFail:
		return "ControlFail"
	case MsgRegisterKeepAlive:
		return "RegisterKeepAlive"
	case MsgKeepAliveAck:
		return "KeepAliveAck"
	case MsgSyncWalletData:
		return "SyncWalletData"
	case MsgWalletInfo:
		return "WalletInfo"
	case MsgGetChannelList:
		return "GetChannelList"
	case MsgChannelList:
		return "ChannelList"
	default:
		return "<unknown>"
	}
}

// Family returns the message family the type belongs to.
func (t MessageType) Family() Family {
	return Family(t / 100)
}

// IsFail reports whether the type is one of the *Fail responses.
func (t MessageType) IsFail() bool {
	return t == t.Family().FailType()
}

// UnknownMessage is an implementation of the error interface that allows the
// creation of an error in response to an unknown message.
type UnknownMessage struct {
	messageType MessageType
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (u *UnknownMessage) Error() string {
	return fmt.Sprintf("unable to parse message of unknown type: %v",
		u.messageType)
}

// Message is an interface that defines a trinity wire protocol message. Every
// message shares the envelope Header and carries a body specific to its type.
type Message interface {
	// MsgType returns the type that selects the handler of the message.
	MsgType() MessageType

	// Hdr returns the message envelope.
	Hdr() *Header

	// Encode writes the envelope and body to the buffer.
	Encode(w *bytes.Buffer) error

	// Decode reads the envelope and body from the reader.
	Decode(r io.Reader) error
}

// makeEmptyMessage creates a new empty message of the proper concrete type
// based on the passed message type.
func makeEmptyMessage(msgType MessageType) (Message, error) {
	var msg Message

	switch msgType {
	case MsgRegisterChannel:
		msg = &RegisterChannel{}
	case MsgFounder:
		msg = &Founder{}
	case MsgFounderSign:
		msg = &FounderSign{}
	case MsgRsmc:
		msg = &Rsmc{}
	case MsgRsmcSign:
		msg = &RsmcSign{}
	case MsgHtlc:
		msg = &Htlc{}
	case MsgHtlcSign:
		msg = &HtlcSign{}
	case MsgSettle:
		msg = &Settle{}
	case MsgSettleSign:
		msg = &SettleSign{}
	case MsgRegisterChannelFail, MsgFounderFail, MsgRsmcFail,
		MsgHtlcFail, MsgSettleFail, MsgControlFail:

		msg = &Fail{Type: msgType}
	case MsgRegisterKeepAlive:
		msg = &RegisterKeepAlive{}
	case MsgKeepAliveAck:
		msg = &KeepAliveAck{}
	case MsgSyncWalletData:
		msg = &SyncWalletData{}
	case MsgWalletInfo:
		msg = &WalletInfo{}
	case MsgGetChannelList:
		msg = &GetChannelList{}
	case MsgChannelList:
		msg = &ChannelList{}
	default:
		return nil, &UnknownMessage{msgType}
	}

	return msg, nil
}

// WriteMessage writes a trinity message to a buffer, prefixed by its type.
// It returns the number of bytes written. If the payload exceeds MaxMsgBody
// the buffer is left untouched.
func WriteMessage(buf *bytes.Buffer, msg Message) (int, error) {
	oldByteSize := buf.Len()

	var cleanBrokenBytes = func(b *bytes.Buffer) int {
		b.Truncate(oldByteSize)
		return 0
	}

	var mType [2]byte
	binary.BigEndian.PutUint16(mType[:], uint16(msg.MsgType()))
	msgTypeBytes, err := buf.Write(mType[:])
	if err != nil {
		return cleanBrokenBytes(buf), fmt.Errorf("failed to write "+
			"message type, got %w", err)
	}

	if err := msg.Encode(buf); err != nil {
		return cleanBrokenBytes(buf), fmt.Errorf("failed to encode "+
			"message to buffer, got %w", err)
	}

	lenp := buf.Len() - oldByteSize - msgTypeBytes
	if lenp > MaxMsgBody {
		return cleanBrokenBytes(buf), fmt.Errorf("message payload is "+
			"too large - encoded %d bytes, but maximum message "+
			"payload is %d bytes", lenp, MaxMsgBody)
	}

	return buf.Len() - oldByteSize, nil
}

// ReadMessage reads, validates, and parses the next trinity message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var mType [2]byte
	if _, err := io.ReadFull(r, mType[:]); err != nil {
		return nil, err
	}

	msgType := MessageType(binary.BigEndian.Uint16(mType[:]))

	msg, err := makeEmptyMessage(msgType)
	if err != nil {
		return nil, err
	}
	if err := msg.Decode(r); err != nil {
		return nil, err
	}

	return msg, nil
}

// SerializeMessage is a convenience wrapper around WriteMessage returning the
// encoded bytes.
func SerializeMessage(msg Message) ([]byte, error) {
	var b bytes.Buffer
	if _, err := WriteMessage(&b, msg); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// DeserializeMessage parses a complete encoded message.
func DeserializeMessage(raw []byte) (Message, error) {
	return ReadMessage(bytes.NewReader(raw))
}
