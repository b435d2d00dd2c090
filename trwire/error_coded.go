package trwire

import "fmt"

// Family groups the message types of one protocol phase. Each family owns a
// block of one hundred message types and error codes.
type Family uint8

const (
	// FamilyUnknown is the zero family.
	FamilyUnknown Family = 0

	// FamilyRegister covers channel registration.
	FamilyRegister Family = 1

	// FamilyFounder covers the funding exchange.
	FamilyFounder Family = 2

	// FamilyRsmc covers commitment balance updates.
	FamilyRsmc Family = 3

	// FamilyHtlc covers hashed time locked payments.
	FamilyHtlc Family = 4

	// FamilySettle covers mutual channel closure.
	FamilySettle Family = 5

	// FamilyControl covers keep-alive and wallet queries.
	FamilyControl Family = 6
)

// String returns the family name.
func (f Family) String() string {
	switch f {
	case FamilyRegister:
		return "RegisterChannel"
	case FamilyFounder:
		return "Founder"
	case FamilyRsmc:
		return "Rsmc"
	case FamilyHtlc:
		return "Htlc"
	case FamilySettle:
		return "Settle"
	case FamilyControl:
		return "Control"
	default:
		return "Unknown"
	}
}

// FailType returns the *Fail message type a peer receives when a message of
// this family is rejected.
func (f Family) FailType() MessageType {
	if f == FamilyUnknown {
		return 0
	}

	return MessageType(f)*100 + 2
}

// Code returns the error code of the given failure kind within the family.
func (f Family) Code(kind FailKind) ErrorCode {
	return ErrorCode(uint16(f)*100 + uint16(kind))
}

// FailKind is the offset of an error code within its family block.
type FailKind uint8

const (
	// FailValidation marks malformed input: endpoint, asset, channel id,
	// magic, nonce or role.
	FailValidation FailKind = 1

	// FailProtocolState marks a request the channel's state does not
	// allow: nonce conflicts, duplicate or closed channels.
	FailProtocolState FailKind = 2

	// FailSignature marks a signature that did not verify.
	FailSignature FailKind = 3

	// FailNotFound marks a missing channel or transaction.
	FailNotFound FailKind = 4

	// FailBroadcast marks a failed chain submission.
	FailBroadcast FailKind = 5

	// FailUnableToProcess is returned for internal failures whose detail
	// is not shared with the peer.
	FailUnableToProcess FailKind = 9
)

// String returns a short description of the kind.
func (k FailKind) String() string {
	switch k {
	case FailValidation:
		return "validation error"
	case FailProtocolState:
		return "protocol state error"
	case FailSignature:
		return "signature error"
	case FailNotFound:
		return "not found"
	case FailBroadcast:
		return "broadcast error"
	case FailUnableToProcess:
		return "unable to process"
	default:
		return "unknown failure"
	}
}

// ErrorCode is the namespaced code carried by *Fail messages. A zero code
// means no error.
type ErrorCode uint16

// Family returns the family the code belongs to.
func (c ErrorCode) Family() Family {
	return Family(c / 100)
}

// Kind returns the failure kind encoded in the code.
func (c ErrorCode) Kind() FailKind {
	return FailKind(c % 100)
}

// String returns a human readable form of the code.
func (c ErrorCode) String() string {
	if c == 0 {
		return "ok"
	}

	return fmt.Sprintf("%v %v (%d)", c.Family(), c.Kind(), uint16(c))
}

// CodedError is an error paired with the code sent to the peer. Comment is
// the only text that leaves the node.
type CodedError struct {
	Code    ErrorCode
	Comment string
}

// NewCodedError creates a coded error for the family and kind.
func NewCodedError(f Family, kind FailKind, comment string) *CodedError {
	return &CodedError{
		Code:    f.Code(kind),
		Comment: comment,
	}
}

// Error returns the code and comment.
//
// NOTE: Part of the error interface.
func (e *CodedError) Error() string {
	if e.Comment == "" {
		return e.Code.String()
	}

	return fmt.Sprintf("%v: %v", e.Code, e.Comment)
}
