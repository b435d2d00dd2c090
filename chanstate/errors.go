package chanstate

import (
	"errors"

	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/trwire"
)

var (
	// ErrChannelClosed is returned for any message on a CLOSED channel.
	ErrChannelClosed = errors.New("channel is closed")

	// ErrWrongState is returned when the channel's lifecycle state does
	// not allow the requested update.
	ErrWrongState = errors.New("channel state does not allow update")

	// ErrSessionBusy is returned when a proposal is already in flight on
	// the channel.
	ErrSessionBusy = errors.New("proposal already in flight")

	// ErrNoSession is returned for a countersign, commit or ack that does
	// not match an in flight proposal.
	ErrNoSession = errors.New("no matching proposal in flight")

	// ErrBadSignature is returned when a peer signature doesn't verify.
	ErrBadSignature = errors.New("signature verification failed")

	// ErrInvalidDeposit is returned for a registration with a negative or
	// empty deposit.
	ErrInvalidDeposit = errors.New("invalid deposit")

	// ErrBadRole is returned when a message's role doesn't match its type
	// or sender.
	ErrBadRole = errors.New("illegal role")

	// ErrBadMagic is returned for a message of another network.
	ErrBadMagic = errors.New("net magic mismatch")

	// ErrUnknownAsset is returned for an asset this node doesn't accept.
	ErrUnknownAsset = errors.New("unknown asset type")

	// ErrInvalidChannelID is returned for an empty channel id.
	ErrInvalidChannelID = errors.New("invalid channel id")

	// ErrNotMember is returned when a message's sender or receiver is not
	// a party of the channel.
	ErrNotMember = errors.New("endpoint is not a channel member")

	// ErrTemplateMismatch is returned when a proposed template differs
	// from the locally built one.
	ErrTemplateMismatch = errors.New("transaction template mismatch")

	// ErrBalanceMismatch is returned when the proposed balances don't
	// follow from the update.
	ErrBalanceMismatch = errors.New("balance mismatch")

	// ErrInsufficientBalance is returned when the paying side can't cover
	// the amount.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned for a zero or negative payment.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidHTLC is returned for a lock whose payment exceeds its
	// income or whose hash lock is already pending.
	ErrInvalidHTLC = errors.New("invalid htlc")

	// ErrHTLCNotFound is returned when an execution or timeout names no
	// pending lock.
	ErrHTLCNotFound = errors.New("htlc not pending")

	// ErrBadPreimage is returned when a preimage doesn't match the lock.
	ErrBadPreimage = errors.New("preimage does not match hash lock")

	// ErrHTLCNotExpired is returned for a timeout before the lock's
	// timeout height.
	ErrHTLCNotExpired = errors.New("htlc not expired")

	// ErrPendingHTLCs is returned for a settle while locks are pending.
	ErrPendingHTLCs = errors.New("channel has pending htlcs")

	// ErrBroadcast is returned when a transaction couldn't be submitted
	// to the chain.
	ErrBroadcast = errors.New("broadcast failed")
)

// ErrorKind classifies failures by how they are reported and whether state
// may have changed.
type ErrorKind uint8

const (
	// KindInternal covers errors with no better classification.
	KindInternal ErrorKind = iota

	// KindValidation marks malformed input. Nothing is mutated.
	KindValidation

	// KindProtocolState marks a request the channel state forbids.
	// Nothing is mutated.
	KindProtocolState

	// KindSignature marks a failed verification. Nothing is persisted.
	KindSignature

	// KindNotFound marks an absent channel or record.
	KindNotFound

	// KindCorruption marks a record that couldn't be decoded.
	KindCorruption

	// KindBroadcast marks a failed chain submission.
	KindBroadcast
)

// String returns the name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindProtocolState:
		return "ProtocolStateError"
	case KindSignature:
		return "SignatureError"
	case KindNotFound:
		return "StorageNotFound"
	case KindCorruption:
		return "StorageCorruption"
	case KindBroadcast:
		return "BroadcastError"
	default:
		return "InternalError"
	}
}

// FailKind returns the wire failure kind reported for the error kind.
func (k ErrorKind) FailKind() trwire.FailKind {
	switch k {
	case KindValidation:
		return trwire.FailValidation
	case KindProtocolState:
		return trwire.FailProtocolState
	case KindSignature:
		return trwire.FailSignature
	case KindNotFound:
		return trwire.FailNotFound
	case KindBroadcast:
		return trwire.FailBroadcast
	default:
		return trwire.FailUnableToProcess
	}
}

var errorKinds = []struct {
	kind ErrorKind
	errs []error
}{
	{
		kind: KindCorruption,
		errs: []error{channeldb.ErrCorruptRecord},
	},
	{
		kind: KindSignature,
		errs: []error{ErrBadSignature},
	},
	{
		kind: KindBroadcast,
		errs: []error{ErrBroadcast},
	},
	{
		kind: KindNotFound,
		errs: []error{
			channeldb.ErrChannelNotFound, channeldb.ErrTxNotFound,
			channeldb.ErrBlockHeightNotFound,
		},
	},
	{
		kind: KindProtocolState,
		errs: []error{
			ErrChannelClosed, ErrWrongState, ErrSessionBusy,
			ErrNoSession, ErrHTLCNotFound, ErrHTLCNotExpired,
			ErrPendingHTLCs, channeldb.ErrNonceConflict,
			channeldb.ErrDuplicateChannel, channeldb.ErrChainSettled,
			channeldb.ErrInvalidTransition,
			channeldb.ErrChannelNotInit,
		},
	},
	{
		kind: KindValidation,
		errs: []error{
			ErrInvalidDeposit, ErrBadRole, ErrBadMagic,
			ErrUnknownAsset, ErrNotMember, ErrInvalidChannelID,
			ErrTemplateMismatch,
			ErrBalanceMismatch, ErrInsufficientBalance,
			ErrInvalidAmount, ErrInvalidHTLC, ErrBadPreimage,
			trwire.ErrInvalidEndpoint,
		},
	},
}

// Classify returns the kind of err. A nil error is KindInternal.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}

	var coded *trwire.CodedError
	if errors.As(err, &coded) {
		switch coded.Code.Kind() {
		case trwire.FailValidation:
			return KindValidation
		case trwire.FailProtocolState:
			return KindProtocolState
		case trwire.FailSignature:
			return KindSignature
		case trwire.FailNotFound:
			return KindNotFound
		case trwire.FailBroadcast:
			return KindBroadcast
		}
	}

	for _, group := range errorKinds {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.kind
			}
		}
	}

	return KindInternal
}

// CodedError maps err to the coded error sent to the peer for a message of
// the family. Internal and corruption failures carry no detail.
func CodedError(f trwire.Family, err error) *trwire.CodedError {
	kind := Classify(err)
	failKind := kind.FailKind()

	comment := err.Error()
	if failKind == trwire.FailUnableToProcess {
		comment = ""
	}

	return trwire.NewCodedError(f, failKind, comment)
}
