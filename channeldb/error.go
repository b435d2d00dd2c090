package channeldb

import "errors"

var (
	// ErrMetaNotFound is returned when the meta bucket hasn't been
	// created.
	ErrMetaNotFound = errors.New("unable to locate meta information")

	// ErrDBReversion is returned when the database was written by a newer
	// version of the software.
	ErrDBReversion = errors.New("channel db cannot revert to prior " +
		"version")

	// ErrChannelNotFound is returned when a channel id has no record.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrDuplicateChannel is returned when creating a channel whose id is
	// already taken.
	ErrDuplicateChannel = errors.New("channel already exists")

	// ErrChannelNotInit is returned when deleting a channel that has left
	// the INIT state.
	ErrChannelNotInit = errors.New("only INIT channels can be deleted")

	// ErrInvalidTransition is returned when a channel update would move
	// the lifecycle state backwards.
	ErrInvalidTransition = errors.New("invalid channel state transition")

	// ErrTxNotFound is returned when no record exists at a nonce or for a
	// monitored txid.
	ErrTxNotFound = errors.New("transaction record not found")

	// ErrNonceConflict is returned when appending at a nonce that is
	// already taken or isn't the next one in the chain.
	ErrNonceConflict = errors.New("nonce conflict")

	// ErrChainSettled is returned when appending after a SETTLE record.
	ErrChainSettled = errors.New("nonce chain is settled")

	// ErrNotCountersigned is returned when appending a record missing a
	// signature from either party.
	ErrNotCountersigned = errors.New("record is not countersigned")

	// ErrBlockHeightNotFound is returned when no height was reported for
	// an endpoint.
	ErrBlockHeightNotFound = errors.New("block height not found")

	// ErrCorruptRecord wraps every deserialization failure.
	ErrCorruptRecord = errors.New("corrupt record")
)
