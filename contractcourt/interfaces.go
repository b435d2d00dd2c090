package contractcourt

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/trwire"
)

// ChainIO submits transactions to the chain and builds the script fragments
// their witnesses need.
type ChainIO interface {
	// SendRawTransaction broadcasts the raw transaction with the resolved
	// witness and returns its chain id.
	SendRawTransaction(raw []byte, witness string) (chainhash.Hash, error)

	// BlockheightToScript returns the script push of a chain height.
	BlockheightToScript(height uint32) ([]byte, error)
}

// ChannelLedger tells which record of a channel is authoritative for a
// unilateral close.
type ChannelLedger interface {
	// CommitmentRecord returns the record whose commitment closes the
	// channel legitimately.
	CommitmentRecord(id trwire.ChannelID) (*channeldb.TxRecord, error)
}
