package peer

import (
	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/chanstate"
	"github.com/trinity-network/trinity/trwire"
)

// ChannelMachine is the part of the channel state machine the dispatcher
// drives.
type ChannelMachine interface {
	// Local returns the endpoint of this wallet.
	Local() trwire.Endpoint

	// NetMagic returns the network tag every message must carry.
	NetMagic() uint32

	// Assets returns the accepted asset types.
	Assets() []string

	// Advance applies a signing message to its channel.
	Advance(msg trwire.SignMessage) (*chanstate.Outcome, error)

	// AcceptRegistration creates the INIT channel of a registration.
	AcceptRegistration(msg *trwire.RegisterChannel) (*channeldb.Channel,
		error)

	// HandleFail undoes the local effects of a rejected message.
	HandleFail(msg *trwire.Fail) error

	// ListChannels returns every channel of the wallet.
	ListChannels() ([]*channeldb.Channel, error)

	// UpdateAlive changes the keep-alive counter of every channel shared
	// with the peer.
	UpdateAlive(peer trwire.Endpoint, change func(uint32) uint32) error
}

// CommitHandler reacts to records committed by the dispatcher, returning
// follow up messages for other peers.
type CommitHandler interface {
	HandleCommit(c *channeldb.Channel,
		rec *channeldb.TxRecord) ([]trwire.Message, error)
}

// HeightSource returns the last chain height reported for an endpoint.
type HeightSource interface {
	TryGetBlockHeight(uri trwire.Endpoint) (uint32, error)
}

// Transport delivers a message to a peer.
type Transport interface {
	SendMessage(to trwire.Endpoint, msg trwire.Message) error
}
