package chanstate

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/keychain"
	"github.com/trinity-network/trinity/trwire"
	"github.com/trinity-network/trinity/txbuilder"
)

const testMagic = 195378745

var testTime = time.Unix(1700000000, 0)

type testNode struct {
	m      *Machine
	db     *channeldb.DB
	ep     trwire.Endpoint
	height uint32
}

func newTestNode(t *testing.T, addr string) *testNode {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	n := &testNode{
		db: channeldb.MakeTestDB(t),
		ep: trwire.NewEndpoint(priv.PubKey(), addr),
	}
	n.m = NewMachine(&Config{
		DB:       n.db,
		Local:    n.ep,
		Signer:   &keychain.PrivKeySigner{PrivKey: priv},
		Builder:  txbuilder.New(txbuilder.DefaultDelayBlockHeight),
		NetMagic: testMagic,
		Assets:   []string{"TNC"},
		BestHeight: func() (uint32, error) {
			return n.height, nil
		},
		Clock: clock.NewTestClock(testTime),
	})

	return n
}

// wire sends msg through the wire codec.
func wire[T trwire.Message](t *testing.T, msg trwire.Message) T {
	t.Helper()

	raw, err := trwire.SerializeMessage(msg)
	require.NoError(t, err)

	out, err := trwire.DeserializeMessage(raw)
	require.NoError(t, err)

	typed, ok := out.(T)
	require.True(t, ok, "unexpected %T", out)

	return typed
}

// exchangeResult holds every step of a completed signing exchange.
type exchangeResult struct {
	proposal    trwire.SignMessage
	countersign *Outcome
	commit      *Outcome
	ack         *Outcome
	final       *Outcome
}

// exchange runs the four roles of a proposal between the two nodes.
func exchange(t *testing.T, proposer, peer *testNode,
	msg trwire.SignMessage) *exchangeResult {

	t.Helper()

	res := &exchangeResult{proposal: msg}

	var err error
	res.countersign, err = peer.m.Advance(
		wire[trwire.SignMessage](t, msg),
	)
	require.NoError(t, err)
	require.Nil(t, res.countersign.Committed)

	res.commit, err = proposer.m.Advance(
		wire[trwire.SignMessage](t, res.countersign.Reply),
	)
	require.NoError(t, err)
	require.NotNil(t, res.commit.Committed)

	res.ack, err = peer.m.Advance(
		wire[trwire.SignMessage](t, res.commit.Reply),
	)
	require.NoError(t, err)
	require.NotNil(t, res.ack.Committed)

	res.final, err = proposer.m.Advance(
		wire[trwire.SignMessage](t, res.ack.Reply),
	)
	require.NoError(t, err)
	require.Nil(t, res.final.Reply)

	return res
}

// openChannel registers and funds a TNC channel founded by a.
func openChannel(t *testing.T, a, b *testNode, founderDeposit,
	partnerDeposit trwire.Amount) trwire.ChannelID {

	t.Helper()

	c, reg, err := a.m.Register(
		b.ep, "TNC", founderDeposit, partnerDeposit,
	)
	require.NoError(t, err)

	_, err = b.m.AcceptRegistration(
		wire[*trwire.RegisterChannel](t, reg),
	)
	require.NoError(t, err)

	msg, err := a.m.ProposeFunding(c.ID)
	require.NoError(t, err)
	exchange(t, a, b, msg)

	return c.ID
}

// requireBalances checks both nodes agree on the channel's balances.
func requireBalances(t *testing.T, id trwire.ChannelID, founder,
	partner trwire.Amount, nodes ...*testNode) {

	t.Helper()

	for _, n := range nodes {
		c, err := n.m.TryGetChannel(id)
		require.NoError(t, err)
		require.Equal(t, founder, c.FounderBalance, n.ep)
		require.Equal(t, partner, c.PartnerBalance, n.ep)
	}
}
