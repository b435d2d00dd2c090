package contractcourt

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/chanstate"
	"github.com/trinity-network/trinity/keychain"
	"github.com/trinity-network/trinity/multimutex"
	"github.com/trinity-network/trinity/trwire"
	"github.com/trinity-network/trinity/txbuilder"
)

const testMagic = 195378745

var testTime = time.Unix(1700000000, 0)

// sentTx is a transaction handed to the mock chain.
type sentTx struct {
	raw     []byte
	witness string
}

// mockChain records submitted transactions. It fails the next failNext
// submissions.
type mockChain struct {
	sync.Mutex

	sent     []sentTx
	failNext int
}

func (m *mockChain) SendRawTransaction(raw []byte,
	witness string) (chainhash.Hash, error) {

	m.Lock()
	defer m.Unlock()

	if m.failNext > 0 {
		m.failNext--
		return chainhash.Hash{}, errors.New("chain node unavailable")
	}
	m.sent = append(m.sent, sentTx{raw: raw, witness: witness})

	return chainhash.DoubleHashH(raw), nil
}

func (m *mockChain) BlockheightToScript(height uint32) ([]byte, error) {
	return []byte{0x03, byte(height), byte(height >> 8),
		byte(height >> 16)}, nil
}

func (m *mockChain) submitted() []sentTx {
	m.Lock()
	defer m.Unlock()

	return append([]sentTx(nil), m.sent...)
}

type testNode struct {
	ep    trwire.Endpoint
	db    *channeldb.DB
	m     *chanstate.Machine
	chain *mockChain
	brar  *BreachArbitrator
}

func newTestNode(t *testing.T, addr string) *testNode {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	n := &testNode{
		ep:    trwire.NewEndpoint(priv.PubKey(), addr),
		db:    channeldb.MakeTestDB(t),
		chain: &mockChain{},
	}
	chanMutex := multimutex.NewMutex[trwire.ChannelID]()

	n.m = chanstate.NewMachine(&chanstate.Config{
		DB:        n.db,
		Local:     n.ep,
		Signer:    &keychain.PrivKeySigner{PrivKey: priv},
		Builder:   txbuilder.New(txbuilder.DefaultDelayBlockHeight),
		NetMagic:  testMagic,
		Assets:    []string{"TNC"},
		ChanMutex: chanMutex,
		Clock:     clock.NewTestClock(testTime),
	})
	n.brar = NewBreachArbitrator(&BreachConfig{
		DB:        n.db,
		Local:     n.ep,
		Ledger:    n.m,
		ChainIO:   n.chain,
		ChanMutex: chanMutex,
	})

	return n
}

// exchange runs a proposal through all four roles.
func exchange(t *testing.T, proposer, peer *testNode,
	msg trwire.SignMessage) {

	t.Helper()

	nodes := map[trwire.Endpoint]*testNode{
		proposer.ep: proposer,
		peer.ep:     peer,
	}

	var next trwire.Message = msg
	for next != nil {
		raw, err := trwire.SerializeMessage(next)
		require.NoError(t, err)
		decoded, err := trwire.DeserializeMessage(raw)
		require.NoError(t, err)

		signMsg, ok := decoded.(trwire.SignMessage)
		require.True(t, ok)

		out, err := nodes[signMsg.Hdr().Receiver].m.Advance(signMsg)
		require.NoError(t, err)

		next = out.Reply
	}
}

// openChannel funds a 20/20 channel founded by a and pays payments single
// units from a to b, so the chain ends at nonce payments.
func openChannel(t *testing.T, a, b *testNode,
	payments int) trwire.ChannelID {

	t.Helper()

	c, reg, err := a.m.Register(b.ep, "TNC", 20, 20)
	require.NoError(t, err)
	_, err = b.m.AcceptRegistration(reg)
	require.NoError(t, err)

	msg, err := a.m.ProposeFunding(c.ID)
	require.NoError(t, err)
	exchange(t, a, b, msg)

	for i := 0; i < payments; i++ {
		msg, err := a.m.ProposeRsmc(c.ID, 1)
		require.NoError(t, err)
		exchange(t, a, b, msg)
	}

	return c.ID
}

func requireState(t *testing.T, n *testNode, id trwire.ChannelID,
	state channeldb.ChannelState) {

	t.Helper()

	c, err := n.m.TryGetChannel(id)
	require.NoError(t, err)
	require.Equal(t, state, c.State)
}

// TestBreachRemedy has the counterparty broadcast C3 of a channel at nonce
// 5. The breach remedy fails to broadcast at first and is submitted once C5
// shows up within the window.
func TestBreachRemedy(t *testing.T) {
	t.Parallel()

	a := newTestNode(t, "127.0.0.1:20001")
	b := newTestNode(t, "127.0.0.1:20002")
	id := openChannel(t, a, b, 5)

	c3, err := a.m.TryGetTransaction(id, 3)
	require.NoError(t, err)
	c5, err := a.m.TryGetTransaction(id, 5)
	require.NoError(t, err)
	require.NotEqual(t, c3.MonitorTxID, c5.MonitorTxID)

	a.chain.failNext = 1
	err = a.brar.NotifyTransaction(c3.MonitorTxID, 100)
	require.ErrorIs(t, err, chanstate.ErrBroadcast)
	requireState(t, a, id, channeldb.ChanStateClosing)

	events, err := a.db.FetchBlockEvents(1100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, uint64(3), events[0].Nonce)
	require.Equal(t, channeldb.BlockEventRevocable, events[0].Type)
	require.False(t, events[0].Remedied)

	// The authoritative commitment supersedes C3 before the window
	// closes.
	require.NoError(t, a.brar.NotifyTransaction(c5.MonitorTxID, 150))

	sent := a.chain.submitted()
	require.Len(t, sent, 1)

	// a founded the channel, so the remedy against the partner is the one
	// paying a.
	remedy, ok := c3.Tx(trwire.TxBreachRemedyPartner)
	require.True(t, ok)
	require.Equal(t, remedy.Template.RawData, sent[0].raw)
	require.Equal(t, hex.EncodeToString(remedy.FounderSig)+" "+
		hex.EncodeToString(remedy.PartnerSig), sent[0].witness)

	events, err = a.db.FetchBlockEvents(1100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Remedied)

	require.Equal(t, 1.0, testutil.ToFloat64(a.brar.metrics.breachRemedies))
	require.Equal(t, 1.0, testutil.ToFloat64(
		a.brar.metrics.broadcastFailures.WithLabelValues(
			trwire.TxBreachRemedyPartner.String(),
		),
	))

	// Seeing C3 again doesn't submit another remedy.
	require.NoError(t, a.brar.NotifyTransaction(c3.MonitorTxID, 160))
	require.Len(t, a.chain.submitted(), 1)

	// The window of C3 elapses and closes the channel. The C5 event is
	// dropped once it is due.
	require.NoError(t, a.brar.AddBlockHeight(a.ep, 1100))
	requireState(t, a, id, channeldb.ChanStateClosed)

	require.NoError(t, a.brar.AddBlockHeight(a.ep, 1150))
	events, err = a.db.ChannelBlockEvents(id)
	require.NoError(t, err)
	require.Empty(t, events)
	require.Len(t, a.chain.submitted(), 1)
}

// TestImmediateBreachRemedy checks a stale broadcast is remedied as soon as
// it is seen.
func TestImmediateBreachRemedy(t *testing.T) {
	t.Parallel()

	a := newTestNode(t, "127.0.0.1:20001")
	b := newTestNode(t, "127.0.0.1:20002")
	id := openChannel(t, b, a, 2)

	c0, err := a.m.TryGetTransaction(id, 0)
	require.NoError(t, err)

	require.NoError(t, a.brar.NotifyTransaction(c0.MonitorTxID, 10))

	sent := a.chain.submitted()
	require.Len(t, sent, 1)

	// a is the partner here, so its own signature comes first.
	remedy, ok := c0.Tx(trwire.TxBreachRemedy)
	require.True(t, ok)
	require.Equal(t, hex.EncodeToString(remedy.PartnerSig)+" "+
		hex.EncodeToString(remedy.FounderSig), sent[0].witness)

	events, err := a.db.ChannelBlockEvents(id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Remedied)
	require.Equal(t, uint32(1010), events[0].TargetHeight)
}

// TestBreachRemedyPayout checks the remedy hands the whole channel to the
// honest party instead of the stale split of the revoked commitment.
func TestBreachRemedyPayout(t *testing.T) {
	t.Parallel()

	a := newTestNode(t, "127.0.0.1:20001")
	b := newTestNode(t, "127.0.0.1:20002")
	id := openChannel(t, a, b, 5)

	c3, err := a.m.TryGetTransaction(id, 3)
	require.NoError(t, err)
	require.Equal(t, trwire.Amount(17), c3.FounderBalance)
	require.Equal(t, trwire.Amount(23), c3.PartnerBalance)

	remedyBody := func(kind trwire.TxKind, founder,
		partner trwire.Amount) []byte {

		var raw bytes.Buffer
		err := trwire.WriteElements(&raw,
			kind, id, uint64(3), trwire.TxCommitment, "TNC",
			a.ep, b.ep, founder, partner, uint32(0),
		)
		require.NoError(t, err)

		return raw.Bytes()
	}

	// The partner broadcasts C3, the founder takes all 40.
	require.NoError(t, a.brar.NotifyTransaction(c3.MonitorTxID, 100))
	sent := a.chain.submitted()
	require.Len(t, sent, 1)
	require.Equal(t, remedyBody(trwire.TxBreachRemedyPartner, 40, 0),
		sent[0].raw)

	stale := remedyBody(trwire.TxBreachRemedyPartner, 17, 23)
	require.NotEqual(t, stale, sent[0].raw)

	// The partner's copy of C3 carries the mirrored remedy, paying it all
	// when the founder breaches.
	theirs, err := b.m.TryGetTransaction(id, 3)
	require.NoError(t, err)
	require.NoError(t, b.brar.NotifyTransaction(theirs.MonitorTxID, 100))
	sent = b.chain.submitted()
	require.Len(t, sent, 1)
	require.Equal(t, remedyBody(trwire.TxBreachRemedy, 0, 40),
		sent[0].raw)
}

// TestUnremediedBreachStaysClosing checks a breach whose remedy never made
// it to the chain keeps the channel CLOSING after the window elapses, so it
// can still be remedied.
func TestUnremediedBreachStaysClosing(t *testing.T) {
	t.Parallel()

	a := newTestNode(t, "127.0.0.1:20001")
	b := newTestNode(t, "127.0.0.1:20002")
	id := openChannel(t, a, b, 3)

	c1, err := a.m.TryGetTransaction(id, 1)
	require.NoError(t, err)

	a.chain.failNext = 1
	err = a.brar.NotifyTransaction(c1.MonitorTxID, 100)
	require.ErrorIs(t, err, chanstate.ErrBroadcast)

	require.NoError(t, a.brar.AddBlockHeight(a.ep, 1100))
	requireState(t, a, id, channeldb.ChanStateClosing)
	require.Equal(t, 1.0, testutil.ToFloat64(
		a.brar.metrics.unremediedBreaches,
	))

	events, err := a.db.ChannelBlockEvents(id)
	require.NoError(t, err)
	require.Empty(t, events)
	require.Empty(t, a.chain.submitted())

	// The remedy can still be submitted.
	require.NoError(t, a.brar.TriggerBreachRemedyTransaction(id, 1, 100))
	sent := a.chain.submitted()
	require.Len(t, sent, 1)

	remedy, ok := c1.Tx(trwire.TxBreachRemedyPartner)
	require.True(t, ok)
	require.Equal(t, remedy.Template.RawData, sent[0].raw)
}

// TestForceClose broadcasts the latest commitment and completes the close
// with the revocable delivery once its delay elapsed.
func TestForceClose(t *testing.T) {
	t.Parallel()

	a := newTestNode(t, "127.0.0.1:20001")
	b := newTestNode(t, "127.0.0.1:20002")
	id := openChannel(t, a, b, 2)

	require.NoError(t, a.brar.AddBlockHeight(a.ep, 190))

	watch, err := a.brar.ForceClose(id)
	require.NoError(t, err)
	require.Equal(t, uint64(2), watch.Nonce)
	require.Len(t, watch.MonitorTxIDs, 3)
	require.Empty(t, watch.Events)
	requireState(t, a, id, channeldb.ChanStateClosing)

	latest, err := a.m.TryGetTransaction(id, 2)
	require.NoError(t, err)
	require.Equal(t, latest.MonitorTxID, watch.MonitorTxIDs[2])

	commit, ok := latest.Tx(trwire.TxCommitment)
	require.True(t, ok)
	sent := a.chain.submitted()
	require.Len(t, sent, 1)
	require.Equal(t, commit.Template.RawData, sent[0].raw)

	// The commitment is seen on chain, the revocable delivery matures
	// DelayBlockHeight blocks later.
	require.NoError(t, a.brar.NotifyTransaction(latest.MonitorTxID, 200))

	require.NoError(t, a.brar.AddBlockHeight(a.ep, 1199))
	require.Len(t, a.chain.submitted(), 1)
	requireState(t, a, id, channeldb.ChanStateClosing)

	require.NoError(t, a.brar.AddBlockHeight(a.ep, 1200))
	requireState(t, a, id, channeldb.ChanStateClosed)

	sent = a.chain.submitted()
	require.Len(t, sent, 2)

	revocable, ok := latest.Tx(trwire.TxRevocable)
	require.True(t, ok)
	require.Equal(t, revocable.Template.RawData, sent[1].raw)

	script, err := a.chain.BlockheightToScript(200)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(
		sent[1].witness, hex.EncodeToString(script)+" ",
	))
	require.NotContains(t, sent[1].witness, "{")
	require.Equal(t, 1.0, testutil.ToFloat64(a.brar.metrics.revocableSpends))

	_, err = a.brar.ForceClose(id)
	require.ErrorIs(t, err, chanstate.ErrChannelClosed)

	// Later broadcasts of a closed channel are ignored.
	require.NoError(t, a.brar.NotifyTransaction(latest.MonitorTxID, 1300))
}

// TestForceCloseBroadcastFailure checks a failed broadcast leaves the
// channel untouched.
func TestForceCloseBroadcastFailure(t *testing.T) {
	t.Parallel()

	a := newTestNode(t, "127.0.0.1:20001")
	b := newTestNode(t, "127.0.0.1:20002")
	id := openChannel(t, a, b, 0)

	a.chain.failNext = 1
	_, err := a.brar.ForceClose(id)
	require.ErrorIs(t, err, chanstate.ErrBroadcast)
	require.Equal(t, chanstate.KindBroadcast, chanstate.Classify(err))
	requireState(t, a, id, channeldb.ChanStateOpen)

	c, reg, err := a.m.Register(b.ep, "TNC", 5, 5)
	require.NoError(t, err)
	_, err = b.m.AcceptRegistration(reg)
	require.NoError(t, err)

	_, err = a.brar.ForceClose(c.ID)
	require.ErrorIs(t, err, chanstate.ErrWrongState)
}

// TestSettleObserved checks a mutual settle completes the close once it
// reaches the chain.
func TestSettleObserved(t *testing.T) {
	t.Parallel()

	a := newTestNode(t, "127.0.0.1:20001")
	b := newTestNode(t, "127.0.0.1:20002")
	id := openChannel(t, a, b, 1)

	msg, err := a.m.ProposeSettle(id)
	require.NoError(t, err)
	exchange(t, a, b, msg)
	requireState(t, a, id, channeldb.ChanStateClosing)

	settle, err := a.m.TryGetTransaction(id, 2)
	require.NoError(t, err)
	require.Equal(t, trwire.TxSettle, settle.Type)

	require.NoError(t, a.brar.NotifyTransaction(settle.MonitorTxID, 50))
	requireState(t, a, id, channeldb.ChanStateClosed)
	require.Empty(t, a.chain.submitted())

	// Unknown transactions are ignored.
	require.NoError(t, a.brar.NotifyTransaction(chainhash.Hash{9}, 50))
}

// TestBlockHeightLastWriteWins checks the last reported height is kept even
// when it is lower.
func TestBlockHeightLastWriteWins(t *testing.T) {
	t.Parallel()

	a := newTestNode(t, "127.0.0.1:20001")

	_, err := a.brar.TryGetBlockHeight(a.ep)
	require.ErrorIs(t, err, channeldb.ErrBlockHeightNotFound)

	for _, height := range []uint32{123456, 123457} {
		require.NoError(t, a.brar.AddBlockHeight(a.ep, height))
	}
	height, err := a.brar.TryGetBlockHeight(a.ep)
	require.NoError(t, err)
	require.Equal(t, uint32(123457), height)

	require.NoError(t, a.brar.AddBlockHeight(a.ep, 100))
	height, err = a.brar.TryGetBlockHeight(a.ep)
	require.NoError(t, err)
	require.Equal(t, uint32(100), height)
}
