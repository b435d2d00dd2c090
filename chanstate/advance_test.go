package chanstate

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/hashlock"
	"github.com/trinity-network/trinity/trwire"
)

// TestFullExchange opens a channel and runs payments both ways, checking
// both ledgers hold the same gap free chain.
func TestFullExchange(t *testing.T) {
	t.Parallel()

	a := newTestNode(t, "127.0.0.1:20553")
	b := newTestNode(t, "127.0.0.1:20554")
	id := openChannel(t, a, b, 10, 10)

	for _, n := range []*testNode{a, b} {
		c, err := n.m.TryGetChannel(id)
		require.NoError(t, err)
		require.Equal(t, channeldb.ChanStateOpen, c.State)

		rec, err := n.m.TryGetTransaction(id, 0)
		require.NoError(t, err)
		require.Equal(t, trwire.TxFunding, rec.Type)
		require.True(t, rec.IsFounder)
		require.True(t, rec.IsCountersigned())
		require.Equal(t, channeldb.TxSigned, rec.State)
	}

	msg, err := a.m.ProposeRsmc(id, 3)
	require.NoError(t, err)
	res := exchange(t, a, b, msg)
	require.Equal(t, uint64(1), res.commit.Committed.Nonce)
	requireBalances(t, id, 7, 13, a, b)

	msg, err = b.m.ProposeRsmc(id, 2)
	require.NoError(t, err)
	exchange(t, b, a, msg)
	requireBalances(t, id, 9, 11, a, b)

	_, err = a.m.ProposeRsmc(id, 10)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = a.m.ProposeRsmc(id, 0)
	require.ErrorIs(t, err, ErrInvalidAmount)

	aRecs, err := a.db.FetchTxs(id)
	require.NoError(t, err)
	bRecs, err := b.db.FetchTxs(id)
	require.NoError(t, err)
	require.Len(t, aRecs, 3)
	require.Len(t, bRecs, 3)
	for i := range aRecs {
		require.Equal(t, uint64(i), aRecs[i].Nonce)
		require.Equal(t, aRecs[i].MonitorTxID, bRecs[i].MonitorTxID)
		require.Equal(t, aRecs[i].Bundle, bRecs[i].Bundle)
	}
	require.False(t, aRecs[2].IsFounder)
}

// TestIdempotentRedelivery checks a message delivered again after it was
// applied gets the original reply and leaves the ledger alone.
func TestIdempotentRedelivery(t *testing.T) {
	t.Parallel()

	a := newTestNode(t, "127.0.0.1:20553")
	b := newTestNode(t, "127.0.0.1:20554")
	id := openChannel(t, a, b, 10, 10)

	msg, err := a.m.ProposeRsmc(id, 4)
	require.NoError(t, err)

	// A repeated proposal before the commit is countersigned again.
	first, err := b.m.Advance(wire[trwire.SignMessage](t, msg))
	require.NoError(t, err)
	again, err := b.m.Advance(wire[trwire.SignMessage](t, msg))
	require.NoError(t, err)
	require.Equal(
		t, first.Reply.(trwire.SignMessage).Exchange(),
		again.Reply.(trwire.SignMessage).Exchange(),
	)

	commit, err := a.m.Advance(
		wire[trwire.SignMessage](t, first.Reply),
	)
	require.NoError(t, err)
	ack, err := b.m.Advance(wire[trwire.SignMessage](t, commit.Reply))
	require.NoError(t, err)

	latestA, err := a.db.LatestTx(id)
	require.NoError(t, err)
	latestB, err := b.db.LatestTx(id)
	require.NoError(t, err)

	// Every role delivered a second time is answered without touching
	// the ledger.
	replay, err := b.m.Advance(wire[trwire.SignMessage](t, msg))
	require.NoError(t, err)
	require.Nil(t, replay.Committed)
	require.Equal(
		t, first.Reply.(trwire.SignMessage).Exchange(),
		replay.Reply.(trwire.SignMessage).Exchange(),
	)

	replay, err = a.m.Advance(wire[trwire.SignMessage](t, first.Reply))
	require.NoError(t, err)
	require.Nil(t, replay.Committed)
	require.Equal(t, trwire.RoleCommit,
		replay.Reply.(trwire.SignMessage).Exchange().Role)

	replay, err = b.m.Advance(wire[trwire.SignMessage](t, commit.Reply))
	require.NoError(t, err)
	require.Nil(t, replay.Committed)
	require.Equal(t, ack.Reply.MsgType(), replay.Reply.MsgType())

	replay, err = a.m.Advance(wire[trwire.SignMessage](t, ack.Reply))
	require.NoError(t, err)
	require.Nil(t, replay.Reply)

	for _, n := range []*testNode{a, b} {
		latest, err := n.db.LatestTx(id)
		require.NoError(t, err)
		require.Equal(t, uint64(1), latest.Nonce)
	}
	again2, err := a.db.LatestTx(id)
	require.NoError(t, err)
	require.Equal(t, latestA, again2)
	again3, err := b.db.LatestTx(id)
	require.NoError(t, err)
	require.Equal(t, latestB, again3)
	requireBalances(t, id, 6, 14, a, b)

	// A different proposal at the committed nonce conflicts.
	other, err := a.m.ProposeRsmc(id, 1)
	require.NoError(t, err)
	other.Hdr().TxNonce = 1
	_, err = b.m.Advance(wire[trwire.SignMessage](t, other))
	require.ErrorIs(t, err, channeldb.ErrNonceConflict)
	require.Equal(t, KindProtocolState, Classify(err))
}

// TestAdvanceValidation checks each rejected proposal leaves no session or
// record behind.
func TestAdvanceValidation(t *testing.T) {
	t.Parallel()

	a := newTestNode(t, "127.0.0.1:20553")
	b := newTestNode(t, "127.0.0.1:20554")
	id := openChannel(t, a, b, 10, 10)

	fresh := func() trwire.SignMessage {
		a.m.dropSession(id)
		msg, err := a.m.ProposeRsmc(id, 1)
		require.NoError(t, err)

		return wire[trwire.SignMessage](t, msg)
	}

	testCases := []struct {
		name   string
		tamper func(trwire.SignMessage)
		err    error
		kind   ErrorKind
	}{
		{
			name: "net magic",
			tamper: func(m trwire.SignMessage) {
				m.Hdr().NetMagic++
			},
			err:  ErrBadMagic,
			kind: KindValidation,
		},
		{
			name: "role",
			tamper: func(m trwire.SignMessage) {
				m.Exchange().Role = trwire.RoleAck
			},
			err:  ErrBadRole,
			kind: KindValidation,
		},
		{
			name: "nonce gap",
			tamper: func(m trwire.SignMessage) {
				m.Hdr().TxNonce = 7
			},
			err:  channeldb.ErrNonceConflict,
			kind: KindProtocolState,
		},
		{
			name: "balance",
			tamper: func(m trwire.SignMessage) {
				m.Exchange().FounderBalance++
			},
			err:  ErrBalanceMismatch,
			kind: KindValidation,
		},
		{
			name: "signature",
			tamper: func(m trwire.SignMessage) {
				slot := &m.Exchange().Txs[0]
				slot.Sig = append([]byte(nil), slot.Sig...)
				slot.Sig[len(slot.Sig)-1] ^= 0x01
			},
			err:  ErrBadSignature,
			kind: KindSignature,
		},
		{
			name: "template",
			tamper: func(m trwire.SignMessage) {
				m.Exchange().Txs[1].TimeLock++
			},
			err:  ErrTemplateMismatch,
			kind: KindValidation,
		},
		{
			name: "sender",
			tamper: func(m trwire.SignMessage) {
				m.Hdr().Sender = m.Hdr().Receiver
			},
			err:  ErrNotMember,
			kind: KindValidation,
		},
	}

	for _, tc := range testCases {
		msg := fresh()
		tc.tamper(msg)

		_, err := b.m.Advance(msg)
		require.ErrorIs(t, err, tc.err, tc.name)
		require.Equal(t, tc.kind, Classify(err), tc.name)
		require.True(t, b.m.PendingNonce(id).IsNone(), tc.name)
	}

	latest, err := b.db.LatestTx(id)
	require.NoError(t, err)
	require.Zero(t, latest.Nonce)
	requireBalances(t, id, 10, 10, b)
}

// TestHtlcLockExecute locks a payment from the founder and lets the partner
// claim it with the preimage.
func TestHtlcLockExecute(t *testing.T) {
	t.Parallel()

	a := newTestNode(t, "127.0.0.1:20553")
	b := newTestNode(t, "127.0.0.1:20554")
	id := openChannel(t, a, b, 10, 10)

	preimage, err := hashlock.RandomPreimage()
	require.NoError(t, err)

	_, err = a.m.ProposeHtlc(id, &HtlcRequest{
		HashLock:      preimage.Hash(),
		Income:        4,
		Payment:       5,
		TimeoutHeight: 500,
	})
	require.ErrorIs(t, err, ErrInvalidHTLC)
	a.m.dropSession(id)

	msg, err := a.m.ProposeHtlc(id, &HtlcRequest{
		HashLock:      preimage.Hash(),
		Income:        5,
		Payment:       5,
		TimeoutHeight: 500,
	})
	require.NoError(t, err)
	res := exchange(t, a, b, msg)
	require.Equal(t, trwire.TxHCTX, res.commit.Committed.Type)
	require.True(t, res.commit.Committed.HTLC.IsSome())
	requireBalances(t, id, 5, 10, a, b)

	for _, n := range []*testNode{a, b} {
		c, err := n.m.TryGetChannel(id)
		require.NoError(t, err)
		require.Len(t, c.PendingHTLCs, 1)
		require.True(t, c.PendingHTLCs[0].FounderPays)
		require.Equal(t, uint64(1), c.PendingHTLCs[0].LockNonce)
	}

	// Only the payee may execute and only with the right preimage.
	_, err = a.m.ProposeHtlcExecution(id, preimage)
	require.ErrorIs(t, err, ErrBadRole)

	wrong, err := hashlock.RandomPreimage()
	require.NoError(t, err)
	_, err = b.m.ProposeHtlcExecution(id, wrong)
	require.ErrorIs(t, err, ErrHTLCNotFound)

	_, err = b.m.ProposeSettle(id)
	require.ErrorIs(t, err, ErrPendingHTLCs)

	msg, err = b.m.ProposeHtlcExecution(id, preimage)
	require.NoError(t, err)
	res = exchange(t, b, a, msg)
	require.Equal(t, trwire.TxHETX, res.commit.Committed.Type)
	requireBalances(t, id, 5, 15, a, b)

	c, err := a.m.TryGetChannel(id)
	require.NoError(t, err)
	require.Empty(t, c.PendingHTLCs)
}

// TestHtlcTimeout checks the payer can only reclaim a lock once the chain
// reached its timeout height.
func TestHtlcTimeout(t *testing.T) {
	t.Parallel()

	a := newTestNode(t, "127.0.0.1:20553")
	b := newTestNode(t, "127.0.0.1:20554")
	id := openChannel(t, a, b, 10, 10)

	preimage, err := hashlock.RandomPreimage()
	require.NoError(t, err)

	msg, err := b.m.ProposeHtlc(id, &HtlcRequest{
		HashLock:      preimage.Hash(),
		Income:        3,
		Payment:       3,
		TimeoutHeight: 500,
	})
	require.NoError(t, err)
	exchange(t, b, a, msg)
	requireBalances(t, id, 10, 7, a, b)

	a.height, b.height = 499, 499
	_, err = b.m.ProposeHtlcTimeout(id, preimage.Hash())
	require.ErrorIs(t, err, ErrHTLCNotExpired)

	_, err = a.m.ProposeHtlcTimeout(id, preimage.Hash())
	require.ErrorIs(t, err, ErrBadRole)

	a.height, b.height = 500, 500
	msg, err = b.m.ProposeHtlcTimeout(id, preimage.Hash())
	require.NoError(t, err)
	res := exchange(t, b, a, msg)
	require.Equal(t, trwire.TxHTTX, res.commit.Committed.Type)
	requireBalances(t, id, 10, 10, a, b)
}

// TestSettleClosesChain checks a committed settle moves both sides to
// CLOSING and ends the nonce chain.
func TestSettleClosesChain(t *testing.T) {
	t.Parallel()

	a := newTestNode(t, "127.0.0.1:20553")
	b := newTestNode(t, "127.0.0.1:20554")
	id := openChannel(t, a, b, 10, 10)

	msg, err := a.m.ProposeSettle(id)
	require.NoError(t, err)
	res := exchange(t, a, b, msg)
	require.Equal(t, trwire.TxSettle, res.commit.Committed.Type)

	for _, n := range []*testNode{a, b} {
		c, err := n.m.TryGetChannel(id)
		require.NoError(t, err)
		require.Equal(t, channeldb.ChanStateClosing, c.State)
	}

	_, err = a.m.ProposeRsmc(id, 1)
	require.ErrorIs(t, err, channeldb.ErrChainSettled)

	// The settle delivered again is still answered.
	replay, err := b.m.Advance(wire[trwire.SignMessage](t, msg))
	require.NoError(t, err)
	require.Equal(t, trwire.MsgSettleSign, replay.Reply.MsgType())

	_, err = a.m.Transition(id, channeldb.ChanStateClosed)
	require.NoError(t, err)

	_, err = a.m.Transition(id, channeldb.ChanStateOpen)
	require.ErrorIs(t, err, channeldb.ErrInvalidTransition)

	_, err = a.m.Advance(wire[trwire.SignMessage](t, res.countersign.Reply))
	require.ErrorIs(t, err, ErrChannelClosed)
	require.Equal(t, KindProtocolState, Classify(err))
}

// TestSimultaneousProposals checks the founder's proposal wins when both
// sides propose at the same nonce.
func TestSimultaneousProposals(t *testing.T) {
	t.Parallel()

	a := newTestNode(t, "127.0.0.1:20553")
	b := newTestNode(t, "127.0.0.1:20554")
	id := openChannel(t, a, b, 10, 10)

	fromA, err := a.m.ProposeRsmc(id, 1)
	require.NoError(t, err)
	fromB, err := b.m.ProposeRsmc(id, 2)
	require.NoError(t, err)

	_, err = a.m.Advance(wire[trwire.SignMessage](t, fromB))
	require.ErrorIs(t, err, ErrSessionBusy)

	exchange(t, a, b, fromA)
	requireBalances(t, id, 9, 11, a, b)
	require.True(t, b.m.PendingNonce(id).IsNone())
}

// TestCanTransition checks only forward edges and the identity are legal.
func TestCanTransition(t *testing.T) {
	t.Parallel()

	states := []channeldb.ChannelState{
		channeldb.ChanStateInit, channeldb.ChanStateOpening,
		channeldb.ChanStateOpen, channeldb.ChanStateClosing,
		channeldb.ChanStateClosed,
	}
	for i, from := range states {
		for j, to := range states {
			legal := j == i || j == i+1
			require.Equal(t, legal, CanTransition(from, to),
				"%v -> %v", from, to)
		}
	}
}
