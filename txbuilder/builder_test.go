package txbuilder

import (
	"bytes"
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"github.com/trinity-network/trinity/hashlock"
	"github.com/trinity-network/trinity/trwire"
)

// TestBuildDeterministic checks two builds of the same request agree and any
// change of balance changes every txid.
func TestBuildDeterministic(t *testing.T) {
	t.Parallel()

	b := New(0)
	require.Equal(t, uint32(DefaultDelayBlockHeight), b.DelayBlockHeight())

	req := &Request{
		ChannelID:      trwire.ChannelID{1},
		Nonce:          3,
		Phase:          trwire.TxCommitment,
		Asset:          "TNC",
		Founder:        "a@127.0.0.1:1",
		Partner:        "b@127.0.0.1:2",
		FounderBalance: 7,
		PartnerBalance: 13,
	}

	first, err := b.Build(req)
	require.NoError(t, err)
	second, err := b.Build(req)
	require.NoError(t, err)
	require.Equal(t, first, second)

	require.Len(t, first, 4)
	require.Equal(t, trwire.TxCommitment, first[0].Kind)
	require.Equal(t, trwire.TxRevocable, first[1].Kind)
	require.Equal(t, uint32(DefaultDelayBlockHeight), first[1].TimeLock)
	require.Contains(t, first[1].Witness, BlockHeightScript)
	require.Equal(t, trwire.TxBreachRemedy, first[2].Kind)
	require.Equal(t, trwire.TxBreachRemedyPartner, first[3].Kind)

	req.FounderBalance = 8
	third, err := b.Build(req)
	require.NoError(t, err)
	for i := range third {
		require.NotEqual(t, first[i].TxID, third[i].TxID)
	}
}

// TestBuildLayouts checks the template kinds of every phase.
func TestBuildLayouts(t *testing.T) {
	t.Parallel()

	htlc := fn.Some(trwire.HtlcBody{
		HashLock:      hashlock.Hash{1},
		Payment:       5,
		TimeoutHeight: 500,
	})

	testCases := []struct {
		phase trwire.TxKind
		htlc  fn.Option[trwire.HtlcBody]
		kinds []trwire.TxKind
	}{
		{
			phase: trwire.TxFunding,
			kinds: []trwire.TxKind{
				trwire.TxFunding, trwire.TxCommitment,
				trwire.TxRevocable, trwire.TxBreachRemedy,
				trwire.TxBreachRemedyPartner,
			},
		},
		{
			phase: trwire.TxHCTX,
			htlc:  htlc,
			kinds: []trwire.TxKind{
				trwire.TxHCTX, trwire.TxRDTX,
				trwire.TxBreachRemedy, trwire.TxBreachRemedyPartner,
			},
		},
		{
			phase: trwire.TxHETX,
			htlc:  htlc,
			kinds: []trwire.TxKind{
				trwire.TxHEDTX, trwire.TxHETX,
				trwire.TxHERDTX, trwire.TxBreachRemedy,
				trwire.TxBreachRemedyPartner,
			},
		},
		{
			phase: trwire.TxHTTX,
			htlc:  htlc,
			kinds: []trwire.TxKind{
				trwire.TxHTDTX, trwire.TxHTTX,
				trwire.TxHTRDTX, trwire.TxBreachRemedy,
				trwire.TxBreachRemedyPartner,
			},
		},
		{
			phase: trwire.TxSettle,
			kinds: []trwire.TxKind{trwire.TxSettle},
		},
	}

	b := New(1000)
	for _, tc := range testCases {
		slots, err := b.Build(&Request{Phase: tc.phase, HTLC: tc.htlc})
		require.NoError(t, err, tc.phase)

		var kinds []trwire.TxKind
		for _, s := range slots {
			kinds = append(kinds, s.Kind)
		}
		require.Equal(t, tc.kinds, kinds, tc.phase)

		if tc.phase == trwire.TxHTTX {
			require.Equal(t, uint32(500), slots[0].TimeLock)
		}
	}

	_, err := b.Build(&Request{Phase: trwire.TxHCTX})
	require.ErrorIs(t, err, ErrMissingHTLC)

	_, err = b.Build(&Request{Phase: trwire.TxRevocable})
	require.ErrorIs(t, err, ErrUnknownPhase)
}

// TestBreachRemedyPayout checks each remedy pays the whole channel,
// including locked HTLC payments, to the party that didn't breach.
func TestBreachRemedyPayout(t *testing.T) {
	t.Parallel()

	req := &Request{
		ChannelID:      trwire.ChannelID{2},
		Nonce:          4,
		Phase:          trwire.TxHCTX,
		Asset:          "TNC",
		Founder:        "a@127.0.0.1:1",
		Partner:        "b@127.0.0.1:2",
		FounderBalance: 12,
		PartnerBalance: 23,
		Locked:         5,
		HTLC: fn.Some(trwire.HtlcBody{
			HashLock:      hashlock.Hash{1},
			Payment:       5,
			TimeoutHeight: 500,
		}),
	}

	testCases := []struct {
		kind    trwire.TxKind
		founder trwire.Amount
		partner trwire.Amount
	}{
		{kind: trwire.TxBreachRemedy, founder: 0, partner: 40},
		{kind: trwire.TxBreachRemedyPartner, founder: 40, partner: 0},
	}

	slots, err := New(0).Build(req)
	require.NoError(t, err)

	for _, tc := range testCases {
		founder, partner := RemedyPayout(req, tc.kind)
		require.Equal(t, tc.founder, founder, tc.kind)
		require.Equal(t, tc.partner, partner, tc.kind)

		var want bytes.Buffer
		require.NoError(t, trwire.WriteElements(&want,
			tc.kind, req.ChannelID, req.Nonce, req.Phase,
			req.Asset, req.Founder, req.Partner, tc.founder,
			tc.partner, uint32(0),
		))

		var found bool
		for _, s := range slots {
			if s.Kind != tc.kind {
				continue
			}
			found = true
			require.Equal(t, want.Bytes(), s.RawData, tc.kind)
			require.Zero(t, s.TimeLock)
		}
		require.True(t, found, tc.kind)
	}

	require.True(t, trwire.TxBreachRemedy.IsBreachRemedy())
	require.False(t, trwire.TxCommitment.IsBreachRemedy())
	require.Equal(t, trwire.TxBreachRemedy,
		trwire.BreachRemedyAgainst(true))
	require.Equal(t, trwire.TxBreachRemedyPartner,
		trwire.BreachRemedyAgainst(false))
}
