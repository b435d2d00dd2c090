package channeldb

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"github.com/trinity-network/trinity/trwire"
	"pgregory.net/rapid"
)

var testTime = time.Unix(1700000000, 0)

func testEndpoint(t *testing.T, addr string) trwire.Endpoint {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return trwire.NewEndpoint(priv.PubKey(), addr)
}

func newTestChannel(t *testing.T, db *DB) *Channel {
	t.Helper()

	founder := testEndpoint(t, "127.0.0.1:8089")
	partner := testEndpoint(t, "127.0.0.1:8090")

	id, err := db.DeriveChannelID(founder, partner, "TNC")
	require.NoError(t, err)

	return &Channel{
		ID:             id,
		Founder:        founder,
		Partner:        partner,
		Asset:          "TNC",
		NetMagic:       195378745,
		State:          ChanStateInit,
		FounderDeposit: 10,
		PartnerDeposit: 10,
		FounderBalance: 10,
		PartnerBalance: 10,
		CreatedAt:      testTime,
		UpdatedAt:      testTime,
	}
}

// TestChannelRegisterOpening registers a channel, moves it to OPENING and
// checks the stored state round trips.
func TestChannelRegisterOpening(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)
	c := newTestChannel(t, db)

	require.NoError(t, db.CreateChannel(c))

	stored, err := db.FetchChannel(c.ID)
	require.NoError(t, err)
	require.Equal(t, ChanStateInit, stored.State)
	require.Equal(t, c, stored)

	stored.State = ChanStateOpening
	require.NoError(t, db.UpdateChannel(stored))

	stored, err = db.FetchChannel(c.ID)
	require.NoError(t, err)
	require.Equal(t, ChanStateOpening, stored.State)
	require.Equal(t, trwire.Amount(10), stored.FounderDeposit)
	require.Equal(t, trwire.Amount(10), stored.PartnerDeposit)
}

// TestCreateDuplicateChannel checks a channel id can only be used once.
func TestCreateDuplicateChannel(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)
	c := newTestChannel(t, db)

	require.NoError(t, db.CreateChannel(c))
	require.ErrorIs(t, db.CreateChannel(c), ErrDuplicateChannel)

	_, err := db.FetchChannel(trwire.ChannelID{1})
	require.ErrorIs(t, err, ErrChannelNotFound)
}

// TestDeriveChannelIDCollision checks the derived id skips taken ids.
func TestDeriveChannelIDCollision(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)
	c := newTestChannel(t, db)
	require.NoError(t, db.CreateChannel(c))

	id, err := db.DeriveChannelID(c.Founder, c.Partner, c.Asset)
	require.NoError(t, err)
	require.NotEqual(t, c.ID, id)

	_, err = db.DeriveChannelID("bad", c.Partner, c.Asset)
	require.ErrorIs(t, err, trwire.ErrInvalidEndpoint)
}

// TestUpdateChannelNoRegression checks a stored channel never moves back.
func TestUpdateChannelNoRegression(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)
	c := newTestChannel(t, db)
	c.State = ChanStateOpen
	require.NoError(t, db.CreateChannel(c))

	c.State = ChanStateOpening
	require.ErrorIs(t, db.UpdateChannel(c), ErrInvalidTransition)

	c.State = ChanStateClosed
	require.ErrorIs(t, db.UpdateChannel(c), ErrInvalidTransition)

	c.State = ChanStateClosing
	require.NoError(t, db.UpdateChannel(c))
}

// TestChannelStateTransitions checks that no transition moves to a
// predecessor state.
func TestChannelStateTransitions(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		from := ChannelState(rapid.Uint8Range(0, 6).Draw(t, "from"))
		to := ChannelState(rapid.Uint8Range(0, 6).Draw(t, "to"))

		if from.CanTransition(to) {
			require.GreaterOrEqual(t, to, from)
			require.LessOrEqual(t, to, ChanStateClosed)
			require.LessOrEqual(t, to-from, ChannelState(1))
		}
	})

	require.False(t, ChanStateClosed.CanTransition(ChanStateInit))
	require.True(t, ChanStateOpen.CanTransition(ChanStateClosing))
}

// TestDeleteChannel checks only INIT channels can be deleted.
func TestDeleteChannel(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)
	c := newTestChannel(t, db)
	require.NoError(t, db.CreateChannel(c))
	require.NoError(t, db.DeleteChannel(c.ID))

	_, err := db.FetchChannel(c.ID)
	require.ErrorIs(t, err, ErrChannelNotFound)

	c.State = ChanStateOpening
	require.NoError(t, db.CreateChannel(c))
	require.ErrorIs(t, db.DeleteChannel(c.ID), ErrChannelNotInit)

	channels, err := db.FetchAllChannels()
	require.NoError(t, err)
	require.Len(t, channels, 1)
}
