package channeldb

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/trinity-network/trinity/trwire"
)

// TestBlockHeightLastWriteWins checks the newest reported height is kept,
// not the highest.
func TestBlockHeightLastWriteWins(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)
	uri := testEndpoint(t, "127.0.0.1:8089")

	_, err := db.FetchBlockHeight(uri)
	require.ErrorIs(t, err, ErrBlockHeightNotFound)

	require.NoError(t, db.PutBlockHeight(uri, 123456))
	require.NoError(t, db.PutBlockHeight(uri, 123457))

	height, err := db.FetchBlockHeight(uri)
	require.NoError(t, err)
	require.Equal(t, uint32(123457), height)

	require.NoError(t, db.PutBlockHeight(uri, 100))
	height, err = db.FetchBlockHeight(uri)
	require.NoError(t, err)
	require.Equal(t, uint32(100), height)
}

// TestBlockEvents covers scheduling, due scans and idempotent removal.
func TestBlockEvents(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)

	ev1 := &BlockEvent{
		TargetHeight:   1100,
		ChannelID:      trwire.ChannelID{1},
		Nonce:          3,
		Type:           BlockEventRevocable,
		ObservedHeight: 100,
	}
	ev2 := &BlockEvent{
		TargetHeight:   1100,
		ChannelID:      trwire.ChannelID{2},
		Nonce:          5,
		Type:           BlockEventRevocable,
		ObservedHeight: 100,
	}
	ev3 := &BlockEvent{
		TargetHeight:   2000,
		ChannelID:      trwire.ChannelID{1},
		Nonce:          4,
		Type:           BlockEventRevocable,
		ObservedHeight: 1000,
	}
	for _, ev := range []*BlockEvent{ev1, ev2, ev3} {
		require.NoError(t, db.AddBlockEvent(ev))
	}

	// Adding the same identity again replaces the stored event.
	ev1.Remedied = true
	require.NoError(t, db.AddBlockEvent(ev1))

	events, err := db.FetchBlockEvents(1100)
	require.NoError(t, err)
	require.Equal(t, []BlockEvent{*ev1, *ev2}, events)

	due, err := db.DueBlockEvents(1099)
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = db.DueBlockEvents(1500)
	require.NoError(t, err)
	require.Len(t, due, 2)

	due, err = db.DueBlockEvents(5000)
	require.NoError(t, err)
	require.Equal(t, []BlockEvent{*ev1, *ev2, *ev3}, due)

	chanEvents, err := db.ChannelBlockEvents(trwire.ChannelID{1})
	require.NoError(t, err)
	require.Equal(t, []BlockEvent{*ev1, *ev3}, chanEvents)

	require.NoError(t, db.RemoveBlockEvent(ev1))
	require.NoError(t, db.RemoveBlockEvent(ev1))

	events, err = db.FetchBlockEvents(1100)
	require.NoError(t, err)
	require.Equal(t, []BlockEvent{*ev2}, events)

	require.NoError(t, db.RemoveBlockEvent(ev2))
	events, err = db.FetchBlockEvents(1100)
	require.NoError(t, err)
	require.Empty(t, events)
}
