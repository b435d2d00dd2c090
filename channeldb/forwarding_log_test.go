package channeldb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/trinity-network/trinity/hashlock"
	"github.com/trinity-network/trinity/trwire"
)

// TestCircuitLifecycle opens, settles and queries a payment circuit.
func TestCircuitLifecycle(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)

	preimage, err := hashlock.RandomPreimage()
	require.NoError(t, err)

	c := &Circuit{
		HashLock:        preimage.Hash(),
		IncomingChanID:  trwire.ChannelID{1},
		OutgoingChanID:  trwire.ChannelID{2},
		AmtIn:           10,
		AmtOut:          9,
		IncomingTimeout: 120,
		OutgoingTimeout: 110,
	}
	require.NoError(t, db.AddCircuit(c))
	require.ErrorIs(t, db.AddCircuit(c), ErrDuplicateCircuit)

	got, err := db.FetchCircuit(c.HashLock)
	require.NoError(t, err)
	require.Equal(t, c, got)

	all, err := db.FetchCircuits()
	require.NoError(t, err)
	require.Len(t, all, 1)

	closed, err := db.CloseCircuit(c.HashLock, true, testTime)
	require.NoError(t, err)
	require.Equal(t, c, closed)

	_, err = db.FetchCircuit(c.HashLock)
	require.ErrorIs(t, err, ErrCircuitNotFound)
	_, err = db.CloseCircuit(c.HashLock, true, testTime)
	require.ErrorIs(t, err, ErrCircuitNotFound)

	slice, err := db.QueryForwardingLog(ForwardingEventQuery{
		StartTime: testTime.Add(-time.Hour),
		EndTime:   testTime.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, slice.ForwardingEvents, 1)

	event := slice.ForwardingEvents[0]
	require.Equal(t, c.HashLock, event.HashLock)
	require.Equal(t, trwire.Amount(1), event.AmtIn-event.AmtOut)
	require.True(t, testTime.Equal(event.Timestamp))
}

// TestForwardingLogQuery checks events sharing a timestamp are all kept and
// the query pages through them.
func TestForwardingLogQuery(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)

	events := make([]ForwardingEvent, 5)
	for i := range events {
		events[i] = ForwardingEvent{
			Timestamp: testTime,
			HashLock:  hashlock.Hash{byte(i)},
			AmtIn:     trwire.Amount(10 + i),
			AmtOut:    trwire.Amount(9 + i),
		}
	}
	require.NoError(t, db.AddForwardingEvents(events))

	query := ForwardingEventQuery{
		StartTime:    testTime,
		EndTime:      testTime.Add(time.Second),
		NumMaxEvents: 2,
	}

	var seen []ForwardingEvent
	for {
		slice, err := db.QueryForwardingLog(query)
		require.NoError(t, err)
		if len(slice.ForwardingEvents) == 0 {
			break
		}
		seen = append(seen, slice.ForwardingEvents...)
		query.IndexOffset = slice.LastIndexOffset
	}
	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		require.True(t, seen[i-1].Timestamp.Before(seen[i].Timestamp))
	}
}

// TestPreimages checks preimages are found by their hash.
func TestPreimages(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)

	preimage, err := hashlock.RandomPreimage()
	require.NoError(t, err)

	_, err = db.LookupPreimage(preimage.Hash())
	require.ErrorIs(t, err, ErrPreimageNotFound)

	require.NoError(t, db.AddPreimages(preimage))

	got, err := db.LookupPreimage(preimage.Hash())
	require.NoError(t, err)
	require.Equal(t, preimage, got)
}
