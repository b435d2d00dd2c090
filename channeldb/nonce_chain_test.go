package channeldb

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"github.com/trinity-network/trinity/hashlock"
	"github.com/trinity-network/trinity/trwire"
	"pgregory.net/rapid"
)

func testRecord(id trwire.ChannelID, nonce uint64,
	kind trwire.TxKind) *TxRecord {

	txid := chainhash.HashH(append(id[:], byte(nonce), byte(kind)))

	return &TxRecord{
		ChannelID:      id,
		Nonce:          nonce,
		Type:           kind,
		State:          TxSigned,
		IsFounder:      nonce%2 == 0,
		FounderBalance: 10,
		PartnerBalance: 10,
		MonitorTxID:    txid,
		Bundle: []SignedTx{{
			Kind: kind,
			Template: TxTemplate{
				RawData: txid[:],
				TxID:    txid,
				Witness: "{signSelf} {signOther}",
			},
			FounderSig: []byte{1},
			PartnerSig: []byte{2},
		}},
		CreatedAt: testTime,
	}
}

// TestNonceChainContiguous asserts that whatever nonces are offered, the
// stored chain is always contiguous from zero without duplicates.
func TestNonceChainContiguous(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)
	c := newTestChannel(t, db)
	require.NoError(t, db.CreateChannel(c))

	rapid.Check(t, func(rt *rapid.T) {
		require.NoError(rt, db.Wipe())
		require.NoError(rt, db.CreateChannel(c))

		next := uint64(0)
		attempts := rapid.SliceOfN(
			rapid.Uint64Range(0, 8), 1, 24,
		).Draw(rt, "nonces")
		for _, nonce := range attempts {
			rec := testRecord(c.ID, nonce, trwire.TxCommitment)
			err := db.AppendTx(rec)
			if nonce == next {
				require.NoError(rt, err)
				next++
				continue
			}
			require.ErrorIs(rt, err, ErrNonceConflict)
		}

		recs, err := db.FetchTxs(c.ID)
		require.NoError(rt, err)
		require.Len(rt, recs, int(next))
		for i, rec := range recs {
			require.Equal(rt, uint64(i), rec.Nonce)
		}
	})
}

// TestAppendTxRules covers the non nonce append failures.
func TestAppendTxRules(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)
	c := newTestChannel(t, db)

	rec := testRecord(c.ID, 0, trwire.TxFunding)
	require.ErrorIs(t, db.AppendTx(rec), ErrChannelNotFound)
	require.NoError(t, db.CreateChannel(c))

	unsigned := testRecord(c.ID, 0, trwire.TxFunding)
	unsigned.Bundle[0].PartnerSig = nil
	require.ErrorIs(t, db.AppendTx(unsigned), ErrNotCountersigned)

	require.NoError(t, db.AppendTx(rec))
	require.NoError(t, db.AppendTx(testRecord(c.ID, 1, trwire.TxCommitment)))
	require.NoError(t, db.AppendTx(testRecord(c.ID, 2, trwire.TxSettle)))
	require.ErrorIs(
		t, db.AppendTx(testRecord(c.ID, 3, trwire.TxCommitment)),
		ErrChainSettled,
	)

	latest, err := db.LatestTx(c.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), latest.Nonce)
	require.Equal(t, trwire.TxSettle, latest.Type)

	_, err = db.FetchTx(c.ID, 9)
	require.ErrorIs(t, err, ErrTxNotFound)

	_, err = db.LatestTx(trwire.ChannelID{7})
	require.ErrorIs(t, err, ErrTxNotFound)
}

// TestLookupMonitor checks a committed record's monitor txid maps back to
// it.
func TestLookupMonitor(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)
	c := newTestChannel(t, db)
	require.NoError(t, db.CreateChannel(c))

	for nonce := uint64(0); nonce < 3; nonce++ {
		kind := trwire.TxCommitment
		if nonce == 0 {
			kind = trwire.TxFunding
		}
		require.NoError(t, db.AppendTx(testRecord(c.ID, nonce, kind)))
	}

	rec, err := db.FetchTx(c.ID, 1)
	require.NoError(t, err)

	id, nonce, err := db.LookupMonitor(rec.MonitorTxID)
	require.NoError(t, err)
	require.Equal(t, c.ID, id)
	require.Equal(t, uint64(1), nonce)

	_, _, err = db.LookupMonitor(chainhash.Hash{9})
	require.ErrorIs(t, err, ErrTxNotFound)
}

func genRecord(t *rapid.T) *TxRecord {
	var id trwire.ChannelID
	copy(id[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "id"))

	rec := &TxRecord{
		ChannelID: id,
		Nonce:     rapid.Uint64().Draw(t, "nonce"),
		Type: trwire.TxKind(rapid.Uint8Range(
			uint8(trwire.TxFunding), uint8(trwire.TxSettle),
		).Draw(t, "type")),
		State:     TxState(rapid.Uint8Range(0, 1).Draw(t, "state")),
		Role:      trwire.Role(rapid.Uint8Range(0, 3).Draw(t, "role")),
		IsFounder: rapid.Bool().Draw(t, "is_founder"),
		FounderBalance: trwire.Amount(
			rapid.Int64().Draw(t, "founder_balance"),
		),
		PartnerBalance: trwire.Amount(
			rapid.Int64().Draw(t, "partner_balance"),
		),
		CreatedAt: time.Unix(
			0, rapid.Int64Range(1, 1<<62).Draw(t, "created"),
		),
	}
	copy(rec.MonitorTxID[:], rapid.SliceOfN(
		rapid.Byte(), 32, 32,
	).Draw(t, "monitor"))

	n := rapid.IntRange(0, 4).Draw(t, "bundle")
	for i := 0; i < n; i++ {
		stx := SignedTx{
			Kind: trwire.TxKind(rapid.Uint8Range(0, 12).Draw(
				t, "kind",
			)),
			Template: TxTemplate{
				Witness:  rapid.String().Draw(t, "witness"),
				TimeLock: rapid.Uint32().Draw(t, "timelock"),
			},
		}
		if raw := rapid.SliceOfN(rapid.Byte(), 1, 32).Draw(
			t, "raw",
		); rapid.Bool().Draw(t, "has_raw") {
			stx.Template.RawData = raw
			stx.Template.TxID = chainhash.DoubleHashH(raw)
		}
		if rapid.Bool().Draw(t, "founder_signed") {
			stx.FounderSig = rapid.SliceOfN(
				rapid.Byte(), 1, 72,
			).Draw(t, "founder_sig")
		}
		if rapid.Bool().Draw(t, "partner_signed") {
			stx.PartnerSig = rapid.SliceOfN(
				rapid.Byte(), 1, 72,
			).Draw(t, "partner_sig")
		}
		rec.Bundle = append(rec.Bundle, stx)
	}

	if rapid.Bool().Draw(t, "htlc") {
		info := HTLCInfo{
			Next: rapid.Uint16().Draw(t, "next"),
			Income: trwire.Amount(
				rapid.Int64().Draw(t, "income"),
			),
			Payment: trwire.Amount(
				rapid.Int64().Draw(t, "payment"),
			),
			TimeoutHeight: rapid.Uint32().Draw(t, "timeout"),
		}
		copy(info.HashLock[:], rapid.SliceOfN(
			rapid.Byte(), 32, 32,
		).Draw(t, "hash"))
		if rapid.Bool().Draw(t, "revealed") {
			info.Preimage = hashlock.Preimage(info.HashLock)
		}
		hops := rapid.IntRange(0, 3).Draw(t, "hops")
		for i := 0; i < hops; i++ {
			info.Router = append(info.Router, trwire.Endpoint(
				rapid.StringN(1, 20, -1).Draw(t, "hop"),
			))
		}
		rec.HTLC = fn.Some(info)
	}

	return rec
}

// TestTxRecordRoundTrip asserts that any record, nested signed pairs and
// HTLC extension included, survives serialization unchanged.
func TestTxRecordRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		rec := genRecord(t)

		var b bytes.Buffer
		require.NoError(t, SerializeTxRecord(&b, rec))

		decoded, err := DeserializeTxRecord(&b)
		require.NoError(t, err)
		require.Equal(t, rec, decoded)
	})
}

// TestTxRecordCorrupt checks truncated data is reported as corruption.
func TestTxRecordCorrupt(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	rec := testRecord(trwire.ChannelID{1}, 0, trwire.TxFunding)
	require.NoError(t, SerializeTxRecord(&b, rec))

	_, err := DeserializeTxRecord(bytes.NewReader(b.Bytes()[:b.Len()-3]))
	require.ErrorIs(t, err, ErrCorruptRecord)
}

// TestCommitTxAtomic checks a failed append leaves the channel untouched.
func TestCommitTxAtomic(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)
	c := newTestChannel(t, db)
	c.State = ChanStateOpening
	require.NoError(t, db.CreateChannel(c))

	opened := *c
	opened.State = ChanStateOpen
	require.NoError(t, db.CommitTx(testRecord(c.ID, 0, trwire.TxFunding),
		&opened))

	moved := opened
	moved.FounderBalance--
	moved.PartnerBalance++
	err := db.CommitTx(testRecord(c.ID, 5, trwire.TxCommitment), &moved)
	require.ErrorIs(t, err, ErrNonceConflict)

	stored, err := db.FetchChannel(c.ID)
	require.NoError(t, err)
	require.Equal(t, ChanStateOpen, stored.State)
	require.Equal(t, opened.FounderBalance, stored.FounderBalance)

	require.NoError(t, db.CommitTx(testRecord(c.ID, 1, trwire.TxCommitment),
		&moved))
	stored, err = db.FetchChannel(c.ID)
	require.NoError(t, err)
	require.Equal(t, moved.PartnerBalance, stored.PartnerBalance)
}
