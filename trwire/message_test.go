package trwire

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"github.com/trinity-network/trinity/hashlock"
	"pgregory.net/rapid"
)

func genBytes(t *rapid.T, label string) []byte {
	b := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, label)
	if len(b) == 0 {
		return nil
	}

	return b
}

func gen32(t *rapid.T, label string) [32]byte {
	var out [32]byte
	copy(out[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, label))

	return out
}

func genEndpoint(t *rapid.T, label string) Endpoint {
	return Endpoint(rapid.StringMatching(
		`[0-9a-f]{66}@127\.0\.0\.1:[1-9][0-9]{3}`,
	).Draw(t, label))
}

func genHeader(t *rapid.T) Header {
	h := Header{
		Sender:    genEndpoint(t, "sender"),
		Receiver:  genEndpoint(t, "receiver"),
		ChannelID: ChannelID(gen32(t, "chan_id")),
		AssetType: rapid.SampledFrom([]string{"TNC", "ETH", ""}).Draw(
			t, "asset",
		),
		NetMagic: rapid.Uint32().Draw(t, "magic"),
		TxNonce:  rapid.Uint64().Draw(t, "nonce"),
		Error:    ErrorCode(rapid.Uint16().Draw(t, "error")),
		Comments: rapid.StringN(0, 32, -1).Draw(t, "comments"),
	}

	if rapid.Bool().Draw(t, "has_router") {
		path := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) Endpoint {
			return genEndpoint(t, "hop")
		}), 1, 5).Draw(t, "path")

		h.Router = fn.Some(RouterInfo{
			Path: path,
			Next: rapid.Uint16Range(0, uint16(len(path)-1)).Draw(
				t, "next",
			),
		})
	}

	return h
}

func genSignBody(t *rapid.T) SignBody {
	b := SignBody{
		Role: Role(rapid.Uint8Range(0, 3).Draw(t, "role")),
		FounderBalance: Amount(rapid.Int64().Draw(
			t, "founder_balance",
		)),
		PartnerBalance: Amount(rapid.Int64().Draw(
			t, "partner_balance",
		)),
	}

	n := rapid.IntRange(0, 4).Draw(t, "num_txs")
	for i := 0; i < n; i++ {
		b.Txs = append(b.Txs, TxSlot{
			Kind: TxKind(rapid.Uint8Range(
				uint8(TxFunding), uint8(TxBreachRemedyPartner),
			).Draw(t, "kind")),
			RawData:  genBytes(t, "raw"),
			TxID:     chainhash.Hash(gen32(t, "txid")),
			Witness:  rapid.StringN(0, 32, -1).Draw(t, "witness"),
			TimeLock: rapid.Uint32().Draw(t, "timelock"),
			Sig:      genBytes(t, "sig"),
		})
	}

	return b
}

func genMessage(t *rapid.T) Message {
	msgType := rapid.SampledFrom([]MessageType{
		MsgRegisterChannel, MsgRegisterChannelFail, MsgFounder,
		MsgFounderSign, MsgFounderFail, MsgRsmc, MsgRsmcSign,
		MsgRsmcFail, MsgHtlc, MsgHtlcSign, MsgHtlcFail, MsgSettle,
		MsgSettleSign, MsgSettleFail, MsgRegisterKeepAlive,
		MsgKeepAliveAck, MsgControlFail, MsgSyncWalletData,
		MsgWalletInfo, MsgGetChannelList, MsgChannelList,
	}).Draw(t, "type")

	hdr := genHeader(t)

	switch msgType {
	case MsgRegisterChannel:
		return &RegisterChannel{
			Header:         hdr,
			FounderDeposit: Amount(rapid.Int64().Draw(t, "fd")),
			PartnerDeposit: Amount(rapid.Int64().Draw(t, "pd")),
		}

	case MsgRsmc, MsgRsmcSign:
		msg, err := NewSignMessage(msgType, hdr, genSignBody(t))
		require.NoError(t, err)

		value := Amount(rapid.Int64().Draw(t, "value"))
		if m, ok := msg.(*Rsmc); ok {
			m.Value = value
		} else {
			msg.(*RsmcSign).Value = value
		}

		return msg

	case MsgHtlc, MsgHtlcSign:
		msg, err := NewSignMessage(msgType, hdr, genSignBody(t))
		require.NoError(t, err)

		body := HtlcBody{
			Phase: HtlcPhase(rapid.Uint8Range(0, 2).Draw(
				t, "phase",
			)),
			HashLock:      hashlock.Hash(gen32(t, "hash")),
			Income:        Amount(rapid.Int64().Draw(t, "income")),
			Payment:       Amount(rapid.Int64().Draw(t, "payment")),
			TimeoutHeight: rapid.Uint32().Draw(t, "timeout"),
			Preimage:      hashlock.Preimage(gen32(t, "preimage")),
		}
		if m, ok := msg.(*Htlc); ok {
			m.Contract = body
		} else {
			msg.(*HtlcSign).Contract = body
		}

		return msg

	case MsgFounder, MsgFounderSign, MsgSettle, MsgSettleSign:
		msg, err := NewSignMessage(msgType, hdr, genSignBody(t))
		require.NoError(t, err)

		return msg

	case MsgWalletInfo:
		m := &WalletInfo{
			Header:      hdr,
			BlockHeight: rapid.Uint32().Draw(t, "height"),
		}
		assets := rapid.SliceOfN(
			rapid.StringN(1, 8, -1), 0, 3,
		).Draw(t, "assets")
		if len(assets) > 0 {
			m.Assets = assets
		}

		return m

	case MsgChannelList:
		m := &ChannelList{Header: hdr}
		n := rapid.IntRange(0, 3).Draw(t, "num_channels")
		for i := 0; i < n; i++ {
			m.Channels = append(m.Channels, ChannelSummary{
				ChannelID: ChannelID(gen32(t, "id")),
				Founder:   genEndpoint(t, "founder"),
				Partner:   genEndpoint(t, "partner"),
				Asset:     "TNC",
				State: rapid.SampledFrom([]string{
					"INIT", "OPEN", "CLOSED",
				}).Draw(t, "state"),
				FounderBalance: Amount(rapid.Int64().Draw(
					t, "fb",
				)),
				PartnerBalance: Amount(rapid.Int64().Draw(
					t, "pb",
				)),
			})
		}

		return m

	default:
		msg, err := makeEmptyMessage(msgType)
		require.NoError(t, err)
		*msg.Hdr() = hdr

		return msg
	}
}

// TestMessageRoundTrip asserts that every message type survives an encode
// and decode cycle unchanged.
func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		msg := genMessage(t)

		var b bytes.Buffer
		n, err := WriteMessage(&b, msg)
		require.NoError(t, err)
		require.Equal(t, b.Len(), n)

		decoded, err := ReadMessage(&b)
		require.NoError(t, err)
		require.Equal(t, msg.MsgType(), decoded.MsgType())
		require.Equal(t, msg, decoded)
	})
}

// TestReadUnknownMessage checks that an unknown type is rejected.
func TestReadUnknownMessage(t *testing.T) {
	t.Parallel()

	_, err := DeserializeMessage([]byte{0xff, 0xff})
	require.Error(t, err)

	var unknown *UnknownMessage
	require.ErrorAs(t, err, &unknown)
}

// TestWriteMessageTooLarge ensures an oversized payload leaves the buffer
// untouched.
func TestWriteMessageTooLarge(t *testing.T) {
	t.Parallel()

	msg := &Founder{}
	msg.Body.Txs = []TxSlot{
		{RawData: make([]byte, MaxVarBytes)},
		{RawData: make([]byte, 16)},
	}

	b := bytes.NewBuffer([]byte{1, 2, 3})
	n, err := WriteMessage(b, msg)
	require.Error(t, err)
	require.Zero(t, n)
	require.Equal(t, []byte{1, 2, 3}, b.Bytes())
}

// TestHeaderOptionalFields makes sure the optional envelope fields are only
// present after decoding when they were set.
func TestHeaderOptionalFields(t *testing.T) {
	t.Parallel()

	hdr := Header{
		Sender:   "a@127.0.0.1:8089",
		Receiver: "b@127.0.0.1:8089",
		TxNonce:  7,
	}

	var b bytes.Buffer
	require.NoError(t, hdr.Encode(&b))

	var decoded Header
	require.NoError(t, decoded.Decode(&b))
	require.True(t, decoded.Router.IsNone())
	require.Zero(t, decoded.Error)
	require.Empty(t, decoded.Comments)
	require.Equal(t, hdr, decoded)

	hdr.Router = fn.Some(RouterInfo{
		Path: []Endpoint{"a@127.0.0.1:1", "b@127.0.0.1:2"},
		Next: 1,
	})
	hdr.Error = FamilyHtlc.Code(FailSignature)

	b.Reset()
	require.NoError(t, hdr.Encode(&b))
	require.NoError(t, decoded.Decode(&b))
	require.Equal(t, hdr, decoded)

	router := decoded.Router.UnwrapOr(RouterInfo{})
	require.True(t, router.IsLastHop())
	require.Equal(
		t, fn.Some(Endpoint("b@127.0.0.1:2")), router.NextHop(),
	)
}

// TestNewFail checks the fail reply is addressed back to the sender with the
// family's fail type.
func TestNewFail(t *testing.T) {
	t.Parallel()

	msg := &Rsmc{}
	msg.Sender = "alice@127.0.0.1:1"
	msg.Receiver = "bob@127.0.0.1:2"
	msg.TxNonce = 4

	fail := NewFail(msg, NewCodedError(
		FamilyRsmc, FailProtocolState, "nonce conflict",
	))
	require.Equal(t, MsgRsmcFail, fail.MsgType())
	require.True(t, fail.MsgType().IsFail())
	require.Equal(t, msg.Receiver, fail.Sender)
	require.Equal(t, msg.Sender, fail.Receiver)
	require.Equal(t, uint64(4), fail.TxNonce)
	require.Equal(t, ErrorCode(302), fail.Error)
	require.Equal(t, "nonce conflict", fail.Err().Comment)
}

// TestSignType checks proposal and countersign types pair up.
func TestSignType(t *testing.T) {
	t.Parallel()

	require.Equal(t, MsgFounderSign, SignType(MsgFounder))
	require.Equal(t, MsgFounder, SignType(MsgFounderSign))
	require.Equal(t, MsgSettleSign, SignType(MsgSettle))
	require.False(t, MsgRsmc.IsFail())
	require.True(t, MsgRegisterChannelFail.IsFail())
}
