package trwire

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

// TestParseEndpoint checks well formed and malformed endpoint uris.
func TestParseEndpoint(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	valid := NewEndpoint(priv.PubKey(), "127.0.0.1:8089")
	require.NoError(t, valid.Validate())
	require.Equal(t, "127.0.0.1:8089", valid.Address())

	pub, err := valid.PubKey()
	require.NoError(t, err)
	require.True(t, pub.IsEqual(priv.PubKey()))

	testCases := []struct {
		name string
		uri  string
	}{
		{name: "no separator", uri: "127.0.0.1:8089"},
		{name: "bad hex", uri: "zz@127.0.0.1:8089"},
		{name: "short key", uri: "02abcd@127.0.0.1:8089"},
		{
			name: "missing port",
			uri:  valid.String()[:66] + "@127.0.0.1",
		},
		{name: "two separators", uri: "a@b@127.0.0.1:1"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := ParseEndpoint(tc.uri)
			require.ErrorIs(t, err, ErrInvalidEndpoint)
		})
	}
}

// TestAmountUnits checks unit conversion rounds to the nearest base unit.
func TestAmountUnits(t *testing.T) {
	t.Parallel()

	require.Equal(t, Amount(1000000000), NewAmountFromFloat(10))
	require.Equal(t, Amount(1), NewAmountFromFloat(0.00000001))
	require.Equal(t, Amount(-150000000), NewAmountFromFloat(-1.5))
	require.Equal(t, "10.00000000", NewAmountFromFloat(10).String())
	require.InDelta(t, 9.5, Amount(950000000).ToUnit(), 1e-9)
}

// TestErrorCodes checks codes are namespaced by family.
func TestErrorCodes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		family Family
		kind   FailKind
		code   ErrorCode
	}{
		{FamilyRegister, FailProtocolState, 102},
		{FamilyFounder, FailSignature, 203},
		{FamilyRsmc, FailValidation, 301},
		{FamilyHtlc, FailNotFound, 404},
		{FamilySettle, FailUnableToProcess, 509},
		{FamilyControl, FailBroadcast, 605},
	}
	for _, tc := range testCases {
		code := tc.family.Code(tc.kind)
		require.Equal(t, tc.code, code)
		require.Equal(t, tc.family, code.Family())
		require.Equal(t, tc.kind, code.Kind())
	}

	require.Equal(t, MsgSettleFail, FamilySettle.FailType())
	require.Equal(t, FamilyHtlc, MsgHtlcSign.Family())
}
