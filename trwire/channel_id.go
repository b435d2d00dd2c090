package trwire

import (
	"encoding/hex"
	"fmt"
)

// ChannelID is the unique identifier of a channel, the channel name carried
// by every message envelope.
type ChannelID [32]byte

// String returns the hex encoded channel id.
func (c ChannelID) String() string {
	return hex.EncodeToString(c[:])
}

// IsZero reports whether the id is unset.
func (c ChannelID) IsZero() bool {
	return c == ChannelID{}
}

// NewChannelIDFromStr parses a hex encoded channel id.
func NewChannelIDFromStr(s string) (ChannelID, error) {
	var id ChannelID

	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid channel id length %d", len(b))
	}
	copy(id[:], b)

	return id, nil
}
