package trwire

import (
	"bytes"
	"io"
)

// RegisterKeepAlive is sent periodically by a wallet to show it is still
// reachable.
type RegisterKeepAlive struct {
	Header
}

// MsgType returns the message type.
func (m *RegisterKeepAlive) MsgType() MessageType { return MsgRegisterKeepAlive }

// KeepAliveAck answers a RegisterKeepAlive.
type KeepAliveAck struct {
	Header
}

// MsgType returns the message type.
func (m *KeepAliveAck) MsgType() MessageType { return MsgKeepAliveAck }

// SyncWalletData asks the receiver for its wallet information.
type SyncWalletData struct {
	Header
}

// MsgType returns the message type.
func (m *SyncWalletData) MsgType() MessageType { return MsgSyncWalletData }

// WalletInfo answers SyncWalletData with the assets the wallet accepts and
// the last chain height it saw.
type WalletInfo struct {
	Header

	Assets      []string
	BlockHeight uint32
}

// MsgType returns the message type.
func (m *WalletInfo) MsgType() MessageType { return MsgWalletInfo }

// Encode writes the message to the buffer.
func (m *WalletInfo) Encode(w *bytes.Buffer) error {
	if err := m.Header.Encode(w); err != nil {
		return err
	}

	return WriteElements(w, m.Assets, m.BlockHeight)
}

// Decode reads the message from the reader.
func (m *WalletInfo) Decode(r io.Reader) error {
	if err := m.Header.Decode(r); err != nil {
		return err
	}

	return ReadElements(r, &m.Assets, &m.BlockHeight)
}

// GetChannelList asks the receiver for the channels it shares with the
// sender.
type GetChannelList struct {
	Header
}

// MsgType returns the message type.
func (m *GetChannelList) MsgType() MessageType { return MsgGetChannelList }

// ChannelSummary is one entry of a ChannelList.
type ChannelSummary struct {
	ChannelID      ChannelID
	Founder        Endpoint
	Partner        Endpoint
	Asset          string
	State          string
	FounderBalance Amount
	PartnerBalance Amount
}

func (c *ChannelSummary) encode(w *bytes.Buffer) error {
	return WriteElements(w,
		c.ChannelID, c.Founder, c.Partner, c.Asset, c.State,
		c.FounderBalance, c.PartnerBalance,
	)
}

func (c *ChannelSummary) decode(r io.Reader) error {
	return ReadElements(r,
		&c.ChannelID, &c.Founder, &c.Partner, &c.Asset, &c.State,
		&c.FounderBalance, &c.PartnerBalance,
	)
}

// ChannelList answers GetChannelList.
type ChannelList struct {
	Header

	Channels []ChannelSummary
}

// MsgType returns the message type.
func (m *ChannelList) MsgType() MessageType { return MsgChannelList }

// Encode writes the message to the buffer.
func (m *ChannelList) Encode(w *bytes.Buffer) error {
	if err := m.Header.Encode(w); err != nil {
		return err
	}

	if err := WriteUint16(w, uint16(len(m.Channels))); err != nil {
		return err
	}
	for i := range m.Channels {
		if err := m.Channels[i].encode(w); err != nil {
			return err
		}
	}

	return nil
}

// Decode reads the message from the reader.
func (m *ChannelList) Decode(r io.Reader) error {
	if err := m.Header.Decode(r); err != nil {
		return err
	}

	n, err := readCount(r)
	if err != nil {
		return err
	}
	if n == 0 {
		m.Channels = nil
		return nil
	}

	m.Channels = make([]ChannelSummary, n)
	for i := range m.Channels {
		if err := m.Channels[i].decode(r); err != nil {
			return err
		}
	}

	return nil
}

// A compile time check to ensure the control messages implement the
// trwire.Message interface.
var (
	_ Message = (*RegisterKeepAlive)(nil)
	_ Message = (*KeepAliveAck)(nil)
	_ Message = (*SyncWalletData)(nil)
	_ Message = (*WalletInfo)(nil)
	_ Message = (*GetChannelList)(nil)
	_ Message = (*ChannelList)(nil)
)
