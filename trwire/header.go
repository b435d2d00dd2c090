package trwire

import (
	"bytes"
	"io"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// routerPathType is the tlv type of the encoded hop list.
	routerPathType tlv.Type = 1

	// routerNextType is the tlv type of the index of the next hop.
	routerNextType tlv.Type = 3

	// errorCodeType is the tlv type of a *Fail error code.
	errorCodeType tlv.Type = 5

	// commentsType is the tlv type of the free text comment.
	commentsType tlv.Type = 7
)

// RouterInfo is the multi-hop route of an HTLC payment. Next indexes the hop
// that should receive the payment after the sender.
type RouterInfo struct {
	Path []Endpoint
	Next uint16
}

// NextHop returns the endpoint at the Next index, if any.
func (r RouterInfo) NextHop() fn.Option[Endpoint] {
	if int(r.Next) >= len(r.Path) {
		return fn.None[Endpoint]()
	}

	return fn.Some(r.Path[r.Next])
}

// IsLastHop reports whether the route ends at the Next hop.
func (r RouterInfo) IsLastHop() bool {
	return int(r.Next)+1 >= len(r.Path)
}

// Header is the envelope shared by every message. The router, error and
// comment fields are optional and only travel on the wire when set.
type Header struct {
	Sender    Endpoint
	Receiver  Endpoint
	ChannelID ChannelID
	AssetType string
	NetMagic  uint32
	TxNonce   uint64

	// Router is present on multi-hop HTLC messages.
	Router fn.Option[RouterInfo]

	// Error is set on *Fail messages.
	Error ErrorCode

	// Comments is a human readable note for the peer.
	Comments string
}

// Hdr returns the header itself so every message embedding a Header
// satisfies part of the Message interface.
func (h *Header) Hdr() *Header {
	return h
}

// Reply returns the header of a response to this message. Sender and
// receiver are swapped and the optional fields are cleared except the router.
func (h *Header) Reply() Header {
	return Header{
		Sender:    h.Receiver,
		Receiver:  h.Sender,
		ChannelID: h.ChannelID,
		AssetType: h.AssetType,
		NetMagic:  h.NetMagic,
		TxNonce:   h.TxNonce,
		Router:    h.Router,
	}
}

// Encode writes the fixed fields followed by a length prefixed tlv stream of
// the optional ones.
func (h *Header) Encode(w *bytes.Buffer) error {
	err := WriteElements(w,
		h.Sender, h.Receiver, h.ChannelID, h.AssetType, h.NetMagic,
		h.TxNonce,
	)
	if err != nil {
		return err
	}

	var (
		records []tlv.Record
		path    []byte
		next    uint16
		code    = uint16(h.Error)
		comment = []byte(h.Comments)
	)
	h.Router.WhenSome(func(r RouterInfo) {
		var b bytes.Buffer
		if err = WriteElement(&b, r.Path); err != nil {
			return
		}
		path = b.Bytes()
		next = r.Next

		records = append(records,
			tlv.MakePrimitiveRecord(routerPathType, &path),
			tlv.MakePrimitiveRecord(routerNextType, &next),
		)
	})
	if err != nil {
		return err
	}
	if code != 0 {
		records = append(
			records, tlv.MakePrimitiveRecord(errorCodeType, &code),
		)
	}
	if len(comment) != 0 {
		records = append(
			records, tlv.MakePrimitiveRecord(commentsType, &comment),
		)
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	var extra bytes.Buffer
	if err := stream.Encode(&extra); err != nil {
		return err
	}

	return WriteVarBytes(w, extra.Bytes())
}

// Decode reads a header written by Encode.
func (h *Header) Decode(r io.Reader) error {
	err := ReadElements(r,
		&h.Sender, &h.Receiver, &h.ChannelID, &h.AssetType,
		&h.NetMagic, &h.TxNonce,
	)
	if err != nil {
		return err
	}

	var extra []byte
	if err := ReadElement(r, &extra); err != nil {
		return err
	}

	var (
		path    []byte
		next    uint16
		code    uint16
		comment []byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(routerPathType, &path),
		tlv.MakePrimitiveRecord(routerNextType, &next),
		tlv.MakePrimitiveRecord(errorCodeType, &code),
		tlv.MakePrimitiveRecord(commentsType, &comment),
	)
	if err != nil {
		return err
	}

	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(extra))
	if err != nil {
		return err
	}

	h.Router = fn.None[RouterInfo]()
	if _, ok := parsed[routerPathType]; ok {
		var hops []Endpoint
		if err := ReadElement(bytes.NewReader(path), &hops); err != nil {
			return err
		}
		h.Router = fn.Some(RouterInfo{Path: hops, Next: next})
	}
	h.Error = ErrorCode(code)
	h.Comments = string(comment)

	return nil
}
