package channeldb

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/trinity-network/trinity/hashlock"
	"github.com/trinity-network/trinity/trwire"
)

// TxState is the signing state of a transaction record.
type TxState uint8

const (
	// TxProposed marks a record only signed by its proposer. Such records
	// live in the session buffer and are never persisted.
	TxProposed TxState = iota

	// TxSigned marks a record countersigned by both parties.
	TxSigned
)

// String returns the state name.
func (s TxState) String() string {
	switch s {
	case TxProposed:
		return "PROPOSED"
	case TxSigned:
		return "SIGNED"
	default:
		return fmt.Sprintf("TxState(%d)", uint8(s))
	}
}

// TxTemplate is an unsigned transaction body.
type TxTemplate struct {
	RawData []byte
	TxID    chainhash.Hash

	// Witness is the witness template. It may hold the {signSelf},
	// {signOther} and {blockheight_script} placeholders.
	Witness string

	TimeLock uint32
}

// SignedTx is a transaction template together with the signature of each
// party over its raw data.
type SignedTx struct {
	Kind       trwire.TxKind
	Template   TxTemplate
	FounderSig []byte
	PartnerSig []byte
}

// IsCountersigned reports whether both signatures are present.
func (s *SignedTx) IsCountersigned() bool {
	return len(s.FounderSig) != 0 && len(s.PartnerSig) != 0
}

// HTLCInfo is the HTLC extension of a transaction record.
type HTLCInfo struct {
	HashLock      hashlock.Hash
	Router        []trwire.Endpoint
	Next          uint16
	Income        trwire.Amount
	Payment       trwire.Amount
	TimeoutHeight uint32
	Preimage      hashlock.Preimage
}

// TxRecord is one entry of a channel's nonce chain.
type TxRecord struct {
	ChannelID trwire.ChannelID
	Nonce     uint64

	// Type is the phase the record commits: FUNDING, COMMITMENT, HCTX,
	// HETX, HTTX or SETTLE.
	Type  trwire.TxKind
	State TxState
	Role  trwire.Role

	// IsFounder is true when the founder proposed the record.
	IsFounder bool

	FounderBalance trwire.Amount
	PartnerBalance trwire.Amount

	// MonitorTxID is the txid whose broadcast shows this record's state
	// reached the chain.
	MonitorTxID chainhash.Hash

	Bundle []SignedTx

	HTLC fn.Option[HTLCInfo]

	CreatedAt time.Time
}

// Tx returns the bundle entry of the given kind.
func (r *TxRecord) Tx(kind trwire.TxKind) (*SignedTx, bool) {
	for i := range r.Bundle {
		if r.Bundle[i].Kind == kind {
			return &r.Bundle[i], true
		}
	}

	return nil, false
}

// IsCountersigned reports whether every bundle entry carries both
// signatures.
func (r *TxRecord) IsCountersigned() bool {
	if len(r.Bundle) == 0 {
		return false
	}
	for i := range r.Bundle {
		if !r.Bundle[i].IsCountersigned() {
			return false
		}
	}

	return true
}

const (
	htlcHashLockType      tlv.Type = 0
	htlcRouterType        tlv.Type = 2
	htlcNextType          tlv.Type = 4
	htlcIncomeType        tlv.Type = 6
	htlcPaymentType       tlv.Type = 8
	htlcTimeoutHeightType tlv.Type = 10
	htlcPreimageType      tlv.Type = 12
)

func encodeHTLCInfo(info *HTLCInfo) ([]byte, error) {
	var router bytes.Buffer
	if err := trwire.WriteElement(&router, info.Router); err != nil {
		return nil, err
	}

	var (
		hash     = [32]byte(info.HashLock)
		path     = router.Bytes()
		next     = info.Next
		income   = uint64(info.Income)
		payment  = uint64(info.Payment)
		timeout  = info.TimeoutHeight
		preimage = [32]byte(info.Preimage)
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(htlcHashLockType, &hash),
		tlv.MakePrimitiveRecord(htlcRouterType, &path),
		tlv.MakePrimitiveRecord(htlcNextType, &next),
		tlv.MakePrimitiveRecord(htlcIncomeType, &income),
		tlv.MakePrimitiveRecord(htlcPaymentType, &payment),
		tlv.MakePrimitiveRecord(htlcTimeoutHeightType, &timeout),
		tlv.MakePrimitiveRecord(htlcPreimageType, &preimage),
	)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func decodeHTLCInfo(data []byte) (*HTLCInfo, error) {
	var (
		hash     [32]byte
		path     []byte
		next     uint16
		income   uint64
		payment  uint64
		timeout  uint32
		preimage [32]byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(htlcHashLockType, &hash),
		tlv.MakePrimitiveRecord(htlcRouterType, &path),
		tlv.MakePrimitiveRecord(htlcNextType, &next),
		tlv.MakePrimitiveRecord(htlcIncomeType, &income),
		tlv.MakePrimitiveRecord(htlcPaymentType, &payment),
		tlv.MakePrimitiveRecord(htlcTimeoutHeightType, &timeout),
		tlv.MakePrimitiveRecord(htlcPreimageType, &preimage),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	info := &HTLCInfo{
		HashLock:      hashlock.Hash(hash),
		Next:          next,
		Income:        trwire.Amount(income),
		Payment:       trwire.Amount(payment),
		TimeoutHeight: timeout,
		Preimage:      hashlock.Preimage(preimage),
	}
	err = trwire.ReadElement(bytes.NewReader(path), &info.Router)
	if err != nil {
		return nil, err
	}

	return info, nil
}

// SerializeTxRecord writes the record to w.
func SerializeTxRecord(w *bytes.Buffer, r *TxRecord) error {
	err := WriteElements(w,
		r.ChannelID, r.Nonce, r.Type, r.State, r.Role, r.IsFounder,
		r.FounderBalance, r.PartnerBalance, r.MonitorTxID, r.Bundle,
		r.CreatedAt,
	)
	if err != nil {
		return err
	}

	var ext []byte
	r.HTLC.WhenSome(func(info HTLCInfo) {
		ext, err = encodeHTLCInfo(&info)
	})
	if err != nil {
		return err
	}

	return WriteElements(w, r.HTLC.IsSome(), ext)
}

// DeserializeTxRecord reads a record written by SerializeTxRecord. Any
// failure is reported as ErrCorruptRecord.
func DeserializeTxRecord(r io.Reader) (*TxRecord, error) {
	rec := &TxRecord{}
	err := ReadElements(r,
		&rec.ChannelID, &rec.Nonce, &rec.Type, &rec.State, &rec.Role,
		&rec.IsFounder, &rec.FounderBalance, &rec.PartnerBalance,
		&rec.MonitorTxID, &rec.Bundle, &rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: tx record: %v", ErrCorruptRecord, err)
	}

	var (
		hasHTLC bool
		ext     []byte
	)
	if err := ReadElements(r, &hasHTLC, &ext); err != nil {
		return nil, fmt.Errorf("%w: tx record htlc: %v",
			ErrCorruptRecord, err)
	}
	if hasHTLC {
		info, err := decodeHTLCInfo(ext)
		if err != nil {
			return nil, fmt.Errorf("%w: htlc extension: %v",
				ErrCorruptRecord, err)
		}
		rec.HTLC = fn.Some(*info)
	}

	return rec, nil
}
