package channeldb

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/trinity-network/trinity/hashlock"
	"github.com/trinity-network/trinity/trwire"
)

// WriteElement is a one-stop shop to write the big endian representation of
// any element which is to be serialized for storage on disk. Elements the
// wire protocol already knows are delegated to trwire.
func WriteElement(w *bytes.Buffer, element interface{}) error {
	switch e := element.(type) {
	case ChannelState:
		return trwire.WriteUint8(w, uint8(e))

	case TxState:
		return trwire.WriteUint8(w, uint8(e))

	case BlockEventType:
		return trwire.WriteUint8(w, uint8(e))

	case time.Time:
		var unixNano uint64
		if !e.IsZero() {
			unixNano = uint64(e.UnixNano())
		}
		return trwire.WriteUint64(w, unixNano)

	case hashlock.Hash:
		return trwire.WriteBytes(w, e[:])

	case hashlock.Preimage:
		return trwire.WriteBytes(w, e[:])

	case TxTemplate:
		return trwire.WriteElements(w,
			e.RawData, e.TxID, e.Witness, e.TimeLock,
		)

	case []SignedTx:
		if err := trwire.WriteUint16(w, uint16(len(e))); err != nil {
			return err
		}
		for _, stx := range e {
			err := WriteElements(w,
				stx.Kind, stx.Template, stx.FounderSig,
				stx.PartnerSig,
			)
			if err != nil {
				return err
			}
		}

	case []PendingHTLC:
		if err := trwire.WriteUint16(w, uint16(len(e))); err != nil {
			return err
		}
		for _, htlc := range e {
			err := WriteElements(w,
				htlc.HashLock, htlc.LockNonce, htlc.Amount,
				htlc.TimeoutHeight, htlc.FounderPays,
			)
			if err != nil {
				return err
			}
		}

	default:
		return trwire.WriteElement(w, element)
	}

	return nil
}

// WriteElements writes each element in the elements slice to the passed
// buffer using WriteElement.
func WriteElements(w *bytes.Buffer, elements ...interface{}) error {
	for _, element := range elements {
		if err := WriteElement(w, element); err != nil {
			return err
		}
	}

	return nil
}

func readCount(r io.Reader) (int, error) {
	var n uint16
	if err := trwire.ReadElement(r, &n); err != nil {
		return 0, err
	}
	if int(n) > trwire.MaxSliceLength {
		return 0, fmt.Errorf("list of %d elements too long", n)
	}

	return int(n), nil
}

// ReadElement is a one-stop utility function to deserialize any datastructure
// encoded using the serialization format of the database.
func ReadElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *ChannelState:
		var b uint8
		if err := trwire.ReadElement(r, &b); err != nil {
			return err
		}
		*e = ChannelState(b)

	case *TxState:
		var b uint8
		if err := trwire.ReadElement(r, &b); err != nil {
			return err
		}
		*e = TxState(b)

	case *BlockEventType:
		var b uint8
		if err := trwire.ReadElement(r, &b); err != nil {
			return err
		}
		*e = BlockEventType(b)

	case *time.Time:
		var unixNano uint64
		if err := trwire.ReadElement(r, &unixNano); err != nil {
			return err
		}
		if unixNano == 0 {
			*e = time.Time{}
			return nil
		}
		*e = time.Unix(0, int64(unixNano))

	case *hashlock.Hash:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *hashlock.Preimage:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *TxTemplate:
		return trwire.ReadElements(r,
			&e.RawData, &e.TxID, &e.Witness, &e.TimeLock,
		)

	case *[]SignedTx:
		n, err := readCount(r)
		if err != nil {
			return err
		}
		if n == 0 {
			*e = nil
			return nil
		}

		txs := make([]SignedTx, n)
		for i := range txs {
			err := ReadElements(r,
				&txs[i].Kind, &txs[i].Template,
				&txs[i].FounderSig, &txs[i].PartnerSig,
			)
			if err != nil {
				return err
			}
		}
		*e = txs

	case *[]PendingHTLC:
		n, err := readCount(r)
		if err != nil {
			return err
		}
		if n == 0 {
			*e = nil
			return nil
		}

		htlcs := make([]PendingHTLC, n)
		for i := range htlcs {
			err := ReadElements(r,
				&htlcs[i].HashLock, &htlcs[i].LockNonce,
				&htlcs[i].Amount, &htlcs[i].TimeoutHeight,
				&htlcs[i].FounderPays,
			)
			if err != nil {
				return err
			}
		}
		*e = htlcs

	default:
		return trwire.ReadElement(r, element)
	}

	return nil
}

// ReadElements deserializes a variable number of elements into the passed
// io.Reader, with each element being deserialized according to the
// ReadElement function.
func ReadElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		if err := ReadElement(r, element); err != nil {
			return err
		}
	}

	return nil
}
