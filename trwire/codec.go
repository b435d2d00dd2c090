package trwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// MaxSliceLength is the maximum number of elements a decoded list may
	// claim.
	MaxSliceLength = 1024

	// MaxVarBytes is the largest byte blob a decoder will allocate.
	MaxVarBytes = 1 << 20
)

var (
	// ErrUnknownElement is returned when an element type has no encoding.
	ErrUnknownElement = errors.New("unknown element type")

	// ErrTooLarge is returned when a length prefix exceeds decoder limits.
	ErrTooLarge = errors.New("length prefix too large")
)

// WriteBytes appends the given bytes to the provided buffer.
func WriteBytes(buf *bytes.Buffer, b []byte) error {
	_, err := buf.Write(b)
	return err
}

// WriteUint8 appends the uint8 to the provided buffer.
func WriteUint8(buf *bytes.Buffer, n uint8) error {
	return buf.WriteByte(n)
}

// WriteUint16 appends the uint16 to the provided buffer. It encodes the
// integer using big endian byte order.
func WriteUint16(buf *bytes.Buffer, n uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], n)
	_, err := buf.Write(b[:])
	return err
}

// WriteUint32 appends the uint32 to the provided buffer. It encodes the
// integer using big endian byte order.
func WriteUint32(buf *bytes.Buffer, n uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	_, err := buf.Write(b[:])
	return err
}

// WriteUint64 appends the uint64 to the provided buffer. It encodes the
// integer using big endian byte order.
func WriteUint64(buf *bytes.Buffer, n uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	_, err := buf.Write(b[:])
	return err
}

// WriteVarBytes appends a uint32 length prefix followed by the bytes.
func WriteVarBytes(buf *bytes.Buffer, b []byte) error {
	if len(b) > MaxVarBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	}
	if err := WriteUint32(buf, uint32(len(b))); err != nil {
		return err
	}

	return WriteBytes(buf, b)
}

// WriteString appends a uint16 length prefixed string.
func WriteString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%w: string of %d bytes", ErrTooLarge, len(s))
	}
	if err := WriteUint16(buf, uint16(len(s))); err != nil {
		return err
	}

	_, err := buf.WriteString(s)
	return err
}

// WriteElement is a one-stop shop to write the big endian representation of
// any element which is to be serialized for the wire protocol.
func WriteElement(w *bytes.Buffer, element interface{}) error {
	switch e := element.(type) {
	case uint8:
		return WriteUint8(w, e)

	case uint16:
		return WriteUint16(w, e)

	case uint32:
		return WriteUint32(w, e)

	case uint64:
		return WriteUint64(w, e)

	case bool:
		var b uint8
		if e {
			b = 1
		}
		return WriteUint8(w, b)

	case Amount:
		return WriteUint64(w, uint64(e))

	case Role:
		return WriteUint8(w, uint8(e))

	case TxKind:
		return WriteUint8(w, uint8(e))

	case HtlcPhase:
		return WriteUint8(w, uint8(e))

	case string:
		return WriteString(w, e)

	case Endpoint:
		return WriteString(w, string(e))

	case []byte:
		return WriteVarBytes(w, e)

	case [32]byte:
		return WriteBytes(w, e[:])

	case ChannelID:
		return WriteBytes(w, e[:])

	case chainhash.Hash:
		return WriteBytes(w, e[:])

	case []Endpoint:
		if err := WriteUint16(w, uint16(len(e))); err != nil {
			return err
		}
		for _, ep := range e {
			if err := WriteString(w, string(ep)); err != nil {
				return err
			}
		}

	case []string:
		if err := WriteUint16(w, uint16(len(e))); err != nil {
			return err
		}
		for _, s := range e {
			if err := WriteString(w, s); err != nil {
				return err
			}
		}

	case []TxSlot:
		if err := WriteUint16(w, uint16(len(e))); err != nil {
			return err
		}
		for i := range e {
			if err := e[i].Encode(w); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("%w: %T", ErrUnknownElement, element)
	}

	return nil
}

// WriteElements is writes each element in the elements slice to the passed
// buffer using WriteElement.
func WriteElements(w *bytes.Buffer, elements ...interface{}) error {
	for _, element := range elements {
		if err := WriteElement(w, element); err != nil {
			return err
		}
	}

	return nil
}

func readString(r io.Reader) (string, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", err
	}

	b := make([]byte, binary.BigEndian.Uint16(l[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}

	return string(b), nil
}

func readCount(r io.Reader) (int, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return 0, err
	}

	n := int(binary.BigEndian.Uint16(l[:]))
	if n > MaxSliceLength {
		return 0, fmt.Errorf("%w: %d elements", ErrTooLarge, n)
	}

	return n, nil
}

// ReadElement is a one-stop utility function to deserialize any datastructure
// encoded using the serialization format of the wire protocol.
func ReadElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *uint8:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = b[0]

	case *uint16:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint16(b[:])

	case *uint32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint32(b[:])

	case *uint64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint64(b[:])

	case *bool:
		var b uint8
		if err := ReadElement(r, &b); err != nil {
			return err
		}
		*e = b == 1

	case *Amount:
		var a uint64
		if err := ReadElement(r, &a); err != nil {
			return err
		}
		*e = Amount(a)

	case *Role:
		var b uint8
		if err := ReadElement(r, &b); err != nil {
			return err
		}
		*e = Role(b)

	case *TxKind:
		var b uint8
		if err := ReadElement(r, &b); err != nil {
			return err
		}
		*e = TxKind(b)

	case *HtlcPhase:
		var b uint8
		if err := ReadElement(r, &b); err != nil {
			return err
		}
		*e = HtlcPhase(b)

	case *string:
		s, err := readString(r)
		if err != nil {
			return err
		}
		*e = s

	case *Endpoint:
		s, err := readString(r)
		if err != nil {
			return err
		}
		*e = Endpoint(s)

	case *[]byte:
		var l uint32
		if err := ReadElement(r, &l); err != nil {
			return err
		}
		if l > MaxVarBytes {
			return fmt.Errorf("%w: %d bytes", ErrTooLarge, l)
		}
		if l == 0 {
			*e = nil
			return nil
		}
		b := make([]byte, l)
		if _, err := io.ReadFull(r, b); err != nil {
			return err
		}
		*e = b

	case *[32]byte:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *ChannelID:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *chainhash.Hash:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *[]Endpoint:
		n, err := readCount(r)
		if err != nil {
			return err
		}
		if n == 0 {
			*e = nil
			return nil
		}
		eps := make([]Endpoint, n)
		for i := range eps {
			if err := ReadElement(r, &eps[i]); err != nil {
				return err
			}
		}
		*e = eps

	case *[]string:
		n, err := readCount(r)
		if err != nil {
			return err
		}
		if n == 0 {
			*e = nil
			return nil
		}
		ss := make([]string, n)
		for i := range ss {
			if ss[i], err = readString(r); err != nil {
				return err
			}
		}
		*e = ss

	case *[]TxSlot:
		n, err := readCount(r)
		if err != nil {
			return err
		}
		if n == 0 {
			*e = nil
			return nil
		}
		slots := make([]TxSlot, n)
		for i := range slots {
			if err := slots[i].Decode(r); err != nil {
				return err
			}
		}
		*e = slots

	default:
		return fmt.Errorf("%w: %T", ErrUnknownElement, element)
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
