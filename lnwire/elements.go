package lnwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// writeElements serializes a variadic list of elements into w, dispatching
// on each element's concrete type. Grounded on the teacher's own
// readElements/writeElements convention used throughout its per-message
// files, rewritten here since the helper itself wasn't part of the
// retrieval pack.
func writeElements(w io.Writer, elements ...interface{}) error {
	for _, element := range elements {
		if err := writeElement(w, element); err != nil {
			return err
		}
	}
	return nil
}

func writeElement(w io.Writer, element interface{}) error {
	switch e := element.(type) {
	case uint8:
		return binary.Write(w, binary.BigEndian, e)
	case uint16:
		return binary.Write(w, binary.BigEndian, e)
	case uint32:
		return binary.Write(w, binary.BigEndian, e)
	case uint64:
		return binary.Write(w, binary.BigEndian, e)
	case MilliSatoshi:
		return binary.Write(w, binary.BigEndian, uint64(e))
	case bool:
		var b uint8
		if e {
			b = 1
		}
		return binary.Write(w, binary.BigEndian, b)
	case []byte:
		if err := binary.Write(w, binary.BigEndian, uint16(len(e))); err != nil {
			return err
		}
		_, err := w.Write(e)
		return err
	case ChannelID:
		_, err := w.Write(e[:])
		return err
	case ShortChannelID:
		return binary.Write(w, binary.BigEndian, e.ToUint64())
	case chainhash.Hash:
		_, err := w.Write(e[:])
		return err
	case wire.OutPoint:
		if err := writeElement(w, e.Hash); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, e.Index)
	case *btcec.PublicKey:
		if e == nil {
			var empty [33]byte
			_, err := w.Write(empty[:])
			return err
		}
		_, err := w.Write(e.SerializeCompressed())
		return err
	case [33]byte:
		_, err := w.Write(e[:])
		return err
	case [32]byte:
		_, err := w.Write(e[:])
		return err
	case [64]byte:
		_, err := w.Write(e[:])
		return err
	default:
		return fmt.Errorf("lnwire: unknown type %T in writeElement", e)
	}
}

// readElements deserializes a variadic list of element pointers from r,
// mirroring writeElements.
func readElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		if err := readElement(r, element); err != nil {
			return err
		}
	}
	return nil
}

func readElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *uint8:
		return binary.Read(r, binary.BigEndian, e)
	case *uint16:
		return binary.Read(r, binary.BigEndian, e)
	case *uint32:
		return binary.Read(r, binary.BigEndian, e)
	case *uint64:
		return binary.Read(r, binary.BigEndian, e)
	case *MilliSatoshi:
		var v uint64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return err
		}
		*e = MilliSatoshi(v)
		return nil
	case *bool:
		var b uint8
		if err := binary.Read(r, binary.BigEndian, &b); err != nil {
			return err
		}
		*e = b != 0
		return nil
	case *[]byte:
		var length uint16
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return err
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		*e = buf
		return nil
	case *ChannelID:
		_, err := io.ReadFull(r, e[:])
		return err
	case *ShortChannelID:
		var v uint64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return err
		}
		*e = NewShortChanIDFromInt(v)
		return nil
	case *chainhash.Hash:
		_, err := io.ReadFull(r, e[:])
		return err
	case *wire.OutPoint:
		if err := readElement(r, &e.Hash); err != nil {
			return err
		}
		return binary.Read(r, binary.BigEndian, &e.Index)
	case **btcec.PublicKey:
		var buf [33]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return err
		}
		// An all-zero key slot means "absent" for optional pubkey fields.
		var zero [33]byte
		if buf == zero {
			*e = nil
			return nil
		}
		pub, err := btcec.ParsePubKey(buf[:])
		if err != nil {
			return err
		}
		*e = pub
		return nil
	case *[33]byte:
		_, err := io.ReadFull(r, e[:])
		return err
	case *[32]byte:
		_, err := io.ReadFull(r, e[:])
		return err
	case *[64]byte:
		_, err := io.ReadFull(r, e[:])
		return err
	default:
		return fmt.Errorf("lnwire: unknown type %T in readElement", e)
	}
}
