package channeldb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Encoding for Channel and ChannelMonitor snapshots is hand-rolled
// length-prefixed binary, in the style of the teacher's channeldb: a
// flat sequence of fixed-width fields and varint-length byte slices,
// with no embedded schema. This avoids pulling a code-generated schema
// (protobuf) into what is otherwise a single internal snapshot format
// with no cross-version wire requirement.

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeBool(w io.Writer, v bool) error {
	if v {
		_, err := w.Write([]byte{1})
		return err
	}
	_, err := w.Write([]byte{0})
	return err
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] == 1, nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFixed(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return err
}

func readFixed(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeOutpoint(w io.Writer, op wire.OutPoint) error {
	if err := writeFixed(w, op.Hash[:]); err != nil {
		return err
	}
	return writeUint32(w, op.Index)
}

func readOutpoint(r io.Reader) (wire.OutPoint, error) {
	var op wire.OutPoint
	h, err := readFixed(r, chainhash.HashSize)
	if err != nil {
		return op, err
	}
	copy(op.Hash[:], h)
	idx, err := readUint32(r)
	if err != nil {
		return op, err
	}
	op.Index = idx
	return op, nil
}

// EncodeChannel serializes a Channel snapshot for storage under the
// "manager" key (spec §6).
func EncodeChannel(c *Channel) ([]byte, error) {
	var buf bytes.Buffer

	if err := writeFixed(&buf, c.ChannelID[:]); err != nil {
		return nil, err
	}
	if err := writeUint64(&buf, c.ShortChannelID); err != nil {
		return nil, err
	}
	if err := writeFixed(&buf, c.CounterpartyNodeID[:]); err != nil {
		return nil, err
	}
	if err := writeOutpoint(&buf, c.FundingOutpoint); err != nil {
		return nil, err
	}
	if err := writeFixed(&buf, c.ChannelKeysID[:]); err != nil {
		return nil, err
	}
	if err := writeUint64(&buf, c.CapacitySat); err != nil {
		return nil, err
	}
	if err := writeUint64(&buf, c.ToSelfBalanceMsat); err != nil {
		return nil, err
	}
	if err := writeUint64(&buf, c.ToRemoteBalanceMsat); err != nil {
		return nil, err
	}
	if err := writeUint64(&buf, c.NextCommitmentNum); err != nil {
		return nil, err
	}
	if err := buf.WriteByte(byte(c.State)); err != nil {
		return nil, err
	}

	if err := writeUint32(&buf, uint32(len(c.PendingHTLCs))); err != nil {
		return nil, err
	}
	for _, h := range c.PendingHTLCs {
		if err := writeUint64(&buf, h.HTLCIndex); err != nil {
			return nil, err
		}
		if err := writeUint64(&buf, h.AmountMsat); err != nil {
			return nil, err
		}
		if err := writeFixed(&buf, h.PaymentHash[:]); err != nil {
			return nil, err
		}
		if err := writeUint32(&buf, h.CltvExpiry); err != nil {
			return nil, err
		}
		if err := writeBool(&buf, h.Incoming); err != nil {
			return nil, err
		}
		if err := writeBytes(&buf, h.OnionBlob); err != nil {
			return nil, err
		}
	}

	if err := writeUint32(&buf, uint32(len(c.RevokedCommitTxs))); err != nil {
		return nil, err
	}
	for _, h := range c.RevokedCommitTxs {
		if err := writeFixed(&buf, h[:]); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// DecodeChannel reverses EncodeChannel.
func DecodeChannel(raw []byte) (*Channel, error) {
	r := bytes.NewReader(raw)
	c := &Channel{}

	if b, err := readFixed(r, 32); err != nil {
		return nil, err
	} else {
		copy(c.ChannelID[:], b)
	}

	var err error
	if c.ShortChannelID, err = readUint64(r); err != nil {
		return nil, err
	}
	if b, err := readFixed(r, 33); err != nil {
		return nil, err
	} else {
		copy(c.CounterpartyNodeID[:], b)
	}
	if c.FundingOutpoint, err = readOutpoint(r); err != nil {
		return nil, err
	}
	if b, err := readFixed(r, 32); err != nil {
		return nil, err
	} else {
		copy(c.ChannelKeysID[:], b)
	}
	if c.CapacitySat, err = readUint64(r); err != nil {
		return nil, err
	}
	if c.ToSelfBalanceMsat, err = readUint64(r); err != nil {
		return nil, err
	}
	if c.ToRemoteBalanceMsat, err = readUint64(r); err != nil {
		return nil, err
	}
	if c.NextCommitmentNum, err = readUint64(r); err != nil {
		return nil, err
	}
	stateByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	c.State = ChannelState(stateByte)

	htlcCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if htlcCount > 0 {
		c.PendingHTLCs = make([]HTLC, htlcCount)
	}
	for i := range c.PendingHTLCs {
		h := &c.PendingHTLCs[i]
		if h.HTLCIndex, err = readUint64(r); err != nil {
			return nil, err
		}
		if h.AmountMsat, err = readUint64(r); err != nil {
			return nil, err
		}
		if b, err := readFixed(r, 32); err != nil {
			return nil, err
		} else {
			copy(h.PaymentHash[:], b)
		}
		if h.CltvExpiry, err = readUint32(r); err != nil {
			return nil, err
		}
		if h.Incoming, err = readBool(r); err != nil {
			return nil, err
		}
		if h.OnionBlob, err = readBytes(r); err != nil {
			return nil, err
		}
	}

	revCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if revCount > 0 {
		c.RevokedCommitTxs = make([]chainhash.Hash, revCount)
	}
	for i := range c.RevokedCommitTxs {
		b, err := readFixed(r, chainhash.HashSize)
		if err != nil {
			return nil, err
		}
		copy(c.RevokedCommitTxs[i][:], b)
	}

	return c, nil
}

// EncodeMonitor serializes a ChannelMonitor snapshot for storage under
// "monitors/<funding_txid>_<vout>" (spec §6).
func EncodeMonitor(m *ChannelMonitor) ([]byte, error) {
	var buf bytes.Buffer

	if err := writeOutpoint(&buf, m.FundingOutpoint); err != nil {
		return nil, err
	}

	if m.CommitTx != nil {
		var txBuf bytes.Buffer
		if err := m.CommitTx.Serialize(&txBuf); err != nil {
			return nil, err
		}
		if err := writeBytes(&buf, txBuf.Bytes()); err != nil {
			return nil, err
		}
	} else {
		if err := writeBytes(&buf, nil); err != nil {
			return nil, err
		}
	}

	if err := writeBytes(&buf, m.CommitSig); err != nil {
		return nil, err
	}
	if err := writeUint64(&buf, m.CommitmentNumber); err != nil {
		return nil, err
	}

	if err := writeUint32(&buf, uint32(len(m.RevokedStates))); err != nil {
		return nil, err
	}
	for _, rs := range m.RevokedStates {
		if err := writeUint64(&buf, rs.CommitmentNum); err != nil {
			return nil, err
		}
		if err := writeFixed(&buf, rs.CommitTxid[:]); err != nil {
			return nil, err
		}
		if err := writeFixed(&buf, rs.PerCommitPoint[:]); err != nil {
			return nil, err
		}
		if err := writeFixed(&buf, rs.RevocationPreimage[:]); err != nil {
			return nil, err
		}
		if err := writeOutpoint(&buf, rs.ToLocalOutpoint); err != nil {
			return nil, err
		}
		if err := writeUint64(&buf, rs.ToLocalValueSat); err != nil {
			return nil, err
		}
		if err := writeBytes(&buf, rs.ToLocalScript); err != nil {
			return nil, err
		}
		if err := writeUint32(&buf, uint32(rs.ToSelfDelay)); err != nil {
			return nil, err
		}
	}

	if err := writeUint32(&buf, uint32(len(m.WatchedOutputs))); err != nil {
		return nil, err
	}
	for _, wo := range m.WatchedOutputs {
		if err := writeOutpoint(&buf, wo.Outpoint); err != nil {
			return nil, err
		}
		if err := writeBytes(&buf, wo.Script); err != nil {
			return nil, err
		}
	}

	hasClose := m.ClosingTxid != nil
	if err := writeBool(&buf, hasClose); err != nil {
		return nil, err
	}
	if hasClose {
		if err := writeOutpoint(&buf, *m.ClosingTxid); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// DecodeMonitor reverses EncodeMonitor.
func DecodeMonitor(raw []byte) (*ChannelMonitor, error) {
	r := bytes.NewReader(raw)
	m := &ChannelMonitor{}

	op, err := readOutpoint(r)
	if err != nil {
		return nil, err
	}
	m.FundingOutpoint = op

	txBytes, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	if len(txBytes) > 0 {
		tx := wire.NewMsgTx(2)
		if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
			return nil, fmt.Errorf("decode commit tx: %w", err)
		}
		m.CommitTx = tx
	}

	if m.CommitSig, err = readBytes(r); err != nil {
		return nil, err
	}
	if m.CommitmentNumber, err = readUint64(r); err != nil {
		return nil, err
	}

	revCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	m.RevokedStates = make([]RevokedState, revCount)
	for i := range m.RevokedStates {
		rs := &m.RevokedStates[i]
		if rs.CommitmentNum, err = readUint64(r); err != nil {
			return nil, err
		}
		if b, err := readFixed(r, chainhash.HashSize); err != nil {
			return nil, err
		} else {
			copy(rs.CommitTxid[:], b)
		}
		if b, err := readFixed(r, 33); err != nil {
			return nil, err
		} else {
			copy(rs.PerCommitPoint[:], b)
		}
		if b, err := readFixed(r, 32); err != nil {
			return nil, err
		} else {
			copy(rs.RevocationPreimage[:], b)
		}
		if rs.ToLocalOutpoint, err = readOutpoint(r); err != nil {
			return nil, err
		}
		if rs.ToLocalValueSat, err = readUint64(r); err != nil {
			return nil, err
		}
		if rs.ToLocalScript, err = readBytes(r); err != nil {
			return nil, err
		}
		toSelfDelay, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		rs.ToSelfDelay = uint16(toSelfDelay)
	}

	woCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	m.WatchedOutputs = make([]WatchedOutput, woCount)
	for i := range m.WatchedOutputs {
		wo := &m.WatchedOutputs[i]
		if wo.Outpoint, err = readOutpoint(r); err != nil {
			return nil, err
		}
		if wo.Script, err = readBytes(r); err != nil {
			return nil, err
		}
	}

	hasClose, err := readBool(r)
	if err != nil {
		return nil, err
	}
	if hasClose {
		op, err := readOutpoint(r)
		if err != nil {
			return nil, err
		}
		m.ClosingTxid = &op
	}

	return m, nil
}
