package chainntfs

import (
	"bytes"
	"encoding/hex"

	"github.com/btcsuite/btcd/wire"
)

func decodeBlockHex(raw string) (*wire.MsgBlock, error) {
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return &block, nil
}

func decodeTxHex(raw string) (*wire.MsgTx, error) {
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return &tx, nil
}

func encodeTxHex(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
