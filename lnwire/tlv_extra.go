package lnwire

import (
	"bytes"

	"github.com/lightningnetwork/lnd/tlv"
)

// upfrontShutdownScriptType is the TLV type BOLT-2 assigns the optional
// upfront_shutdown_script extension record carried on open_channel and
// accept_channel.
const upfrontShutdownScriptType tlv.Type = 0

// encodeUpfrontShutdownScript packs an optional upfront shutdown script into
// a TLV stream, returning nil if script is empty (the extension is
// optional and simply omitted in that case).
func encodeUpfrontShutdownScript(script []byte) ([]byte, error) {
	if len(script) == 0 {
		return nil, nil
	}

	record := tlv.MakePrimitiveRecord(upfrontShutdownScriptType, &script)
	stream, err := tlv.NewStream(record)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeUpfrontShutdownScript unpacks the upfront_shutdown_script extension
// from a peer-supplied TLV blob, returning nil if absent.
func decodeUpfrontShutdownScript(extra []byte) ([]byte, error) {
	if len(extra) == 0 {
		return nil, nil
	}

	var script []byte
	record := tlv.MakePrimitiveRecord(upfrontShutdownScriptType, &script)
	stream, err := tlv.NewStream(record)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(bytes.NewReader(extra)); err != nil {
		return nil, err
	}
	return script, nil
}
