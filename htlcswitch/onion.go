package htlcswitch

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	sphinx "github.com/lightningnetwork/lightning-onion"
	"github.com/lightningnetwork/lnd/tlv"

	"github.com/lampo-project/lampo/lnwire"
)

// Final-hop TLV payload types, per BOLT-4: the amount and CLTV the sender
// commits to are carried alongside the onion rather than inferred.
// BuildFinalHopOnion writes them into the final hop's payload; Unwrap does
// not decode or check that payload and reports only IsExitNode for it.
const (
	tlvTypeAmtToForward tlv.Type = 2
	tlvTypeOutgoingCLTV tlv.Type = 4
)

// memReplayLog is an in-memory sphinx.ReplayLog: it remembers every shared
// secret hash this node has already processed so a replayed onion packet
// (the same HTLC forwarded twice) is rejected rather than processed again.
// A production deployment would persist this across restarts; grounded on
// the scope decision that a restarted node re-requests in-flight HTLCs
// from its peers rather than needing durable replay protection, the same
// simplification this module's forwarding plane makes for its circuit map.
type memReplayLog struct {
	mu   sync.Mutex
	seen map[[32]byte]struct{}
}

func newMemReplayLog() *memReplayLog {
	return &memReplayLog{seen: make(map[[32]byte]struct{})}
}

func (l *memReplayLog) Start() error { return nil }
func (l *memReplayLog) Stop() error  { return nil }

func (l *memReplayLog) Get(hash *[32]byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[*hash]
	return ok, nil
}

func (l *memReplayLog) Put(hash *[32]byte, cltv uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[*hash] = struct{}{}
	return nil
}

func (l *memReplayLog) Delete(hash *[32]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, *hash)
	return nil
}

// OnionProcessor unwraps the Sphinx onion packet carried in an
// UpdateAddHTLC's OnionBlob per BOLT-4, reporting whether this node is the
// final hop or should forward to NextHop.
type OnionProcessor struct {
	router *sphinx.Router
}

// NewOnionProcessor builds an OnionProcessor bound to this node's Sphinx
// unwrapping key.
func NewOnionProcessor(nodeKey *btcec.PrivateKey, params *chaincfg.Params) *OnionProcessor {
	return &OnionProcessor{
		router: sphinx.NewRouter(nodeKey, params, newMemReplayLog()),
	}
}

// ForwardingInstruction is what this hop learned about continuing an HTLC:
// either the next channel to forward it over, or that this node is the
// final recipient.
type ForwardingInstruction struct {
	IsExitNode bool

	NextHop       lnwire.ShortChannelID
	ForwardAmount lnwire.MilliSatoshi
	OutgoingCLTV  uint32

	// NextOnionBlob is the onion packet to place on the forwarded HTLC,
	// already peeled one layer for the next hop.
	NextOnionBlob [lnwire.OnionPacketSize]byte
}

// Unwrap peels one layer off an onion blob, given the payment hash it's
// associated with (used as Sphinx's associated data, binding the onion to
// this specific HTLC) and the CLTV expiry carried alongside it on the wire.
func (o *OnionProcessor) Unwrap(onionBlob [lnwire.OnionPacketSize]byte,
	paymentHash [32]byte, incomingCLTV uint32) (*ForwardingInstruction, error) {

	var pkt sphinx.OnionPacket
	if err := pkt.Decode(bytes.NewReader(onionBlob[:])); err != nil {
		return nil, fmt.Errorf("htlcswitch: decode onion packet: %w", err)
	}

	processed, err := o.router.ProcessOnionPacket(&pkt, paymentHash[:], incomingCLTV)
	if err != nil {
		return nil, fmt.Errorf("htlcswitch: process onion packet: %w", err)
	}

	instr := &ForwardingInstruction{
		IsExitNode: processed.Action == sphinx.ExitNode,
	}
	if instr.IsExitNode {
		return instr, nil
	}

	hop := processed.ForwardingInstructions
	instr.NextHop = lnwire.NewShortChanIDFromInt(hop.NextShortChannelID())
	instr.ForwardAmount = lnwire.MilliSatoshi(hop.AmountToForward())
	instr.OutgoingCLTV = hop.OutgoingCLTV()

	var buf bytes.Buffer
	if err := processed.NextPacket.Encode(&buf); err != nil {
		return nil, fmt.Errorf("htlcswitch: encode next onion packet: %w", err)
	}
	copy(instr.NextOnionBlob[:], buf.Bytes())

	return instr, nil
}

// BuildFinalHopOnion constructs a Sphinx onion packet addressed to dest as
// the sole, final hop: this processor never plans a route across
// intermediate hops, so every locally originated payment is a direct
// send to a peer this node already has a channel with. The resulting
// blob still goes through a genuine Sphinx construction -- the recipient's
// own OnionProcessor.Unwrap has no way to special-case a "direct payment"
// and will reject anything that isn't a correctly onion-wrapped packet.
func (o *OnionProcessor) BuildFinalHopOnion(dest *btcec.PublicKey,
	amount lnwire.MilliSatoshi, cltvExpiry uint32,
	paymentHash [32]byte) ([lnwire.OnionPacketSize]byte, error) {

	var blob [lnwire.OnionPacketSize]byte

	payload, err := encodeFinalHopPayload(amount, cltvExpiry)
	if err != nil {
		return blob, fmt.Errorf("htlcswitch: encode final hop payload: %w", err)
	}

	var path sphinx.PaymentPath
	path[0] = sphinx.OnionHop{
		NodePub: *dest,
		HopPayload: sphinx.HopPayload{
			Type:    sphinx.PayloadTLV,
			Payload: payload,
		},
	}

	sessionKey, err := btcec.NewPrivateKey()
	if err != nil {
		return blob, fmt.Errorf("htlcswitch: generate onion session key: %w", err)
	}

	pkt, err := sphinx.NewOnionPacket(
		&path, sessionKey, paymentHash[:], sphinx.DeterministicPacketFiller,
	)
	if err != nil {
		return blob, fmt.Errorf("htlcswitch: build onion packet: %w", err)
	}

	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return blob, fmt.Errorf("htlcswitch: encode onion packet: %w", err)
	}
	copy(blob[:], buf.Bytes())

	return blob, nil
}

// encodeFinalHopPayload packs the amount and CLTV expiry the sender commits
// to into the TLV payload carried by the (only, final) hop of a direct
// payment.
func encodeFinalHopPayload(amount lnwire.MilliSatoshi, cltvExpiry uint32) ([]byte, error) {
	amt := uint64(amount)
	cltv := cltvExpiry

	amtRecord := tlv.MakePrimitiveRecord(tlvTypeAmtToForward, &amt)
	cltvRecord := tlv.MakePrimitiveRecord(tlvTypeOutgoingCLTV, &cltv)

	stream, err := tlv.NewStream(amtRecord, cltvRecord)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
