package channelmanager

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/lampo-project/lampo/channeldb"
	"github.com/lampo-project/lampo/htlcswitch"
	"github.com/lampo-project/lampo/lnwire"
)

// directErrorDecrypter is the ErrorDecrypter this manager hands to
// htlcswitch.Switch.SendHTLC for a locally originated payment. Since
// SendPayment only ever addresses a directly connected peer, a failure
// comes back obfuscated with exactly one layer -- there's no relaying
// hop in between to add a second -- so the reason carried on the wire is
// already the final hop's plaintext failure message.
type directErrorDecrypter struct{}

func (directErrorDecrypter) DecryptError(reason []byte) (*htlcswitch.ForwardingError, error) {
	return &htlcswitch.ForwardingError{ExtraMsg: string(reason)}, nil
}

// SendPayment originates a new payment addressed to dest, a node this
// manager must already have an open, Normal channel with: picking a route
// across other nodes' channels is out of scope, so dest is always the
// payment's immediate (and only) hop. It blocks until the switch reports
// the payment settled or failed, returning the preimage on success.
func (m *ChannelManager) SendPayment(dest [33]byte, amount lnwire.MilliSatoshi,
	paymentHash [32]byte, cltvExpiry uint32) ([32]byte, error) {

	var zero [32]byte

	if _, ok := m.entryForPeer(dest); !ok {
		return zero, ErrNoRouteToPeer
	}

	destPubKey, err := btcec.ParsePubKey(dest[:])
	if err != nil {
		return zero, fmt.Errorf("channelmanager: malformed destination pubkey: %w", err)
	}

	if m.cfg.Onion == nil {
		return zero, fmt.Errorf("channelmanager: no onion processor configured")
	}
	onionBlob, err := m.cfg.Onion.BuildFinalHopOnion(destPubKey, amount, cltvExpiry, paymentHash)
	if err != nil {
		return zero, fmt.Errorf("channelmanager: build payment onion: %w", err)
	}

	htlc := &lnwire.UpdateAddHTLC{
		Amount:      amount,
		PaymentHash: paymentHash,
		Expiry:      cltvExpiry,
		OnionBlob:   onionBlob,
	}

	return m.cfg.Switch.SendHTLC(dest, htlc, directErrorDecrypter{})
}

// entryForPeer returns the Normal-state channel open with peer, if any.
// A node may in principle have more than one channel with the same peer;
// the first Normal one found is used, the same "any eligible link will
// do" choice the switch's own bestLink makes among forwarding candidates.
func (m *ChannelManager) entryForPeer(peer [33]byte) (*channelEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.channels {
		entry.mu.Lock()
		match := entry.snapshot.CounterpartyNodeID == peer &&
			entry.snapshot.State == channeldb.StateNormal
		entry.mu.Unlock()

		if match {
			return entry, true
		}
	}
	return nil, false
}
