package htlcswitch

import "github.com/btcsuite/btcd/btcec/v2"

// ForwardingError wraps a BOLT-4 failure message with the public key of the
// hop that originated it, so the sender of a payment can tell how far the
// HTLC traveled before it was rejected.
type ForwardingError struct {
	ErrorSource *btcec.PublicKey
	ExtraMsg    string
	FailureCode uint16
}

func (f *ForwardingError) Error() string {
	if f.ExtraMsg != "" {
		return f.ExtraMsg
	}
	return "htlcswitch: forwarding failure"
}

// ErrorDecrypter peels the onion-encrypted failure blob carried on an
// UpdateFailHTLC back to a ForwardingError, attributing it to the hop that
// produced it. Only the originator of a payment can fully decrypt a
// failure; every other hop along the path re-encrypts it one layer deeper
// on its way back per BOLT-4's error-obfuscation scheme.
type ErrorDecrypter interface {
	DecryptError(reason []byte) (*ForwardingError, error)
}
