package lnwire

import (
	"net"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
)

// NetAddress represents a network address for a node on the Lightning
// Network, tied to its long-term identity public key. peer.Manager.Dial
// takes one and the manager's accept loop builds one per inbound
// connection, instead of a bare net.Addr, so that the identity key negotiated during the Noise_XK handshake travels
// with the socket it belongs to.
type NetAddress struct {
	// IdentityKey is the long-term identity public key of the remote
	// node, authenticated by the Noise_XK handshake.
	IdentityKey *btcec.PublicKey

	// Address is the remote node's network address.
	Address net.Addr

	// ChainNet is the Bitcoin network this address is used on.
	ChainNet wire.BitcoinNet
}

// String returns the remote node's address as a string.
func (a *NetAddress) String() string {
	return a.Address.String()
}
