// Package offchain implements OffchainManager, named in spec §4.8:
// BOLT-11 invoice issuance, decoding, and payment. It owns no channel or
// wire state of its own -- ChannelManager is the only thing it dispatches
// payments through, and KeyManager the only thing it signs invoices with.
package offchain

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/lampo-project/lampo/channelmanager"
	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwire"
	"github.com/lampo-project/lampo/zpay32"
)

// defaultInvoiceExpiry is used when GenerateInvoice's caller doesn't name
// an expiry, matching BOLT-11's own recommended default.
const defaultInvoiceExpiry = 3600 * time.Second

// defaultPayTimeout is how long Pay waits for a dispatched payment to
// resolve before giving up on a synchronous caller, per spec §4.8.
const defaultPayTimeout = 30 * time.Second

// Config bundles OffchainManager's construction dependencies.
type Config struct {
	KeyManager *keychain.KeyManager
	ChannelMgr *channelmanager.ChannelManager
	NetParams  *chaincfg.Params
}

// Manager issues, decodes, and pays BOLT-11 invoices.
type Manager struct {
	cfg Config
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// GenerateInvoice builds and signs a BOLT-11 invoice payable to this node.
// amountMsat may be nil for an any-amount invoice. The route hints embedded
// name every channel this node currently has open, so a payer on the other
// side of one of them knows it can reach this node directly -- the only
// kind of route this node's own Pay can dispatch over, so it's also the
// only kind worth advertising.
func (m *Manager) GenerateInvoice(amountMsat *uint64, description string,
	expiringInSecs uint64) (string, error) {

	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return "", fmt.Errorf("offchain: generate payment preimage: %w", err)
	}
	paymentHash := sha256.Sum256(preimage[:])

	expiry := defaultInvoiceExpiry
	if expiringInSecs > 0 {
		expiry = time.Duration(expiringInSecs) * time.Second
	}

	opts := []func(*zpay32.Invoice){
		zpay32.Destination(m.cfg.KeyManager.GetNodePubKey()),
		zpay32.Description(description),
		zpay32.Expiry(expiry),
		zpay32.RoutingInfo(m.routeHints()),
	}
	if amountMsat != nil {
		opts = append(opts, zpay32.Amount(lnwire.MilliSatoshi(*amountMsat)))
	}

	invoice, err := zpay32.NewInvoice(m.cfg.NetParams, paymentHash, time.Now(), opts...)
	if err != nil {
		return "", fmt.Errorf("offchain: build invoice: %w", err)
	}

	signer := zpay32.MessageSigner{SignCompact: m.cfg.KeyManager.SignInvoice}
	return invoice.Encode(signer)
}

// routeHints lists this node's open channels as single-hop routing hints.
// Fee and CLTV-delta terms are left at zero: this node only ever settles a
// payment to itself directly, with no forwarding fee of its own to quote.
func (m *Manager) routeHints() []zpay32.ExtraRoutingInfo {
	channels := m.cfg.ChannelMgr.ListChannels()

	hints := make([]zpay32.ExtraRoutingInfo, 0, len(channels))
	for _, c := range channels {
		if !c.Ready || c.ShortChannelID == 0 {
			continue
		}
		peerKey, err := btcec.ParsePubKey(c.CounterpartyNodeID[:])
		if err != nil {
			continue
		}
		hints = append(hints, zpay32.ExtraRoutingInfo{
			PubKey:      peerKey,
			ShortChanID: c.ShortChannelID,
		})
	}
	return hints
}

// DecodeInvoice parses a BOLT-11 invoice string into its structural fields
// (destination, amount, expiry, description, route hints) without paying
// it.
func (m *Manager) DecodeInvoice(bolt11Str string) (*zpay32.Invoice, error) {
	return zpay32.Decode(bolt11Str)
}
