// Package handler implements the Handler named in spec §2/§7: the single
// owner of every long-lived node-core component. The teacher's original
// source wires a chain backend, a wallet, a channel manager, and a chain
// monitor into each other through Rc<RefCell<Option<Arc<X>>>> so any one
// of them can reach any other; in a Go rewrite that pattern is an
// ownership cycle waiting to leak or deadlock. Handler breaks the cycle
// the way spec §7's REDESIGN FLAGS note directs: it holds the only
// strong references to each component, and components that need to call
// back out (ChannelManager sending wire messages, for instance) are
// handed a narrow interface (PeerSender) rather than a pointer to
// Handler itself.
//
// Handler is also the bus's one public subscription point: Subscribe
// hands back a live eventbus.Subscription without the caller needing to
// know chainntfs/channelmanager/htlcswitch publish onto it at all, so a
// future JSON-RPC or CLI surface (out of scope here per spec §1) has
// exactly one seam to attach to.
package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/lampo-project/lampo/chainntfs"
	"github.com/lampo-project/lampo/chainreconciler"
	"github.com/lampo-project/lampo/channeldb"
	"github.com/lampo-project/lampo/channelmanager"
	"github.com/lampo-project/lampo/contractcourt"
	"github.com/lampo-project/lampo/eventbus"
	"github.com/lampo-project/lampo/htlcswitch"
	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwallet"
	"github.com/lampo-project/lampo/lnwire"
	"github.com/lampo-project/lampo/offchain"
	"github.com/lampo-project/lampo/peer"
	"github.com/lampo-project/lampo/persist"
)

var log btclog.Logger = btclog.Disabled

// UseLogger sets the package-level logger used by handler.
func UseLogger(l btclog.Logger) {
	log = l
}

// Config collects everything Handler needs to construct and wire the
// rest of the node. cmd/lampod fills it from its parsed flags/config file
// plus its own fixed channel parameters (CSV delay, HTLC limits, dust
// limit, reserve, fee rate, funding depth).
type Config struct {
	KeyManager *keychain.KeyManager
	Store      *persist.SyncAdapter
	RPCClient  chainntfs.Client
	NetParams  *chaincfg.Params
	Network    string

	ListenAddrs  []string
	ConnectPeers []*lnwire.NetAddress

	DefaultCSVDelay   uint16
	MaxAcceptedHTLCs  uint16
	DustLimitSat      uint64
	ChannelReserveSat uint64
	HTLCMinimumMsat   lnwire.MilliSatoshi
	FeePerKW          uint32
	MinFundingDepth   uint32

	// OnFatal is invoked if the chain reconciler's critical subscription
	// ever overflows or applying an on-chain event fails (spec §7's
	// fund-safety abort). cmd/lampod wires
	// this to its process-level shutdown channel.
	OnFatal chainreconciler.AbortFunc
}

// Handler owns every long-lived component and is the sole place outside
// each component's own package that holds a strong reference to it.
type Handler struct {
	cfg Config

	bus          *eventbus.Bus
	chain        *chainntfs.ChainBackend
	wallet       *lnwallet.WalletManager
	chanStore    *channeldb.ChannelStore
	chainMonitor *contractcourt.ChainMonitor
	sw           *htlcswitch.Switch
	channelMgr   *channelmanager.ChannelManager
	offchainMgr  *offchain.Manager
	peerMgr      *peer.Manager
	reconciler   *chainreconciler.Reconciler

	reconcilerCancel context.CancelFunc
	chainCancel      context.CancelFunc
}

// New wires every component per the dependency order the teacher's own
// lndMain follows: chain backend before wallet (wallet restore needs
// confirmations), channel store before channel manager, switch and onion
// processor before channel manager (it registers links with the
// switch), channel manager before peer manager (the peer manager is a
// peer.MessageHandler).
func New(cfg Config) (*Handler, error) {
	bus := eventbus.New()

	chain := chainntfs.New(chainntfs.Config{
		Client:       cfg.RPCClient,
		Bus:          bus,
		PollInterval: ticker.New(chainntfs.DefaultPollInterval * time.Second),
		Log:          log,
	})

	wallet, err := lnwallet.Restore(lnwallet.Config{
		KeyManager: cfg.KeyManager,
		Chain:      chain,
		Store:      cfg.Store,
		Clock:      clock.NewDefaultClock(),
		Network:    cfg.Network,
	})
	if err != nil {
		return nil, fmt.Errorf("handler: restore wallet: %w", err)
	}

	chanStore := channeldb.NewChannelStore(cfg.Store)

	justice := contractcourt.NewJusticeGenerator(cfg.KeyManager, chain)
	chainMonitor := contractcourt.New(chanStore, justice)

	var selfKey [33]byte
	copy(selfKey[:], cfg.KeyManager.GetNodeSecretKey().PubKey().SerializeCompressed())

	sw := htlcswitch.New(htlcswitch.Config{SelfKey: selfKey, Bus: bus},
		htlcswitch.NewControlTower(cfg.Store))
	onion := htlcswitch.NewOnionProcessor(cfg.KeyManager.GetNodeSecretKey(), cfg.NetParams)

	channelMgr := channelmanager.New(channelmanager.Config{
		KeyManager:        cfg.KeyManager,
		Wallet:            wallet,
		Store:             chanStore,
		ChainMonitor:      chainMonitor,
		Switch:            sw,
		Onion:             onion,
		Bus:               bus,
		NetParams:         cfg.NetParams,
		DefaultCSVDelay:   cfg.DefaultCSVDelay,
		MaxAcceptedHTLCs:  cfg.MaxAcceptedHTLCs,
		DustLimitSat:      cfg.DustLimitSat,
		ChannelReserveSat: cfg.ChannelReserveSat,
		HTLCMinimumMsat:   cfg.HTLCMinimumMsat,
		FeePerKW:          cfg.FeePerKW,
		MinFundingDepth:   cfg.MinFundingDepth,
	})
	if err := channelMgr.LoadFromStore(); err != nil {
		return nil, fmt.Errorf("handler: rehydrate channel state: %w", err)
	}

	offchainMgr := offchain.New(offchain.Config{
		KeyManager: cfg.KeyManager,
		ChannelMgr: channelMgr,
		NetParams:  cfg.NetParams,
	})

	peerMgr := peer.NewManager(cfg.KeyManager.GetNodeSecretKey(), cfg.NetParams.Net, channelMgr)
	channelMgr.SetPeerSend(peerMgr)

	reconciler := chainreconciler.New(bus, chainMonitor, channelMgr, cfg.OnFatal)

	return &Handler{
		cfg:          cfg,
		bus:          bus,
		chain:        chain,
		wallet:       wallet,
		chanStore:    chanStore,
		chainMonitor: chainMonitor,
		sw:           sw,
		channelMgr:   channelMgr,
		offchainMgr:  offchainMgr,
		peerMgr:      peerMgr,
		reconciler:   reconciler,
	}, nil
}

// Start begins every background loop (chain polling, chain reconciliation,
// wallet confirmation tracking, peer listening) and dials any configured
// ConnectPeers. It returns once listening has started; the loops
// themselves run until Stop is called.
func (h *Handler) Start(ctx context.Context) error {
	reconcilerCtx, cancel := context.WithCancel(ctx)
	h.reconcilerCancel = cancel
	go func() {
		if err := h.reconciler.Run(reconcilerCtx); err != nil {
			log.Errorf("handler: chain reconciler exited: %v", err)
		}
	}()

	chainCtx, chainCancel := context.WithCancel(ctx)
	h.chainCancel = chainCancel
	go h.chain.Run(chainCtx)

	go h.wallet.Listen()

	if err := h.peerMgr.Listen(h.cfg.ListenAddrs); err != nil {
		return fmt.Errorf("handler: listen for peers: %w", err)
	}
	h.peerMgr.Start()

	for _, addr := range h.cfg.ConnectPeers {
		if _, err := h.peerMgr.Dial(addr); err != nil {
			log.Warnf("handler: unable to connect to %v: %v", addr.IdentityKey, err)
		}
	}

	return nil
}

// Stop tears down every component in the reverse of the order Start
// brought them up, mirroring the teacher's own defer-stack shutdown
// order in lnd.go.
func (h *Handler) Stop() {
	h.peerMgr.Stop()
	h.wallet.Stop()
	if h.chainCancel != nil {
		h.chainCancel()
	}
	h.chain.Stop()
	if h.reconcilerCancel != nil {
		h.reconcilerCancel()
	}
}

// ChannelManager returns the owned channelmanager.ChannelManager, the
// one component an eventual JSON-RPC/CLI surface would need direct
// access to for CreateChannel/CloseChannel/SendPayment calls (spec §1
// places that surface itself out of scope, but the accessor is the
// seam it would attach to).
func (h *Handler) ChannelManager() *channelmanager.ChannelManager { return h.channelMgr }

// Wallet returns the owned on-chain wallet.
func (h *Handler) Wallet() *lnwallet.WalletManager { return h.wallet }

// PeerManager returns the owned peer transport.
func (h *Handler) PeerManager() *peer.Manager { return h.peerMgr }

// Offchain returns the owned invoice/payment manager.
func (h *Handler) Offchain() *offchain.Manager { return h.offchainMgr }

// Subscribe registers an external subscriber and returns the channel it
// should range over; Handler itself remains the bus's only internal
// subscriber management point, keeping chainntfs/channelmanager/
// htlcswitch from needing to know an external consumer exists at all.
func (h *Handler) Subscribe(mode eventbus.SubscriptionMode) *eventbus.Subscription {
	return h.bus.Subscribe(mode)
}
