// Package channelmanager implements the BOLT-2/3/7 channel state machine
// named ChannelManager in spec §4.5: funding negotiation, commitment
// updates, cooperative close, and the visibility transitions driven by
// chain confirmations. It owns no wire transport of its own -- PeerSender
// is the single seam the peer package hangs off -- and
// delegates HTLC forwarding bookkeeping to htlcswitch.Switch, implementing
// htlcswitch.ChannelLink per open channel so the switch can hand it
// packets without knowing anything about BOLT-2/3.
package channelmanager

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"

	"github.com/lampo-project/lampo/channeldb"
	"github.com/lampo-project/lampo/contractcourt"
	"github.com/lampo-project/lampo/eventbus"
	"github.com/lampo-project/lampo/htlcswitch"
	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwallet"
	"github.com/lampo-project/lampo/lnwire"
)

var log btclog.Logger = btclog.Disabled

// UseLogger sets the package-level logger used by channelmanager.
func UseLogger(l btclog.Logger) {
	log = l
}

// PeerSender is the single outbound seam to the (separately built) peer
// transport: HandleWireMessage's dispatch produces reactions that must
// reach a specific counterparty, and this is the only way this package
// reaches for a connection.
type PeerSender interface {
	SendToPeer(peerID [33]byte, msg lnwire.Message) error
}

// Config bundles ChannelManager's construction dependencies.
type Config struct {
	KeyManager   *keychain.KeyManager
	Wallet       *lnwallet.WalletManager
	Store        *channeldb.ChannelStore
	ChainMonitor *contractcourt.ChainMonitor
	Switch       *htlcswitch.Switch
	Onion        *htlcswitch.OnionProcessor
	Bus          *eventbus.Bus
	NetParams    *chaincfg.Params
	PeerSend     PeerSender

	// DefaultCSVDelay is the to_self_delay this node proposes/accepts
	// on new channels.
	DefaultCSVDelay uint16

	// MaxAcceptedHTLCs bounds the number of in-flight HTLCs this node
	// will hold on one channel at a time.
	MaxAcceptedHTLCs uint16

	DustLimitSat      uint64
	ChannelReserveSat uint64
	HTLCMinimumMsat   lnwire.MilliSatoshi

	// FeePerKW is the commitment-transaction feerate this node proposes
	// on channels it opens, in sat per kilo-weight.
	FeePerKW uint32

	// MinFundingDepth is the funding depth this node proposes in
	// accept_channel. funding_locked is sent as soon as the funding
	// transaction is reported confirmed; the number of confirmations is
	// not checked against this value.
	MinFundingDepth uint32
}

// remoteBasepoints is the counterparty's set of BOLT-3 per-channel public
// keys, learned from open_channel or accept_channel.
type remoteBasepoints struct {
	funding          *btcec.PublicKey
	revocation       *btcec.PublicKey
	payment          *btcec.PublicKey
	delayedPayment   *btcec.PublicKey
	htlc             *btcec.PublicKey
	firstCommitPoint *btcec.PublicKey
}

// channelEntry is one open (or opening) channel's full in-memory state:
// the durable snapshot, the local signer, and the counterparty's
// basepoints needed to keep building commitments.
type channelEntry struct {
	mu sync.Mutex

	snapshot *channeldb.Channel
	signer   *keychain.ChannelSigner
	remote   remoteBasepoints

	isInitiator      bool
	minDepth         uint32
	dustLimitSat     uint64
	reserveSat       uint64
	htlcMinimumMsat  lnwire.MilliSatoshi
	maxAcceptedHTLCs uint16
	csvDelay         uint16
	remoteCSVDelay   uint16
	feePerKW         uint32

	// redeemScript is the 2-of-2 funding witness script, needed on every
	// commitment signature round to rebuild the sighash a commit_sig
	// signs or verifies against.
	redeemScript []byte

	// commitTx/commitSig are our latest valid local commitment
	// transaction and the counterparty's signature over it -- mirrored
	// into the channeldb.ChannelMonitor on every persist so a crash
	// never loses the one transaction this node can unilaterally
	// broadcast to get its funds back.
	commitTx  *wire.MsgTx
	commitSig []byte

	// pendingRemoteCommit is the commitment we most recently built and
	// signed for the counterparty, held until their matching
	// revoke_and_ack reveals the per-commitment secret that retires it
	// -- at which point it becomes a channeldb.RevokedState, the thing
	// that lets contractcourt.JusticeGenerator punish them if they ever
	// broadcast it instead.
	pendingRemoteCommit *remoteCommit

	// revokedStates accumulates every RevokedState this channel has
	// produced, mirrored into the ChannelMonitor on every persist.
	revokedStates []channeldb.RevokedState

	// Cooperative-close negotiation state, populated once this side or
	// the peer sends Shutdown. closeScriptLocal/closeScriptRemote are
	// the two outputs of the eventual closing transaction;
	// lastFeeProposedSat is the fee this node most recently offered,
	// re-sent unchanged by proposeClosingFee; handleClosingSigned accepts
	// any in-range fee the peer names without comparing it to this one.
	closeScriptLocal    []byte
	closeScriptRemote   []byte
	lastFeeProposedSat  uint64
	localShutdownSent   bool
}

// ChannelManager is the node's BOLT-2/3/7 channel state machine.
type ChannelManager struct {
	cfg Config

	mu       sync.Mutex
	channels map[lnwire.ChannelID]*channelEntry
	pending  map[[32]byte]*pendingChannel

	bestHeight int32
}

// SetPeerSend wires the outbound peer transport after construction. The
// peer manager's own constructor needs a MessageHandler -- this
// ChannelManager -- so the two can't be built in a single dependency
// order; the caller builds this manager first with PeerSend left nil,
// builds the peer manager against it, then calls SetPeerSend before
// serving any traffic.
func (m *ChannelManager) SetPeerSend(p PeerSender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.PeerSend = p
}

// New constructs an empty ChannelManager. Call LoadFromStore before
// serving any peer traffic so restart-time rehydration completes first.
func New(cfg Config) *ChannelManager {
	return &ChannelManager{
		cfg:      cfg,
		channels: make(map[lnwire.ChannelID]*channelEntry),
		pending:  make(map[[32]byte]*pendingChannel),
	}
}

// LoadFromStore rehydrates every channel in the manager's last persisted
// snapshot, pairing each with its monitor per the at-most-once invariant:
// a monitor that is stale against (trails) its channel is a programmer
// error the store itself already refuses (channeldb.ErrStaleMonitor); a
// channel whose monitor has moved ahead of it (crash between the two
// writes) is rehydrated from the monitor via restoreFromMonitor.
func (m *ChannelManager) LoadFromStore() error {
	channels, err := m.cfg.Store.GetManagerSnapshot()
	if err != nil {
		if err == channeldb.ErrNoActiveChannels {
			return nil
		}
		return fmt.Errorf("channelmanager: load manager snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range channels {
		monitor, merr := m.cfg.Store.GetMonitor(c)
		if merr == nil {
			// The store already refuses a monitor that trails its
			// channel; one that has moved ahead is the ground truth.
			if monitor.CommitmentNumber >= c.NextCommitmentNum {
				c = restoreFromMonitor(c, monitor)
			}
		} else if merr == channeldb.ErrMonitorNoExist {
			log.Warnf("channelmanager: channel %x has no monitor on restart", c.ChannelID)
		} else {
			return fmt.Errorf("channelmanager: load monitor for channel %x: %w",
				c.ChannelID, merr)
		}

		signer, serr := m.cfg.KeyManager.DeriveChannelKeys(c.CapacitySat, c.ChannelKeysID)
		if serr != nil {
			return fmt.Errorf("channelmanager: rederive signer for channel %x: %w",
				c.ChannelID, serr)
		}

		entry := &channelEntry{
			snapshot:         c,
			signer:           signer,
			minDepth:         m.cfg.MinFundingDepth,
			dustLimitSat:     m.cfg.DustLimitSat,
			reserveSat:       m.cfg.ChannelReserveSat,
			htlcMinimumMsat:  m.cfg.HTLCMinimumMsat,
			maxAcceptedHTLCs: m.cfg.MaxAcceptedHTLCs,
			csvDelay:         m.cfg.DefaultCSVDelay,
			feePerKW:         m.cfg.FeePerKW,
		}
		m.channels[lnwire.ChannelID(c.ChannelID)] = entry

		if c.State == channeldb.StateNormal {
			if err := m.cfg.Switch.AddLink(newChannelLink(m, entry)); err != nil {
				log.Errorf("channelmanager: register link for channel %x: %v",
					c.ChannelID, err)
			}
		}
	}

	if err := m.cfg.ChainMonitor.RestoreFromChannels(channels); err != nil {
		return fmt.Errorf("channelmanager: restore chain monitor: %w", err)
	}

	return nil
}

// restoreFromMonitor rehydrates a Channel snapshot's commitment-tracking
// fields from its paired ChannelMonitor, per spec §4.5's at-most-once
// invariant: if a crash lands between a monitor write and the channel
// snapshot that was supposed to follow it, the monitor is ground truth
// and every other field survives from the last channel snapshot seen.
func restoreFromMonitor(stale *channeldb.Channel, m *channeldb.ChannelMonitor) *channeldb.Channel {
	restored := *stale
	restored.NextCommitmentNum = m.CommitmentNumber + 1
	if restored.State < channeldb.StateFundingLocked {
		restored.State = channeldb.StateFundingLocked
	}
	return &restored
}

// ChannelSummary is the view list_channels returns per spec §4.5: enough
// to render a channel list without exposing the full signer or monitor
// state.
type ChannelSummary struct {
	ChannelID           [32]byte
	ShortChannelID      uint64
	CounterpartyNodeID  [33]byte
	Capacity            uint64
	ToSelfBalanceMsat   uint64
	ToRemoteBalanceMsat uint64
	Ready               bool
	State               channeldb.ChannelState
}

// ListChannels returns a summary of every channel this manager knows
// about, open or still negotiating.
func (m *ChannelManager) ListChannels() []ChannelSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ChannelSummary, 0, len(m.channels))
	for _, entry := range m.channels {
		entry.mu.Lock()
		c := entry.snapshot
		out = append(out, ChannelSummary{
			ChannelID:           c.ChannelID,
			ShortChannelID:      c.ShortChannelID,
			CounterpartyNodeID:  c.CounterpartyNodeID,
			Capacity:            c.CapacitySat,
			ToSelfBalanceMsat:   c.ToSelfBalanceMsat,
			ToRemoteBalanceMsat: c.ToRemoteBalanceMsat,
			Ready:               c.State == channeldb.StateNormal,
			State:               c.State,
		})
		entry.mu.Unlock()
	}
	return out
}

// HandleWireMessage is the single entry point the peer package calls for
// every decoded Lightning message addressed to this manager (anything
// that isn't BOLT-1 housekeeping or gossip), routing on concrete type to
// the BOLT-2/3 transition table.
func (m *ChannelManager) HandleWireMessage(peerID [33]byte, msg lnwire.Message) error {
	switch wireMsg := msg.(type) {
	case *lnwire.OpenChannel:
		return m.handleOpenChannel(peerID, wireMsg)
	case *lnwire.AcceptChannel:
		return m.handleAcceptChannel(peerID, wireMsg)
	case *lnwire.FundingCreated:
		return m.handleFundingCreated(peerID, wireMsg)
	case *lnwire.FundingSigned:
		return m.handleFundingSigned(peerID, wireMsg)
	case *lnwire.FundingLocked:
		return m.handleFundingLocked(peerID, wireMsg)
	case *lnwire.UpdateAddHTLC:
		return m.handleUpdateAddHTLC(peerID, wireMsg)
	case *lnwire.UpdateFufillHTLC:
		return m.handleUpdateFulfillHTLC(peerID, wireMsg)
	case *lnwire.UpdateFailHTLC:
		return m.handleUpdateFailHTLC(peerID, wireMsg)
	case *lnwire.CommitSig:
		return m.handleCommitSig(peerID, wireMsg)
	case *lnwire.RevokeAndAck:
		return m.handleRevokeAndAck(peerID, wireMsg)
	case *lnwire.Shutdown:
		return m.handleShutdown(peerID, wireMsg)
	case *lnwire.ClosingSigned:
		return m.handleClosingSigned(peerID, wireMsg)
	case *lnwire.ChannelReestablish:
		return m.handleChannelReestablish(peerID, wireMsg)
	case *lnwire.Error:
		return m.handleError(peerID, wireMsg)
	default:
		return fmt.Errorf("channelmanager: unhandled message type %T", msg)
	}
}

func (m *ChannelManager) entry(chanID lnwire.ChannelID) (*channelEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.channels[chanID]
	return e, ok
}

// persist writes entry's ChannelMonitor before its Channel snapshot and
// refreshes the aggregate manager snapshot, the ordering spec §4.5
// mandates for every state-affecting message.
// persist writes entry's ChannelMonitor before its Channel snapshot, per
// spec §4.4's monitor-before-manager ordering: the monitor carries the
// real commitment transaction, the counterparty's signature over it, and
// every revoked state accumulated so far, so a crash immediately after
// this call still leaves contractcourt able to punish a breach using
// exactly the state this node last agreed to.
func (m *ChannelManager) persist(entry *channelEntry) error {
	entry.mu.Lock()
	monitor := &channeldb.ChannelMonitor{
		FundingOutpoint:  entry.snapshot.FundingOutpoint,
		CommitTx:         entry.commitTx,
		CommitSig:        entry.commitSig,
		CommitmentNumber: entry.snapshot.NextCommitmentNum - 1,
		RevokedStates:    entry.revokedStates,
	}
	entry.mu.Unlock()

	if err := m.cfg.Store.PutMonitor(monitor); err != nil {
		return fmt.Errorf("channelmanager: persist monitor: %w", err)
	}
	if err := m.cfg.Store.PutChannel(entry.snapshot); err != nil {
		return fmt.Errorf("channelmanager: persist channel: %w", err)
	}

	m.mu.Lock()
	snapshot := make([]*channeldb.Channel, 0, len(m.channels))
	for _, e := range m.channels {
		snapshot = append(snapshot, e.snapshot)
	}
	m.mu.Unlock()

	if err := m.cfg.Store.PutManagerSnapshot(snapshot); err != nil {
		return fmt.Errorf("channelmanager: persist manager snapshot: %w", err)
	}
	return nil
}

// BestHeight returns the chain tip this manager last learned about, for
// callers (such as offchain's CLTV-expiry arithmetic) that need an
// absolute block height to anchor a relative delta against.
func (m *ChannelManager) BestHeight() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bestHeight
}

// BestBlockUpdated implements the Confirm surface's tip tracker (spec
// §4.5, "mirrors the monitor's").
func (m *ChannelManager) BestBlockUpdated(height int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if height <= m.bestHeight {
		return nil
	}
	m.bestHeight = height
	return nil
}

// TransactionsConfirmed moves every FundingBroadcast channel whose funding
// transaction is among txs to FundingLocked and sends its funding_locked,
// on that first confirmation; the channel's funding depth is not consulted.
func (m *ChannelManager) TransactionsConfirmed(txs []contractcourt.TxWithPos) error {
	m.mu.Lock()
	entries := make([]*channelEntry, 0, len(m.channels))
	for _, e := range m.channels {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		if entry.snapshot.State != channeldb.StateFundingBroadcast {
			entry.mu.Unlock()
			continue
		}
		fundingTxid := entry.snapshot.FundingOutpoint.Hash

		var confirmedAt int32 = -1
		for _, tp := range txs {
			if tp.Tx.TxHash() == fundingTxid {
				confirmedAt = tp.Height
				break
			}
		}
		entry.mu.Unlock()

		if confirmedAt < 0 {
			continue
		}
		if err := m.markFundingConfirmed(entry, confirmedAt); err != nil {
			return err
		}
	}
	return nil
}

// TransactionUnconfirmed implements the Confirm surface's reorg path; a
// channel past FundingLocked has already accrued off-chain state that
// cannot be unwound by a reorg of the funding transaction alone, so this
// is a no-op for anything beyond FundingBroadcast, matching
// contractcourt.ChainMonitor's own reorg handling for the commitment txid.
func (m *ChannelManager) TransactionUnconfirmed(txid chainhash.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.channels {
		entry.mu.Lock()
		if entry.snapshot.State == channeldb.StateFundingBroadcast &&
			entry.snapshot.FundingOutpoint.Hash == txid {
			log.Warnf("channelmanager: funding tx %v unconfirmed, channel %x reverts to broadcast",
				txid, entry.snapshot.ChannelID)
		}
		entry.mu.Unlock()
	}
	return nil
}

// GetRelevantTxids returns every txid this manager needs re-checked: the
// funding transaction of every channel still short of FundingLocked.
func (m *ChannelManager) GetRelevantTxids() []chainhash.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []chainhash.Hash
	for _, entry := range m.channels {
		entry.mu.Lock()
		if entry.snapshot.State == channeldb.StateOpening ||
			entry.snapshot.State == channeldb.StateFundingBroadcast {
			out = append(out, entry.snapshot.FundingOutpoint.Hash)
		}
		entry.mu.Unlock()
	}
	return out
}

func randomChannelID32() ([32]byte, error) {
	var id [32]byte
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}
