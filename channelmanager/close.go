package channelmanager

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/lampo-project/lampo/channeldb"
	"github.com/lampo-project/lampo/eventbus"
	"github.com/lampo-project/lampo/htlcswitch"
	"github.com/lampo-project/lampo/lnwire"
)

// closingTxWeight is a rough weight estimate for the two-output
// cooperative close transaction spending a channel's single funding
// output, used only to budget a closing fee the same way
// publishFundingStart budgets one for the funding transaction itself.
const closingTxWeight = 500

// CloseChannel begins BOLT-2 cooperative close on chanID: it requires the
// channel be in StateNormal, proposes this node's own closing output
// script, and sends shutdown to the counterparty.
func (m *ChannelManager) CloseChannel(chanID lnwire.ChannelID) error {
	entry, ok := m.entry(chanID)
	if !ok {
		return ErrChannelNotFound
	}

	entry.mu.Lock()
	if entry.snapshot.State != channeldb.StateNormal {
		entry.mu.Unlock()
		return ErrChannelNotActive
	}
	entry.snapshot.State = channeldb.StateShuttingDown
	entry.closeScriptLocal = m.cfg.Wallet.GetOnChainAddress()
	entry.localShutdownSent = true
	counterparty := entry.snapshot.CounterpartyNodeID
	script := entry.closeScriptLocal
	entry.mu.Unlock()

	if err := m.cfg.Switch.RemoveLink(chanID); err != nil && err != htlcswitch.ErrChannelLinkNotFound {
		log.Warnf("channelmanager: remove link for channel %x on close: %v", chanID, err)
	}

	if err := m.persist(entry); err != nil {
		return err
	}

	shutdown := lnwire.NewShutdown(chanID, script)
	if err := m.cfg.PeerSend.SendToPeer(counterparty, shutdown); err != nil {
		return fmt.Errorf("channelmanager: send shutdown: %w", err)
	}
	return nil
}

// handleShutdown answers a peer-initiated (or peer-acknowledging) Shutdown
// per BOLT-2: a channel still in StateNormal moves to StateShuttingDown
// and, unless this side already sent its own Shutdown via CloseChannel,
// replies with one. Either way the exchange ends with both closing
// scripts known, so this node can make (or renew) a fee proposal.
func (m *ChannelManager) handleShutdown(peerID [33]byte, msg *lnwire.Shutdown) error {
	entry, ok := m.entry(msg.ChanID)
	if !ok {
		return ErrChannelNotFound
	}

	entry.mu.Lock()
	if entry.snapshot.State != channeldb.StateNormal && entry.snapshot.State != channeldb.StateShuttingDown {
		entry.mu.Unlock()
		return ErrUnexpectedMessage
	}
	entry.snapshot.State = channeldb.StateShuttingDown
	entry.closeScriptRemote = msg.Address
	needReply := !entry.localShutdownSent
	if needReply {
		entry.closeScriptLocal = m.cfg.Wallet.GetOnChainAddress()
		entry.localShutdownSent = true
	}
	ourScript := entry.closeScriptLocal
	chanID := lnwire.ChannelID(entry.snapshot.ChannelID)
	entry.mu.Unlock()

	if err := m.cfg.Switch.RemoveLink(chanID); err != nil && err != htlcswitch.ErrChannelLinkNotFound {
		log.Warnf("channelmanager: remove link for channel %x on shutdown: %v", chanID, err)
	}

	if err := m.persist(entry); err != nil {
		return err
	}

	if needReply {
		reply := lnwire.NewShutdown(chanID, ourScript)
		if err := m.cfg.PeerSend.SendToPeer(peerID, reply); err != nil {
			return fmt.Errorf("channelmanager: send shutdown: %w", err)
		}
	}

	return m.proposeClosingFee(peerID, entry)
}

// proposeClosingFee sends this node's current closing-fee offer: its
// last-proposed fee unchanged if one is already outstanding, or a fresh
// estimate off feePerKW the first time either side opens negotiation.
func (m *ChannelManager) proposeClosingFee(peerID [33]byte, entry *channelEntry) error {
	entry.mu.Lock()
	if entry.lastFeeProposedSat == 0 {
		entry.lastFeeProposedSat = uint64(entry.feePerKW) * closingTxWeight / 1000
	}
	fee := entry.lastFeeProposedSat
	chanID := lnwire.ChannelID(entry.snapshot.ChannelID)
	entry.mu.Unlock()

	proposal := &lnwire.ClosingSigned{ChanID: chanID, FeeSat: fee}
	if err := m.cfg.PeerSend.SendToPeer(peerID, proposal); err != nil {
		return fmt.Errorf("channelmanager: send closing_signed: %w", err)
	}
	return nil
}

// handleClosingSigned finalizes BOLT-2's closing-fee negotiation. Both
// sides open with their own feePerKW-derived offer from proposeClosingFee
// before either can have seen the other's, so the first ClosingSigned
// either side receives already reflects a completed single round: this
// node simply adopts the peer's named fee rather than running a full
// monotonic fee-range search, provided it's a sane amount relative to
// the channel's own capacity.
func (m *ChannelManager) handleClosingSigned(peerID [33]byte, msg *lnwire.ClosingSigned) error {
	entry, ok := m.entry(msg.ChanID)
	if !ok {
		return ErrChannelNotFound
	}

	entry.mu.Lock()
	if entry.snapshot.State != channeldb.StateShuttingDown {
		entry.mu.Unlock()
		return ErrUnexpectedMessage
	}
	if msg.FeeSat == 0 || msg.FeeSat >= entry.snapshot.CapacitySat {
		entry.mu.Unlock()
		return fmt.Errorf("channelmanager: closing fee %d sat out of range for capacity %d sat",
			msg.FeeSat, entry.snapshot.CapacitySat)
	}
	entry.snapshot.State = channeldb.StateClosed
	chanID := entry.snapshot.ChannelID
	shortChanID := entry.snapshot.ShortChannelID
	counterparty := entry.snapshot.CounterpartyNodeID
	capacity := entry.snapshot.CapacitySat
	entry.mu.Unlock()

	if err := m.persist(entry); err != nil {
		return err
	}

	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(eventbus.NewLightningEvent(eventbus.LightningEvent{
			Kind:           eventbus.EvCloseChannelEvent,
			PeerID:         counterparty,
			ChannelID:      chanID,
			ShortChannelID: shortChanID,
			Capacity:       btcutil.Amount(capacity),
		}))
	}
	return nil
}
