package channelmanager

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/lampo-project/lampo/channeldb"
	"github.com/lampo-project/lampo/eventbus"
	"github.com/lampo-project/lampo/htlcswitch"
	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwire"
)

// channelLink adapts one channelEntry to htlcswitch.ChannelLink so the
// switch can query its bandwidth and hand it packets without knowing
// anything about BOLT-2/3.
type channelLink struct {
	m     *ChannelManager
	entry *channelEntry
}

func newChannelLink(m *ChannelManager, entry *channelEntry) htlcswitch.ChannelLink {
	return &channelLink{m: m, entry: entry}
}

func (l *channelLink) ChanID() lnwire.ChannelID {
	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()
	return lnwire.ChannelID(l.entry.snapshot.ChannelID)
}

func (l *channelLink) ShortChanID() lnwire.ShortChannelID {
	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()
	return lnwire.NewShortChanIDFromInt(l.entry.snapshot.ShortChannelID)
}

func (l *channelLink) PeerPubKey() [33]byte {
	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()
	return l.entry.snapshot.CounterpartyNodeID
}

// EligibleToForward reports whether this link can carry a new HTLC: it
// must be Normal and have room under MaxAcceptedHTLCs.
func (l *channelLink) EligibleToForward() bool {
	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()
	if l.entry.snapshot.State != channeldb.StateNormal {
		return false
	}
	return len(l.entry.snapshot.PendingHTLCs) < int(l.entry.maxAcceptedHTLCs)
}

// Bandwidth is this side's spendable balance: the local balance minus the
// channel reserve both sides must always keep on deposit.
func (l *channelLink) Bandwidth() lnwire.MilliSatoshi {
	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()
	reserveMsat := l.entry.reserveSat * 1000
	if l.entry.snapshot.ToSelfBalanceMsat <= reserveMsat {
		return 0
	}
	return lnwire.MilliSatoshi(l.entry.snapshot.ToSelfBalanceMsat - reserveMsat)
}

// HandleSwitchPacket is called by the switch when it has decided to route
// an HTLC update out over this link: frame it as the matching wire message
// and hand it to the peer connection.
func (l *channelLink) HandleSwitchPacket(pkt *htlcswitch.HTLCPacket) error {
	peerID := l.PeerPubKey()
	chanID := l.ChanID()

	switch msg := pkt.Message().(type) {
	case *lnwire.UpdateAddHTLC:
		msg.ChanID = chanID
		if err := l.m.recordOutgoingHTLC(l.entry, msg); err != nil {
			return err
		}
		return l.m.cfg.PeerSend.SendToPeer(peerID, msg)

	case *lnwire.UpdateFufillHTLC:
		msg.ChanID = chanID
		return l.m.cfg.PeerSend.SendToPeer(peerID, msg)

	case *lnwire.UpdateFailHTLC:
		msg.ChanID = chanID
		return l.m.cfg.PeerSend.SendToPeer(peerID, msg)

	default:
		return fmt.Errorf("channelmanager: unexpected switch packet type %T", msg)
	}
}

func (l *channelLink) Start() error { return nil }
func (l *channelLink) Stop()        {}

// recordOutgoingHTLC adds the bookkeeping entry for an HTLC this node is
// originating or forwarding out over entry, before it's wired to the peer.
// It assigns msg's HTLC index itself, one past the highest index already
// pending on the channel in either direction, so concurrent sends never
// collide.
func (m *ChannelManager) recordOutgoingHTLC(entry *channelEntry, msg *lnwire.UpdateAddHTLC) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.snapshot.State != channeldb.StateNormal {
		return ErrChannelNotActive
	}
	if msg.Amount < entry.htlcMinimumMsat {
		return fmt.Errorf("channelmanager: htlc amount %v below channel minimum %v",
			msg.Amount, entry.htlcMinimumMsat)
	}
	if len(entry.snapshot.PendingHTLCs) >= int(entry.maxAcceptedHTLCs) {
		return fmt.Errorf("channelmanager: channel at max accepted htlcs")
	}

	var nextIndex uint64
	for _, h := range entry.snapshot.PendingHTLCs {
		if h.HTLCIndex >= nextIndex {
			nextIndex = h.HTLCIndex + 1
		}
	}
	msg.ID = nextIndex

	entry.snapshot.PendingHTLCs = append(entry.snapshot.PendingHTLCs, channeldb.HTLC{
		HTLCIndex:   msg.ID,
		AmountMsat:  uint64(msg.Amount),
		PaymentHash: msg.PaymentHash,
		CltvExpiry:  msg.Expiry,
		Incoming:    false,
		OnionBlob:   append([]byte(nil), msg.OnionBlob[:]...),
	})
	return nil
}

// handleUpdateAddHTLC is the BOLT-2/3 reaction to an inbound update_add_htlc:
// record the HTLC as pending, then peel its onion to decide whether this
// node is the payment's final recipient or must continue forwarding it.
func (m *ChannelManager) handleUpdateAddHTLC(peerID [33]byte, msg *lnwire.UpdateAddHTLC) error {
	entry, ok := m.entry(msg.ChanID)
	if !ok {
		return ErrChannelNotFound
	}

	entry.mu.Lock()
	if entry.snapshot.State != channeldb.StateNormal {
		entry.mu.Unlock()
		return ErrChannelNotActive
	}
	if msg.Amount < entry.htlcMinimumMsat {
		entry.mu.Unlock()
		return fmt.Errorf("channelmanager: htlc amount %v below channel minimum %v",
			msg.Amount, entry.htlcMinimumMsat)
	}
	if len(entry.snapshot.PendingHTLCs) >= int(entry.maxAcceptedHTLCs) {
		entry.mu.Unlock()
		return fmt.Errorf("channelmanager: channel at max accepted htlcs")
	}
	entry.snapshot.PendingHTLCs = append(entry.snapshot.PendingHTLCs, channeldb.HTLC{
		HTLCIndex:   msg.ID,
		AmountMsat:  uint64(msg.Amount),
		PaymentHash: msg.PaymentHash,
		CltvExpiry:  msg.Expiry,
		Incoming:    true,
		OnionBlob:   append([]byte(nil), msg.OnionBlob[:]...),
	})
	ourShortChanID := lnwire.NewShortChanIDFromInt(entry.snapshot.ShortChannelID)
	entry.mu.Unlock()

	if err := m.persist(entry); err != nil {
		return err
	}

	if m.cfg.Onion == nil {
		return nil
	}

	instr, err := m.cfg.Onion.Unwrap(msg.OnionBlob, msg.PaymentHash, msg.Expiry)
	if err != nil {
		log.Warnf("channelmanager: onion unwrap failed for %x: %v", msg.PaymentHash, err)
		return m.FailHTLC(msg.ChanID, msg.ID, []byte("invalid onion"))
	}

	if instr.IsExitNode {
		if m.cfg.Bus != nil {
			m.cfg.Bus.Publish(eventbus.NewLightningEvent(eventbus.LightningEvent{
				Kind:         eventbus.EvPaymentEvent,
				PeerID:       peerID,
				ChannelID:    entry.snapshot.ChannelID,
				PaymentHash:  msg.PaymentHash,
				PaymentState: eventbus.PaymentInFlight,
				AmountMsat:   uint64(msg.Amount),
			}))
		}
		return nil
	}

	forward := &lnwire.UpdateAddHTLC{
		Amount:      instr.ForwardAmount,
		PaymentHash: msg.PaymentHash,
		Expiry:      instr.OutgoingCLTV,
		OnionBlob:   instr.NextOnionBlob,
	}
	return m.cfg.Switch.ForwardPacket(
		htlcswitch.NewIncomingAddPacket(ourShortChanID, msg.ID, instr.NextHop, forward),
	)
}

// handleUpdateFulfillHTLC is the reaction to the counterparty settling an
// HTLC this node had offered: release it from the pending list, move its
// value across the balance split, and let the switch's circuit map decide
// whether to resolve a local payment or propagate the settle upstream.
func (m *ChannelManager) handleUpdateFulfillHTLC(peerID [33]byte, msg *lnwire.UpdateFufillHTLC) error {
	entry, ok := m.entry(msg.ChanID)
	if !ok {
		return ErrChannelNotFound
	}

	htlc, ourShortChanID, err := m.resolveOutgoingHTLC(entry, msg.ID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.snapshot.ToSelfBalanceMsat -= htlc.AmountMsat
	entry.snapshot.ToRemoteBalanceMsat += htlc.AmountMsat
	entry.mu.Unlock()

	if err := m.persist(entry); err != nil {
		return err
	}

	return m.cfg.Switch.ForwardPacket(htlcswitch.NewReturnPacket(ourShortChanID, msg.ID, msg))
}

// handleUpdateFailHTLC mirrors handleUpdateFulfillHTLC for a failed HTLC:
// no balance moves since the value never left the offering side, but the
// failure still has to propagate back through the switch's circuit map.
func (m *ChannelManager) handleUpdateFailHTLC(peerID [33]byte, msg *lnwire.UpdateFailHTLC) error {
	entry, ok := m.entry(msg.ChanID)
	if !ok {
		return ErrChannelNotFound
	}

	_, ourShortChanID, err := m.resolveOutgoingHTLC(entry, msg.ID)
	if err != nil {
		return err
	}

	if err := m.persist(entry); err != nil {
		return err
	}

	return m.cfg.Switch.ForwardPacket(htlcswitch.NewReturnPacket(ourShortChanID, msg.ID, msg))
}

// resolveOutgoingHTLC removes htlcIndex from entry's pending list, requiring
// it to be one this node offered (Incoming == false) -- only the receiving
// side of update_add_htlc may fulfill or fail it back.
func (m *ChannelManager) resolveOutgoingHTLC(entry *channelEntry, htlcIndex uint64) (channeldb.HTLC, lnwire.ShortChannelID, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	for i, h := range entry.snapshot.PendingHTLCs {
		if h.HTLCIndex != htlcIndex || h.Incoming {
			continue
		}
		entry.snapshot.PendingHTLCs = append(
			entry.snapshot.PendingHTLCs[:i], entry.snapshot.PendingHTLCs[i+1:]...,
		)
		return h, lnwire.NewShortChanIDFromInt(entry.snapshot.ShortChannelID), nil
	}
	return channeldb.HTLC{}, lnwire.ShortChannelID{}, fmt.Errorf(
		"channelmanager: no outgoing htlc %d on channel %x", htlcIndex, entry.snapshot.ChannelID)
}

// SettleHTLC is called by whatever holds the preimage for an HTLC this node
// received (an exit-node payment, or a future invoice component) to release
// it back to the offering peer.
func (m *ChannelManager) SettleHTLC(chanID lnwire.ChannelID, htlcIndex uint64, preimage [32]byte) error {
	entry, ok := m.entry(chanID)
	if !ok {
		return ErrChannelNotFound
	}

	htlc, err := m.removeIncomingHTLC(entry, htlcIndex)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.snapshot.ToSelfBalanceMsat += htlc.AmountMsat
	entry.snapshot.ToRemoteBalanceMsat -= htlc.AmountMsat
	peerID := entry.snapshot.CounterpartyNodeID
	entry.mu.Unlock()

	if err := m.persist(entry); err != nil {
		return err
	}

	fulfill := &lnwire.UpdateFufillHTLC{
		ChanID:          chanID,
		ID:              htlcIndex,
		PaymentPreimage: preimage,
	}
	return m.cfg.PeerSend.SendToPeer(peerID, fulfill)
}

// FailHTLC is SettleHTLC's negative counterpart: reject an HTLC this node
// received, releasing its pending slot without moving any balance.
func (m *ChannelManager) FailHTLC(chanID lnwire.ChannelID, htlcIndex uint64, reason []byte) error {
	entry, ok := m.entry(chanID)
	if !ok {
		return ErrChannelNotFound
	}

	if _, err := m.removeIncomingHTLC(entry, htlcIndex); err != nil {
		return err
	}

	entry.mu.Lock()
	peerID := entry.snapshot.CounterpartyNodeID
	entry.mu.Unlock()

	if err := m.persist(entry); err != nil {
		return err
	}

	fail := &lnwire.UpdateFailHTLC{
		ChanID: chanID,
		ID:     htlcIndex,
		Reason: reason,
	}
	return m.cfg.PeerSend.SendToPeer(peerID, fail)
}

func (m *ChannelManager) removeIncomingHTLC(entry *channelEntry, htlcIndex uint64) (channeldb.HTLC, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	for i, h := range entry.snapshot.PendingHTLCs {
		if h.HTLCIndex != htlcIndex || !h.Incoming {
			continue
		}
		entry.snapshot.PendingHTLCs = append(
			entry.snapshot.PendingHTLCs[:i], entry.snapshot.PendingHTLCs[i+1:]...,
		)
		return h, nil
	}
	return channeldb.HTLC{}, fmt.Errorf(
		"channelmanager: no incoming htlc %d on channel %x", htlcIndex, entry.snapshot.ChannelID)
}

// handleCommitSig is the BOLT-2/3 reaction to an inbound commitment_signed:
// build this node's next commitment transaction, verify the counterparty's
// signature over it before trusting it for anything, then build (but do
// not yet sign or send) the counterparty's own next commitment so its
// to_local details are on hand the moment their matching revoke_and_ack
// retires it. Both commitments advance under the same NextCommitmentNum,
// a deliberate single-counter simplification (see DESIGN.md) that trades
// away BOLT-2's independent, pipelined commitment chains per side for one
// shared height advanced in lockstep on every commit_sig/revoke_and_ack
// round.
func (m *ChannelManager) handleCommitSig(peerID [33]byte, msg *lnwire.CommitSig) error {
	entry, ok := m.entry(msg.ChanID)
	if !ok {
		return ErrChannelNotFound
	}

	entry.mu.Lock()
	if entry.snapshot.State != channeldb.StateNormal {
		entry.mu.Unlock()
		return ErrUnexpectedMessage
	}

	ourTx, _, _, _, err := m.buildCommitment(entry, false)
	if err != nil {
		entry.mu.Unlock()
		return fmt.Errorf("channelmanager: build local commitment: %w", err)
	}
	sigHash, err := commitmentSigHash(entry, ourTx)
	if err != nil {
		entry.mu.Unlock()
		return fmt.Errorf("channelmanager: commitment sighash: %w", err)
	}
	if entry.remote.funding == nil || !keychain.VerifyCommitSig(entry.remote.funding, sigHash, msg.CommitSig) {
		entry.mu.Unlock()
		return ErrInvalidCommitSig
	}

	theirTx, theirToLocalScript, theirToLocalSat, theirToLocalOutpoint, err := m.buildCommitment(entry, true)
	if err != nil {
		entry.mu.Unlock()
		return fmt.Errorf("channelmanager: build remote commitment: %w", err)
	}

	entry.commitTx = ourTx
	entry.commitSig = append([]byte(nil), msg.CommitSig[:]...)
	entry.pendingRemoteCommit = &remoteCommit{
		height:          entry.snapshot.NextCommitmentNum,
		perCommitPoint:  entry.remote.firstCommitPoint,
		txid:            theirTx.TxHash(),
		toLocalOutpoint: theirToLocalOutpoint,
		toLocalValueSat: theirToLocalSat,
		toLocalScript:   theirToLocalScript,
		toSelfDelay:     entry.remoteCSVDelay,
	}

	entry.snapshot.NextCommitmentNum++
	entry.mu.Unlock()

	if err := m.persist(entry); err != nil {
		return err
	}

	revocation, err := m.revokeAndAck(entry)
	if err != nil {
		return err
	}
	return m.cfg.PeerSend.SendToPeer(peerID, revocation)
}

// revokeAndAck builds this node's own revoke_and_ack, disclosing the
// secret for the commitment height it is retiring. The secret must be
// computed with the same commitmentIndexBase inversion perCommitmentPoint
// uses, or the counterparty's derivedPoint check in handleRevokeAndAck
// (and anyone else's) would never recognize it as the preimage of the
// point this node handed over for that height when it was current.
func (m *ChannelManager) revokeAndAck(entry *channelEntry) (*lnwire.RevokeAndAck, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	retiredHeight := entry.snapshot.NextCommitmentNum - 2
	secret := perCommitmentSecret(entry.signer.CommitmentSeed, commitmentIndexBase-retiredHeight)
	nextPoint := perCommitmentPoint(entry.signer.CommitmentSeed, entry.snapshot.NextCommitmentNum)

	return &lnwire.RevokeAndAck{
		ChanID:             lnwire.ChannelID(entry.snapshot.ChannelID),
		Revocation:         secret,
		NextPerCommitPoint: nextPoint,
	}, nil
}

// handleRevokeAndAck retires the commitment entry.pendingRemoteCommit
// describes: it checks the disclosed secret actually derives the
// per-commitment point that commitment was built under, then turns it
// into a channeldb.RevokedState and appends it (and the retired
// commitment's txid, to Channel.RevokedCommitTxs) so
// contractcourt.JusticeGenerator can recognize and punish that commitment
// the moment it is ever seen on chain.
func (m *ChannelManager) handleRevokeAndAck(peerID [33]byte, msg *lnwire.RevokeAndAck) error {
	entry, ok := m.entry(msg.ChanID)
	if !ok {
		return ErrChannelNotFound
	}

	entry.mu.Lock()
	pending := entry.pendingRemoteCommit
	if pending != nil {
		_, derivedPoint := btcec.PrivKeyFromBytes(msg.Revocation[:])
		if !derivedPoint.IsEqual(pending.perCommitPoint) {
			entry.mu.Unlock()
			return ErrRevocationMismatch
		}

		rs := channeldb.RevokedState{
			CommitmentNum:      pending.height,
			CommitTxid:         pending.txid,
			RevocationPreimage: msg.Revocation,
			ToLocalOutpoint:    pending.toLocalOutpoint,
			ToLocalValueSat:    pending.toLocalValueSat,
			ToLocalScript:      pending.toLocalScript,
			ToSelfDelay:        pending.toSelfDelay,
		}
		copy(rs.PerCommitPoint[:], pending.perCommitPoint.SerializeCompressed())

		entry.revokedStates = append(entry.revokedStates, rs)
		entry.snapshot.RevokedCommitTxs = append(entry.snapshot.RevokedCommitTxs, pending.txid)
		entry.pendingRemoteCommit = nil
	}

	entry.remote.firstCommitPoint = msg.NextPerCommitPoint
	entry.mu.Unlock()

	return m.persist(entry)
}
