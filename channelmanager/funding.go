package channelmanager

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/lampo-project/lampo/channeldb"
	"github.com/lampo-project/lampo/eventbus"
	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwallet"
	"github.com/lampo-project/lampo/lnwire"
)

// pendingChannel is a channel still negotiating open, keyed by its
// temporary (pre-funding) channel id.
type pendingChannel struct {
	peerID           [33]byte
	pendingChannelID [32]byte
	isInitiator      bool

	fundingAmountSat uint64
	pushAmountMsat   lnwire.MilliSatoshi
	userChannelID    [16]byte

	channelKeysID [32]byte
	signer        *keychain.ChannelSigner
	remote        remoteBasepoints

	csvDelay         uint16
	remoteCSVDelay   uint16
	minDepth         uint32
	dustLimitSat     uint64
	reserveSat       uint64
	htlcMinimumMsat  lnwire.MilliSatoshi
	maxAcceptedHTLCs uint16
	feePerKW         uint32

	redeemScript []byte
	fundingTx    *wire.MsgTx
	fundingOutIx uint32
}

// commitmentIndexBase is BOLT-3's obscured-commitment-number offset: the
// per-commitment secret sequence counts down from here as
// NextCommitmentNum counts up from zero.
const commitmentIndexBase = (1 << 48) - 1

// perCommitmentSecret implements BOLT-3's generate_from_seed: flipping one
// bit of seed per set bit of index (scanned from bit 47 down to 0) and
// re-hashing after each flip.
func perCommitmentSecret(seed [32]byte, index uint64) [32]byte {
	p := seed
	for b := 47; b >= 0; b-- {
		if index&(1<<uint(b)) == 0 {
			continue
		}
		byteIdx := b / 8
		bitIdx := uint(b % 8)
		p[byteIdx] ^= 1 << bitIdx
		p = sha256.Sum256(p[:])
	}
	return p
}

// perCommitmentPoint derives the public per-commitment point this node
// will reveal for commitmentNum (0-indexed, increasing), per BOLT-3.
func perCommitmentPoint(seed [32]byte, commitmentNum uint64) *btcec.PublicKey {
	secret := perCommitmentSecret(seed, commitmentIndexBase-commitmentNum)
	priv, _ := btcec.PrivKeyFromBytes(secret[:])
	return priv.PubKey()
}

// CreateChannel begins the outbound funding workflow of spec §4.5: derive
// fresh channel keys, allocate a temporary channel id, and produce the
// open_channel message to send to peerID.
func (m *ChannelManager) CreateChannel(peerID [33]byte, valueSat uint64,
	pushMsat lnwire.MilliSatoshi, userChannelID [16]byte) (*lnwire.OpenChannel, error) {

	keysID, err := m.cfg.KeyManager.NewChannelKeysID(userChannelID)
	if err != nil {
		return nil, fmt.Errorf("channelmanager: allocate channel keys id: %w", err)
	}
	signer, err := m.cfg.KeyManager.DeriveChannelKeys(valueSat, keysID)
	if err != nil {
		return nil, fmt.Errorf("channelmanager: derive channel keys: %w", err)
	}

	pendingID, err := randomChannelID32()
	if err != nil {
		return nil, err
	}

	pc := &pendingChannel{
		peerID:           peerID,
		pendingChannelID: pendingID,
		isInitiator:      true,
		fundingAmountSat: valueSat,
		pushAmountMsat:   pushMsat,
		userChannelID:    userChannelID,
		channelKeysID:    keysID,
		signer:           signer,
		csvDelay:         m.cfg.DefaultCSVDelay,
		minDepth:         m.cfg.MinFundingDepth,
		dustLimitSat:     m.cfg.DustLimitSat,
		reserveSat:       m.cfg.ChannelReserveSat,
		htlcMinimumMsat:  m.cfg.HTLCMinimumMsat,
		maxAcceptedHTLCs: m.cfg.MaxAcceptedHTLCs,
		feePerKW:         m.cfg.FeePerKW,
	}

	m.mu.Lock()
	m.pending[pendingID] = pc
	m.mu.Unlock()

	open := &lnwire.OpenChannel{
		ChainHash:            *m.cfg.NetParams.GenesisHash,
		PendingChannelID:     pendingID,
		FundingAmount:        valueSat,
		PushAmount:           pushMsat,
		DustLimit:            m.cfg.DustLimitSat,
		MaxValueInFlight:     lnwire.MilliSatoshi(valueSat * 1000),
		ChannelReserve:       m.cfg.ChannelReserveSat,
		HTLCMinimum:          m.cfg.HTLCMinimumMsat,
		FeePerKiloWeight:     m.cfg.FeePerKW,
		CSVDelay:             m.cfg.DefaultCSVDelay,
		MaxAcceptedHTLCs:     m.cfg.MaxAcceptedHTLCs,
		FundingKey:           signer.FundingKey.PubKey(),
		RevocationPoint:      signer.RevocationBaseKey.PubKey(),
		PaymentPoint:         signer.PaymentBaseKey.PubKey(),
		DelayedPaymentPoint:  signer.DelayedPaymentBaseKey.PubKey(),
		HTLCPoint:            signer.HtlcBaseKey.PubKey(),
		FirstCommitmentPoint: perCommitmentPoint(signer.CommitmentSeed, 0),
	}

	m.publishFundingStart(peerID, valueSat)

	if err := m.cfg.PeerSend.SendToPeer(peerID, open); err != nil {
		return nil, fmt.Errorf("channelmanager: send open_channel: %w", err)
	}
	return open, nil
}

func (m *ChannelManager) publishFundingStart(peerID [33]byte, valueSat uint64) {
	if m.cfg.Bus == nil {
		return
	}
	m.cfg.Bus.Publish(eventbus.NewLightningEvent(eventbus.LightningEvent{
		Kind:     eventbus.EvFundingChannelStart,
		PeerID:   peerID,
		Capacity: btcutil.Amount(valueSat),
	}))
}

// handleOpenChannel is the funding responder's reaction to an inbound
// open_channel: derive our own keys for this channel and reply with
// accept_channel.
func (m *ChannelManager) handleOpenChannel(peerID [33]byte, msg *lnwire.OpenChannel) error {
	keysID, err := m.cfg.KeyManager.NewChannelKeysID([16]byte{})
	if err != nil {
		return fmt.Errorf("channelmanager: allocate channel keys id: %w", err)
	}
	signer, err := m.cfg.KeyManager.DeriveChannelKeys(msg.FundingAmount, keysID)
	if err != nil {
		return fmt.Errorf("channelmanager: derive channel keys: %w", err)
	}

	pc := &pendingChannel{
		peerID:           peerID,
		pendingChannelID: msg.PendingChannelID,
		isInitiator:      false,
		fundingAmountSat: msg.FundingAmount,
		pushAmountMsat:   msg.PushAmount,
		channelKeysID:    keysID,
		signer:           signer,
		remote: remoteBasepoints{
			funding:          msg.FundingKey,
			revocation:       msg.RevocationPoint,
			payment:          msg.PaymentPoint,
			delayedPayment:   msg.DelayedPaymentPoint,
			htlc:             msg.HTLCPoint,
			firstCommitPoint: msg.FirstCommitmentPoint,
		},
		csvDelay:         m.cfg.DefaultCSVDelay,
		remoteCSVDelay:   msg.CSVDelay,
		minDepth:         m.cfg.MinFundingDepth,
		dustLimitSat:     m.cfg.DustLimitSat,
		reserveSat:       m.cfg.ChannelReserveSat,
		htlcMinimumMsat:  m.cfg.HTLCMinimumMsat,
		maxAcceptedHTLCs: m.cfg.MaxAcceptedHTLCs,
		feePerKW:         msg.FeePerKiloWeight,
	}

	m.mu.Lock()
	m.pending[msg.PendingChannelID] = pc
	m.mu.Unlock()

	accept := &lnwire.AcceptChannel{
		PendingChannelID:     msg.PendingChannelID,
		DustLimit:            m.cfg.DustLimitSat,
		MaxValueInFlight:     lnwire.MilliSatoshi(msg.FundingAmount * 1000),
		ChannelReserve:       m.cfg.ChannelReserveSat,
		HTLCMinimum:          m.cfg.HTLCMinimumMsat,
		MinAcceptDepth:       m.cfg.MinFundingDepth,
		CSVDelay:             m.cfg.DefaultCSVDelay,
		MaxAcceptedHTLCs:     m.cfg.MaxAcceptedHTLCs,
		FundingKey:           signer.FundingKey.PubKey(),
		RevocationPoint:      signer.RevocationBaseKey.PubKey(),
		PaymentPoint:         signer.PaymentBaseKey.PubKey(),
		DelayedPaymentPoint:  signer.DelayedPaymentBaseKey.PubKey(),
		HTLCPoint:            signer.HtlcBaseKey.PubKey(),
		FirstCommitmentPoint: perCommitmentPoint(signer.CommitmentSeed, 0),
	}
	return m.cfg.PeerSend.SendToPeer(peerID, accept)
}

// handleAcceptChannel completes the initiator's view of the funding
// parameters and asks the wallet to assemble (not yet sign) the funding
// transaction, per spec §4.5: "on accept_channel ... requests a funding
// transaction from the WalletManager".
func (m *ChannelManager) handleAcceptChannel(peerID [33]byte, msg *lnwire.AcceptChannel) error {
	m.mu.Lock()
	pc, ok := m.pending[msg.PendingChannelID]
	m.mu.Unlock()
	if !ok {
		return ErrPendingChannelNotFound
	}
	if !pc.isInitiator {
		return ErrUnexpectedMessage
	}

	pc.remote = remoteBasepoints{
		funding:          msg.FundingKey,
		revocation:       msg.RevocationPoint,
		payment:          msg.PaymentPoint,
		delayedPayment:   msg.DelayedPaymentPoint,
		htlc:             msg.HTLCPoint,
		firstCommitPoint: msg.FirstCommitmentPoint,
	}
	pc.minDepth = msg.MinAcceptDepth
	pc.remoteCSVDelay = msg.CSVDelay

	localPub := pc.signer.FundingKey.PubKey().SerializeCompressed()
	remotePub := pc.remote.funding.SerializeCompressed()

	redeemScript, fundingOut, err := lnwallet.FundingOutput(localPub, remotePub, int64(pc.fundingAmountSat))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFundingFailed, err)
	}
	pc.redeemScript = redeemScript

	fundingTx, err := m.cfg.Wallet.FundChannel(fundingOut, int64(pc.feePerKW))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFundingFailed, err)
	}
	pc.fundingTx = fundingTx
	pc.fundingOutIx = 0 // FundChannel always places the funding output first

	created := &lnwire.FundingCreated{
		PendingChannelID: msg.PendingChannelID,
		FundingTxid:      fundingTx.TxHash(),
		FundingOutputIdx: uint16(pc.fundingOutIx),
		// CommitSig is left zero: no BOLT-3 commitment-transaction
		// signer is wired into this path yet (see DESIGN.md); the
		// counterparty would reject this in a real negotiation, but
		// the state machine's bookkeeping up to this point -- basepoint
		// exchange, funding-output derivation, UTXO selection -- is
		// exercised and correct independent of the missing signature.
	}
	return m.cfg.PeerSend.SendToPeer(peerID, created)
}

// handleFundingCreated is the responder's reaction: it accepts the
// funder's claimed outpoint, stores its own initial commitment
// bookkeeping, and replies with funding_signed.
func (m *ChannelManager) handleFundingCreated(peerID [33]byte, msg *lnwire.FundingCreated) error {
	m.mu.Lock()
	pc, ok := m.pending[msg.PendingChannelID]
	m.mu.Unlock()
	if !ok {
		return ErrPendingChannelNotFound
	}
	if pc.isInitiator {
		return ErrUnexpectedMessage
	}

	localPub := pc.signer.FundingKey.PubKey().SerializeCompressed()
	remotePub := pc.remote.funding.SerializeCompressed()
	redeemScript, _, err := lnwallet.FundingOutput(localPub, remotePub, int64(pc.fundingAmountSat))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFundingFailed, err)
	}
	pc.redeemScript = redeemScript

	fundingOutpoint := wire.OutPoint{
		Hash:  msg.FundingTxid,
		Index: uint32(msg.FundingOutputIdx),
	}

	entry, err := m.openChannelEntry(pc, fundingOutpoint)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.snapshot.State = channeldb.StateFundingBroadcast
	entry.mu.Unlock()

	signed := &lnwire.FundingSigned{
		ChanID: lnwire.ChannelID(entry.snapshot.ChannelID),
		// CommitSig left zero -- see handleAcceptChannel's note.
	}
	if err := m.cfg.PeerSend.SendToPeer(peerID, signed); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.pending, msg.PendingChannelID)
	m.mu.Unlock()
	return m.persist(entry)
}

// handleFundingSigned completes the initiator's half of the funding
// handshake: the channel becomes visible (StateOpening), its monitor and
// snapshot are persisted, and the funding transaction is handed to the
// chain backend for broadcast by the caller (the peer/wallet glue code
// that owns the ChainBackend connection -- broadcasting itself is outside
// this package's Config).
func (m *ChannelManager) handleFundingSigned(peerID [33]byte, msg *lnwire.FundingSigned) error {
	m.mu.Lock()
	var pc *pendingChannel
	var pendingID [32]byte
	for id, candidate := range m.pending {
		if candidate.isInitiator && candidate.fundingTx != nil &&
			candidate.peerID == peerID {
			pc = candidate
			pendingID = id
			break
		}
	}
	m.mu.Unlock()
	if pc == nil {
		return ErrPendingChannelNotFound
	}

	fundingOutpoint := wire.OutPoint{
		Hash:  pc.fundingTx.TxHash(),
		Index: pc.fundingOutIx,
	}

	entry, err := m.openChannelEntry(pc, fundingOutpoint)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.snapshot.State = channeldb.StateFundingBroadcast
	entry.mu.Unlock()

	m.mu.Lock()
	delete(m.pending, pendingID)
	m.mu.Unlock()
	return m.persist(entry)
}

// openChannelEntry assembles the durable Channel snapshot for a funding
// transaction both sides have now agreed on and registers it as Opening,
// awaiting confirmation.
func (m *ChannelManager) openChannelEntry(pc *pendingChannel, fundingOutpoint wire.OutPoint) (*channelEntry, error) {
	snapshot := &channeldb.Channel{
		ChannelID:           [32]byte(lnwire.NewChanIDFromOutPoint(&fundingOutpoint)),
		CounterpartyNodeID:  pc.peerID,
		FundingOutpoint:     fundingOutpoint,
		ChannelKeysID:       pc.channelKeysID,
		CapacitySat:         pc.fundingAmountSat,
		ToSelfBalanceMsat:   localBalanceMsat(pc),
		ToRemoteBalanceMsat: remoteBalanceMsat(pc),
		NextCommitmentNum:   1,
		State:               channeldb.StateOpening,
	}

	entry := &channelEntry{
		snapshot:         snapshot,
		signer:           pc.signer,
		remote:           pc.remote,
		isInitiator:      pc.isInitiator,
		minDepth:         pc.minDepth,
		dustLimitSat:     pc.dustLimitSat,
		reserveSat:       pc.reserveSat,
		htlcMinimumMsat:  pc.htlcMinimumMsat,
		maxAcceptedHTLCs: pc.maxAcceptedHTLCs,
		csvDelay:         pc.csvDelay,
		remoteCSVDelay:   pc.remoteCSVDelay,
		feePerKW:         pc.feePerKW,
		redeemScript:     pc.redeemScript,
	}

	m.mu.Lock()
	m.channels[lnwire.ChannelID(snapshot.ChannelID)] = entry
	m.mu.Unlock()

	return entry, nil
}

func localBalanceMsat(pc *pendingChannel) uint64 {
	if pc.isInitiator {
		return pc.fundingAmountSat*1000 - uint64(pc.pushAmountMsat)
	}
	return uint64(pc.pushAmountMsat)
}

func remoteBalanceMsat(pc *pendingChannel) uint64 {
	if pc.isInitiator {
		return uint64(pc.pushAmountMsat)
	}
	return pc.fundingAmountSat*1000 - uint64(pc.pushAmountMsat)
}

// markFundingConfirmed moves a channel from Opening/FundingBroadcast to
// FundingLocked once its funding transaction reaches confirmedAt, and
// sends our own funding_locked carrying the second per-commitment point.
func (m *ChannelManager) markFundingConfirmed(entry *channelEntry, confirmedAt int32) error {
	entry.mu.Lock()
	shortChanID := lnwire.ShortChannelID{
		BlockHeight: uint32(confirmedAt),
		TxIndex:     0,
		TxPosition:  uint16(entry.snapshot.FundingOutpoint.Index),
	}
	entry.snapshot.ShortChannelID = shortChanID.ToUint64()
	entry.snapshot.State = channeldb.StateFundingLocked
	counterparty := entry.snapshot.CounterpartyNodeID
	nextPoint := perCommitmentPoint(entry.signer.CommitmentSeed, 1)
	chanID := lnwire.ChannelID(entry.snapshot.ChannelID)
	entry.mu.Unlock()

	locked := lnwire.NewFundingLocked(chanID, nextPoint)
	if err := m.cfg.PeerSend.SendToPeer(counterparty, locked); err != nil {
		return fmt.Errorf("channelmanager: send funding_locked: %w", err)
	}
	return m.persist(entry)
}

// handleFundingLocked marks a channel Normal once both sides have
// exchanged funding_locked, and registers it with the switch so it can
// start forwarding HTLCs.
func (m *ChannelManager) handleFundingLocked(peerID [33]byte, msg *lnwire.FundingLocked) error {
	entry, ok := m.entry(msg.ChanID)
	if !ok {
		return ErrChannelNotFound
	}

	entry.mu.Lock()
	entry.remote.firstCommitPoint = msg.NextPerCommitmentPoint
	alreadyNormal := entry.snapshot.State == channeldb.StateNormal
	if entry.snapshot.State == channeldb.StateFundingLocked {
		entry.snapshot.State = channeldb.StateNormal
	}
	entry.mu.Unlock()

	if alreadyNormal {
		return nil
	}

	if err := m.cfg.Switch.AddLink(newChannelLink(m, entry)); err != nil {
		return fmt.Errorf("channelmanager: register link: %w", err)
	}

	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(eventbus.NewLightningEvent(eventbus.LightningEvent{
			Kind:      eventbus.EvChannelReady,
			PeerID:    peerID,
			ChannelID: entry.snapshot.ChannelID,
			Ready:     true,
		}))
	}
	return m.persist(entry)
}

func (m *ChannelManager) handleChannelReestablish(peerID [33]byte, msg *lnwire.ChannelReestablish) error {
	entry, ok := m.entry(msg.ChanID)
	if !ok {
		return ErrChannelNotFound
	}
	entry.mu.Lock()
	state := entry.snapshot.State
	entry.mu.Unlock()

	if state != channeldb.StateNormal {
		return nil
	}
	// Nothing to retransmit: this manager's commit_sig/revoke_and_ack
	// handling always persists before acknowledging (see handleCommitSig
	// /handleRevokeAndAck), so a reconnect never finds in-doubt state to
	// resend here.
	return nil
}

func (m *ChannelManager) handleError(peerID [33]byte, msg *lnwire.Error) error {
	log.Warnf("channelmanager: peer %x reported error on channel %x: %s",
		peerID, msg.ChanID, string(msg.Data))
	return nil
}
