package channelmanager

import (
	"context"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/lampo-project/lampo/channeldb"
	"github.com/lampo-project/lampo/eventbus"
	"github.com/lampo-project/lampo/htlcswitch"
	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwallet"
	"github.com/lampo-project/lampo/lnwire"
	"github.com/lampo-project/lampo/persist"
)

// recordingPeerSender is a PeerSender double that records every message
// sent to each peer, standing in for the peer package.
type recordingPeerSender struct {
	mu  sync.Mutex
	out map[[33]byte][]lnwire.Message
}

func newRecordingPeerSender() *recordingPeerSender {
	return &recordingPeerSender{out: make(map[[33]byte][]lnwire.Message)}
}

func (r *recordingPeerSender) SendToPeer(peerID [33]byte, msg lnwire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out[peerID] = append(r.out[peerID], msg)
	return nil
}

func (r *recordingPeerSender) last(peerID [33]byte) lnwire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.out[peerID]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func testKeyManager(t *testing.T) *keychain.KeyManager {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	km, err := keychain.NewKeyManager(seed, 0, 0, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return km
}

func testSwitch(t *testing.T) *htlcswitch.Switch {
	t.Helper()
	fs := persist.NewFSStore(t.TempDir())
	require.NoError(t, fs.Initialize(context.Background()))
	adapter := persist.NewSyncAdapter(fs)
	t.Cleanup(func() { adapter.Shutdown() })

	sw := htlcswitch.New(htlcswitch.Config{}, htlcswitch.NewControlTower(adapter))
	require.NoError(t, sw.Start())
	t.Cleanup(func() { sw.Stop() })
	return sw
}

func testStore(t *testing.T) *channeldb.ChannelStore {
	t.Helper()
	fs := persist.NewFSStore(t.TempDir())
	require.NoError(t, fs.Initialize(context.Background()))
	adapter := persist.NewSyncAdapter(fs)
	t.Cleanup(func() { adapter.Shutdown() })
	return channeldb.NewChannelStore(adapter)
}

// testManager builds a ChannelManager wired to fakes/real-but-unfunded
// collaborators suitable for exercising the state machine directly:
// wallet and key derivation are real (cheap, deterministic), while peer
// transport is a recording double and chain confirmation is driven
// straight through TransactionsConfirmed rather than a live ChainMonitor.
func testManager(t *testing.T) (*ChannelManager, *recordingPeerSender) {
	t.Helper()

	km := testKeyManager(t)
	wallet, _, err := lnwallet.New(lnwallet.Config{KeyManager: km})
	require.NoError(t, err)

	peerSend := newRecordingPeerSender()

	m := New(Config{
		KeyManager:        km,
		Wallet:            wallet,
		Store:             testStore(t),
		Switch:            testSwitch(t),
		Bus:               eventbus.New(),
		NetParams:         &chaincfg.RegressionNetParams,
		PeerSend:          peerSend,
		DefaultCSVDelay:   144,
		MaxAcceptedHTLCs:  30,
		DustLimitSat:      546,
		ChannelReserveSat: 10_000,
		HTLCMinimumMsat:   1000,
		FeePerKW:          2500,
		MinFundingDepth:   3,
	})
	return m, peerSend
}

// newTestEntry builds a channelEntry directly in the given state and
// registers it with m, bypassing the funding handshake (which needs a
// funded wallet this test setup deliberately doesn't have -- see
// lnwallet.FundChannel's own doc comment on the signing gap). This lets
// commitment-update and close tests start from a channel that is already
// open.
func newTestEntry(t *testing.T, m *ChannelManager, state channeldb.ChannelState) (*channelEntry, [33]byte, *keychain.ChannelSigner) {
	t.Helper()

	keysID, err := m.cfg.KeyManager.NewChannelKeysID([16]byte{1})
	require.NoError(t, err)
	signer, err := m.cfg.KeyManager.DeriveChannelKeys(1_000_000, keysID)
	require.NoError(t, err)

	// remoteSigner stands in for the counterparty's own key derivation so
	// commit_sig tests can produce (and this package can verify) a real
	// signature, rather than leaving entry.remote at its zero value.
	remoteKeysID, err := m.cfg.KeyManager.NewChannelKeysID([16]byte{2})
	require.NoError(t, err)
	remoteSigner, err := m.cfg.KeyManager.DeriveChannelKeys(1_000_000, remoteKeysID)
	require.NoError(t, err)

	remote := remoteBasepoints{
		funding:          remoteSigner.FundingKey.PubKey(),
		revocation:       remoteSigner.RevocationBaseKey.PubKey(),
		payment:          remoteSigner.PaymentBaseKey.PubKey(),
		delayedPayment:   remoteSigner.DelayedPaymentBaseKey.PubKey(),
		htlc:             remoteSigner.HtlcBaseKey.PubKey(),
		firstCommitPoint: perCommitmentPoint(remoteSigner.CommitmentSeed, 1),
	}

	redeemScript, _, err := lnwallet.FundingOutput(
		signer.FundingKey.PubKey().SerializeCompressed(),
		remote.funding.SerializeCompressed(),
		1_000_000,
	)
	require.NoError(t, err)

	counterparty := [33]byte{9, 9, 9}
	fundingOutpoint := wire.OutPoint{Index: 0}

	snapshot := &channeldb.Channel{
		ChannelID:           [32]byte(lnwire.NewChanIDFromOutPoint(&fundingOutpoint)),
		ShortChannelID:      lnwire.ShortChannelID{BlockHeight: 100, TxIndex: 1, TxPosition: 0}.ToUint64(),
		CounterpartyNodeID:  counterparty,
		FundingOutpoint:     fundingOutpoint,
		ChannelKeysID:       keysID,
		CapacitySat:         1_000_000,
		ToSelfBalanceMsat:   900_000_000,
		ToRemoteBalanceMsat: 100_000_000,
		NextCommitmentNum:   1,
		State:               state,
	}

	entry := &channelEntry{
		snapshot:         snapshot,
		signer:           signer,
		remote:           remote,
		minDepth:         m.cfg.MinFundingDepth,
		dustLimitSat:     m.cfg.DustLimitSat,
		reserveSat:       m.cfg.ChannelReserveSat,
		htlcMinimumMsat:  m.cfg.HTLCMinimumMsat,
		maxAcceptedHTLCs: m.cfg.MaxAcceptedHTLCs,
		csvDelay:         m.cfg.DefaultCSVDelay,
		remoteCSVDelay:   m.cfg.DefaultCSVDelay,
		feePerKW:         m.cfg.FeePerKW,
		redeemScript:     redeemScript,
	}

	m.mu.Lock()
	m.channels[lnwire.ChannelID(snapshot.ChannelID)] = entry
	m.mu.Unlock()

	return entry, counterparty, remoteSigner
}

func TestPerCommitmentPointMatchesSecretDerivation(t *testing.T) {
	var seed [32]byte
	for i := range seed {
		seed[i] = byte(i)
	}

	for _, idx := range []uint64{0, 1, 2, 500} {
		secret := perCommitmentSecret(seed, commitmentIndexBase-idx)
		priv, _ := btcec.PrivKeyFromBytes(secret[:])

		point := perCommitmentPoint(seed, idx)
		require.Equal(t, priv.PubKey().SerializeCompressed(), point.SerializeCompressed())
	}
}

func TestCreateChannelSendsOpenChannelAndTracksPending(t *testing.T) {
	m, peerSend := testManager(t)
	peerID := [33]byte{1, 2, 3}

	open, err := m.CreateChannel(peerID, 500_000, 0, [16]byte{7})
	require.NoError(t, err)
	require.EqualValues(t, 500_000, open.FundingAmount)

	m.mu.Lock()
	_, pending := m.pending[open.PendingChannelID]
	m.mu.Unlock()
	require.True(t, pending)

	sent := peerSend.last(peerID)
	require.IsType(t, &lnwire.OpenChannel{}, sent)
}

func TestHandleOpenChannelRepliesAcceptChannel(t *testing.T) {
	m, peerSend := testManager(t)
	peerID := [33]byte{4, 5, 6}

	open := &lnwire.OpenChannel{
		PendingChannelID: [32]byte{1},
		FundingAmount:    250_000,
		FeePerKiloWeight: 2500,
		FundingKey:       testKeyManager(t).GetNodePubKey(),
	}
	require.NoError(t, m.handleOpenChannel(peerID, open))

	m.mu.Lock()
	pc, ok := m.pending[open.PendingChannelID]
	m.mu.Unlock()
	require.True(t, ok)
	require.False(t, pc.isInitiator)

	sent := peerSend.last(peerID)
	accept, ok := sent.(*lnwire.AcceptChannel)
	require.True(t, ok)
	require.Equal(t, open.PendingChannelID, accept.PendingChannelID)
}

func TestHandleFundingLockedTransitionsToNormalAndRegistersLink(t *testing.T) {
	m, _ := testManager(t)
	entry, counterparty, _ := newTestEntry(t, m, channeldb.StateFundingLocked)

	chanID := lnwire.ChannelID(entry.snapshot.ChannelID)
	msg := lnwire.NewFundingLocked(chanID, entry.signer.RevocationBaseKey.PubKey())

	require.NoError(t, m.handleFundingLocked(counterparty, msg))

	entry.mu.Lock()
	state := entry.snapshot.State
	entry.mu.Unlock()
	require.Equal(t, channeldb.StateNormal, state)

	link, err := m.cfg.Switch.GetLink(chanID)
	require.NoError(t, err)
	require.Equal(t, chanID, link.ChanID())
}

func TestHandleUpdateAddHTLCRecordsPendingWithoutOnion(t *testing.T) {
	m, _ := testManager(t)
	entry, counterparty, _ := newTestEntry(t, m, channeldb.StateNormal)
	chanID := lnwire.ChannelID(entry.snapshot.ChannelID)

	add := &lnwire.UpdateAddHTLC{
		ChanID:      chanID,
		ID:          1,
		Amount:      50_000,
		PaymentHash: [32]byte{1, 1, 1},
		Expiry:      500,
	}
	require.NoError(t, m.handleUpdateAddHTLC(counterparty, add))

	entry.mu.Lock()
	defer entry.mu.Unlock()
	require.Len(t, entry.snapshot.PendingHTLCs, 1)
	require.True(t, entry.snapshot.PendingHTLCs[0].Incoming)
	require.EqualValues(t, 50_000, entry.snapshot.PendingHTLCs[0].AmountMsat)
}

func TestSettleHTLCMovesBalanceAndSendsFulfill(t *testing.T) {
	m, peerSend := testManager(t)
	entry, counterparty, _ := newTestEntry(t, m, channeldb.StateNormal)
	chanID := lnwire.ChannelID(entry.snapshot.ChannelID)

	entry.mu.Lock()
	entry.snapshot.PendingHTLCs = append(entry.snapshot.PendingHTLCs, channeldb.HTLC{
		HTLCIndex:  3,
		AmountMsat: 20_000,
		Incoming:   true,
	})
	startSelf := entry.snapshot.ToSelfBalanceMsat
	entry.mu.Unlock()

	var preimage [32]byte
	require.NoError(t, m.SettleHTLC(chanID, 3, preimage))

	entry.mu.Lock()
	require.Empty(t, entry.snapshot.PendingHTLCs)
	require.EqualValues(t, startSelf+20_000, entry.snapshot.ToSelfBalanceMsat)
	entry.mu.Unlock()

	sent := peerSend.last(counterparty)
	fulfill, ok := sent.(*lnwire.UpdateFufillHTLC)
	require.True(t, ok)
	require.EqualValues(t, 3, fulfill.ID)
}

func TestHandleCommitSigSendsRevokeAndAckWithMatchingSecret(t *testing.T) {
	m, peerSend := testManager(t)
	entry, counterparty, remoteSigner := newTestEntry(t, m, channeldb.StateNormal)
	chanID := lnwire.ChannelID(entry.snapshot.ChannelID)

	ourTx, _, _, _, err := m.buildCommitment(entry, false)
	require.NoError(t, err)
	sigHash, err := commitmentSigHash(entry, ourTx)
	require.NoError(t, err)
	commitSig, err := keychain.SignCommitSig(remoteSigner.FundingKey, sigHash)
	require.NoError(t, err)

	require.NoError(t, m.handleCommitSig(counterparty, &lnwire.CommitSig{ChanID: chanID, CommitSig: commitSig}))

	entry.mu.Lock()
	nextNum := entry.snapshot.NextCommitmentNum
	seed := entry.signer.CommitmentSeed
	entry.mu.Unlock()
	require.EqualValues(t, 2, nextNum)

	sent := peerSend.last(counterparty)
	revoke, ok := sent.(*lnwire.RevokeAndAck)
	require.True(t, ok)
	require.Equal(t, perCommitmentSecret(seed, commitmentIndexBase-(nextNum-2)), revoke.Revocation)
}

func TestHandleCommitSigRejectsInvalidSignature(t *testing.T) {
	m, _ := testManager(t)
	entry, counterparty, _ := newTestEntry(t, m, channeldb.StateNormal)
	chanID := lnwire.ChannelID(entry.snapshot.ChannelID)

	err := m.handleCommitSig(counterparty, &lnwire.CommitSig{ChanID: chanID})
	require.ErrorIs(t, err, ErrInvalidCommitSig)
}

// TestRevokeAndAckRecordsJusticeableRevokedState drives a full
// commit_sig/revoke_and_ack round and checks the revoked commitment this
// node signed for the counterparty is captured as a channeldb.RevokedState
// with everything contractcourt.JusticeGenerator needs (spec §4.5).
func TestRevokeAndAckRecordsJusticeableRevokedState(t *testing.T) {
	m, _ := testManager(t)
	entry, counterparty, remoteSigner := newTestEntry(t, m, channeldb.StateNormal)
	chanID := lnwire.ChannelID(entry.snapshot.ChannelID)

	ourTx, _, _, _, err := m.buildCommitment(entry, false)
	require.NoError(t, err)
	sigHash, err := commitmentSigHash(entry, ourTx)
	require.NoError(t, err)
	commitSig, err := keychain.SignCommitSig(remoteSigner.FundingKey, sigHash)
	require.NoError(t, err)

	require.NoError(t, m.handleCommitSig(counterparty, &lnwire.CommitSig{ChanID: chanID, CommitSig: commitSig}))

	entry.mu.Lock()
	retiredHeight := entry.pendingRemoteCommit.height
	wantTxid := entry.pendingRemoteCommit.txid
	entry.mu.Unlock()

	secret := perCommitmentSecret(remoteSigner.CommitmentSeed, commitmentIndexBase-retiredHeight)
	nextPoint := perCommitmentPoint(remoteSigner.CommitmentSeed, retiredHeight+1)
	revoke := &lnwire.RevokeAndAck{
		ChanID:             chanID,
		Revocation:         secret,
		NextPerCommitPoint: nextPoint,
	}
	require.NoError(t, m.handleRevokeAndAck(counterparty, revoke))

	entry.mu.Lock()
	defer entry.mu.Unlock()
	require.Nil(t, entry.pendingRemoteCommit)
	require.Len(t, entry.revokedStates, 1)
	require.Equal(t, wantTxid, entry.revokedStates[0].CommitTxid)
	require.Equal(t, retiredHeight, entry.revokedStates[0].CommitmentNum)
	require.NotEmpty(t, entry.revokedStates[0].ToLocalScript)
	require.Contains(t, entry.snapshot.RevokedCommitTxs, wantTxid)
}

func TestHandleRevokeAndAckRejectsMismatchedSecret(t *testing.T) {
	m, _ := testManager(t)
	entry, counterparty, remoteSigner := newTestEntry(t, m, channeldb.StateNormal)
	chanID := lnwire.ChannelID(entry.snapshot.ChannelID)

	ourTx, _, _, _, err := m.buildCommitment(entry, false)
	require.NoError(t, err)
	sigHash, err := commitmentSigHash(entry, ourTx)
	require.NoError(t, err)
	commitSig, err := keychain.SignCommitSig(remoteSigner.FundingKey, sigHash)
	require.NoError(t, err)
	require.NoError(t, m.handleCommitSig(counterparty, &lnwire.CommitSig{ChanID: chanID, CommitSig: commitSig}))

	var wrongSecret [32]byte
	wrongSecret[0] = 0xff
	badRevoke := &lnwire.RevokeAndAck{ChanID: chanID, Revocation: wrongSecret}
	err = m.handleRevokeAndAck(counterparty, badRevoke)
	require.ErrorIs(t, err, ErrRevocationMismatch)
}

func TestCooperativeCloseReachesClosedState(t *testing.T) {
	m, peerSend := testManager(t)
	entry, counterparty, _ := newTestEntry(t, m, channeldb.StateNormal)
	chanID := lnwire.ChannelID(entry.snapshot.ChannelID)

	require.NoError(t, m.CloseChannel(chanID))

	entry.mu.Lock()
	require.Equal(t, channeldb.StateShuttingDown, entry.snapshot.State)
	entry.mu.Unlock()

	sentShutdown := peerSend.last(counterparty)
	_, ok := sentShutdown.(*lnwire.Shutdown)
	require.True(t, ok)

	peerShutdown := lnwire.NewShutdown(chanID, []byte{0xde, 0xad})
	require.NoError(t, m.handleShutdown(counterparty, peerShutdown))

	sentProposal := peerSend.last(counterparty)
	proposal, ok := sentProposal.(*lnwire.ClosingSigned)
	require.True(t, ok)
	require.NotZero(t, proposal.FeeSat)

	require.NoError(t, m.handleClosingSigned(counterparty, proposal))

	entry.mu.Lock()
	defer entry.mu.Unlock()
	require.Equal(t, channeldb.StateClosed, entry.snapshot.State)
}
