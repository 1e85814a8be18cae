// Package keychain implements the node's single source of cryptographic
// truth: every private key used anywhere in the node -- the node identity,
// the on-chain sweep scripts, and the per-channel basepoints -- is derived
// deterministically from one 32-byte seed plus a (starting_time_secs,
// starting_time_nanos) pair that must be unique across restarts.
//
// The derivation chain is consensus-relevant: any node restoring from seed
// must reproduce the exact same keys an earlier instance derived, so the
// BIP-32 path indices and the tagged SHA-256 steps below must never change.
package keychain

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btclog"
	"golang.org/x/crypto/chacha20"
)

var log = btclog.Disabled

// UseLogger plugs a logger into this subsystem, mirroring the rest of the
// teacher tree's per-package logging convention.
func UseLogger(l btclog.Logger) {
	log = l
}

// Hardened child indices of the BIP-32 master key. Only the first four are
// used by this node core; index 3 (the channel master key) is itself the
// parent of every per-channel derivation below it.
const (
	nodeKeyIndex          = 0
	destinationKeyIndex   = 1
	shutdownKeyIndex      = 2
	channelMasterKeyIndex = 3
	bolt12PayerKeyIndex   = 4 // reserved: see SPEC_FULL.md §3 supplement.
)

var (
	// ErrInvalidSeed is returned by NewKeyManager when handed anything
	// other than exactly 32 bytes.
	ErrInvalidSeed = errors.New("keychain: seed must be exactly 32 bytes")

	// ErrCounterExhausted is the fatal invariant-violation error raised
	// if the per-process channel-keys-id counter would wrap past
	// 2^32-1. Per spec §3, this is fatal: the caller must abort.
	ErrCounterExhausted = errors.New("keychain: channel keys id counter exhausted")

	// ErrDescriptorNotMatched is returned by SignSpendableOutputsPSBT
	// when a descriptor cannot be matched to any PSBT input by
	// previous-outpoint equality.
	ErrDescriptorNotMatched = errors.New("keychain: spendable output descriptor has no matching psbt input")
)

// KeyManager is the single per-node holder of the 32-byte seed. It derives
// the node identity key, the destination/shutdown sweep scripts, and (on
// request) per-channel signers, and performs every signature the node core
// needs: invoices, gossip, ECDH, and PSBT finalization of spendable outputs.
type KeyManager struct {
	netParams *chaincfg.Params

	seed              [32]byte
	startingTimeSecs  uint64
	startingTimeNanos uint32

	nodeSecret *btcec.PrivateKey
	nodeID     *btcec.PublicKey

	destinationScript []byte
	shutdownPubKey    *btcec.PublicKey

	channelMasterKey *hdkeychain.ExtendedKey

	// channelChildIndex is not read or written; the counter packed into
	// bytes 0-3 of every ChannelKeysID is channelKeysIDCounter, used by
	// NewChannelKeysID.
	channelChildIndex uint32

	// randBytesUniqueStart seeds the counter-based ChaCha20 CSPRNG used
	// by GetSecureRandomBytes. It is itself derived once at
	// construction time from (starting_time_secs, starting_time_nanos,
	// seed, "LDK PRNG Seed").
	randBytesUniqueStart [32]byte
	randBytesIndex       uint64 // atomic

	// channelKeysIDCounter is the monotonically increasing counter
	// packed into a freshly minted ChannelKeysID (spec §3, bytes 0-3).
	channelKeysIDCounter uint32 // atomic

	// signerCache is the single-entry lazily-populated per-channel
	// signer cache used by SignSpendableOutputsPSBT, keyed by
	// ChannelKeysID.
	signerCache *ChannelSigner
}

// NewKeyManager constructs a KeyManager from a 32-byte seed and a
// (starting_time_secs, starting_time_nanos) pair that MUST be unique across
// restarts using the same seed -- reusing a pair makes the derived PRNG
// stream repeat, which could leak nonces.
func NewKeyManager(seed []byte, startingTimeSecs uint64, startingTimeNanos uint32, net *chaincfg.Params) (*KeyManager, error) {
	if len(seed) != 32 {
		return nil, ErrInvalidSeed
	}

	// Network doesn't matter for key derivation: only the serialized
	// extended-key prefix is network-sensitive, and we never serialize
	// the master key, so any net works as lnd's own loader does.
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("keychain: master key derivation failed: %w", err)
	}

	nodeKeyExt, err := master.Derive(hdkeychain.HardenedKeyStart + nodeKeyIndex)
	if err != nil {
		return nil, fmt.Errorf("keychain: node key derivation failed: %w", err)
	}
	nodeSecret, err := nodeKeyExt.ECPrivKey()
	if err != nil {
		return nil, err
	}

	destKeyExt, err := master.Derive(hdkeychain.HardenedKeyStart + destinationKeyIndex)
	if err != nil {
		return nil, fmt.Errorf("keychain: destination key derivation failed: %w", err)
	}
	destPriv, err := destKeyExt.ECPrivKey()
	if err != nil {
		return nil, err
	}
	destPub := destPriv.PubKey()
	destPubHash := btcutil.Hash160(destPub.SerializeCompressed())
	destScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(destPubHash).
		Script()
	if err != nil {
		return nil, err
	}

	shutdownKeyExt, err := master.Derive(hdkeychain.HardenedKeyStart + shutdownKeyIndex)
	if err != nil {
		return nil, fmt.Errorf("keychain: shutdown key derivation failed: %w", err)
	}
	shutdownPriv, err := shutdownKeyExt.ECPrivKey()
	if err != nil {
		return nil, err
	}

	channelMasterKey, err := master.Derive(hdkeychain.HardenedKeyStart + channelMasterKeyIndex)
	if err != nil {
		return nil, fmt.Errorf("keychain: channel master key derivation failed: %w", err)
	}

	km := &KeyManager{
		netParams:         net,
		startingTimeSecs:  startingTimeSecs,
		startingTimeNanos: startingTimeNanos,
		nodeSecret:        nodeSecret,
		nodeID:            nodeSecret.PubKey(),
		destinationScript: destScript,
		shutdownPubKey:    shutdownPriv.PubKey(),
		channelMasterKey:  channelMasterKey,
	}
	copy(km.seed[:], seed)

	// rand_bytes_unique_start = H(starting_time_secs || starting_time_nanos || seed || "LDK PRNG Seed")
	h := sha256.New()
	var timeBuf [8]byte
	binary.BigEndian.PutUint64(timeBuf[:], startingTimeSecs)
	h.Write(timeBuf[:])
	var nanoBuf [4]byte
	binary.BigEndian.PutUint32(nanoBuf[:], startingTimeNanos)
	h.Write(nanoBuf[:])
	h.Write(seed)
	h.Write([]byte("LDK PRNG Seed"))
	copy(km.randBytesUniqueStart[:], h.Sum(nil))

	return km, nil
}

// GetNodeSecretKey returns the node's permanent identity private key.
func (k *KeyManager) GetNodeSecretKey() *btcec.PrivateKey {
	return k.nodeSecret
}

// GetNodePubKey returns the node's permanent identity public key.
func (k *KeyManager) GetNodePubKey() *btcec.PublicKey {
	return k.nodeID
}

// DestinationScript returns the P2WPKH script (hardened child 1) used to
// sweep funds on a unilateral close.
func (k *KeyManager) DestinationScript() []byte {
	return k.destinationScript
}

// ShutdownPubKey returns the public key (hardened child 2) used to build
// the cooperative-close shutdown script.
func (k *KeyManager) ShutdownPubKey() *btcec.PublicKey {
	return k.shutdownPubKey
}

// GetSecureRandomBytes returns 32 bytes of ChaCha20(rand_bytes_unique_start,
// counter++) keystream. The counter is a 64-bit atomic increment written
// big-endian into the first 8 bytes of a 16-byte buffer; chacha20Block
// uses its high 32 bits as the ChaCha20 block counter and its low 32 bits
// as the first 4 bytes of the 96-bit nonce.
//
// Injective in the counter: no 32-byte output repeats within 2^64 calls,
// since ChaCha20 block output is a deterministic, distinct function of
// (key, nonce) and nonces never repeat before the counter itself would.
func (k *KeyManager) GetSecureRandomBytes() [32]byte {
	index := atomic.AddUint64(&k.randBytesIndex, 1) - 1

	var nonce [16]byte
	binary.BigEndian.PutUint64(nonce[:8], index)

	return chacha20Block(k.randBytesUniqueStart, nonce)
}

// chacha20Block returns one 32-byte ChaCha20 keystream block for the given
// 32-byte key and 16-byte nonce (the nonce encodes our counter per
// GetSecureRandomBytes).
func chacha20Block(key [32]byte, nonce [16]byte) [32]byte {
	// golang.org/x/crypto/chacha20 wants a 12 or 24-byte nonce; we fold
	// our 16-byte nonce into the standard 12-byte IETF nonce by using
	// its low 12 bytes and feeding the high 4 bytes in as the initial
	// counter, preserving injectivity in the original 16-byte value.
	counter := binary.BigEndian.Uint32(nonce[0:4])
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[4:16])
	if err != nil {
		panic(fmt.Sprintf("keychain: chacha20 init failed: %v", err))
	}
	c.SetCounter(counter)

	var out [32]byte
	c.XORKeyStream(out[:], out[:])
	return out
}

// NewChannelKeysID packs the opaque 32-byte channel keys ID per spec §3:
// bytes 0-3 a monotonically increasing per-process counter, bytes 4-7
// starting_time_nanos, bytes 8-15 starting_time_secs, bytes 16-31 the
// caller-supplied user_channel_id.
func (k *KeyManager) NewChannelKeysID(userChannelID [16]byte) ([32]byte, error) {
	counter := atomic.AddUint32(&k.channelKeysIDCounter, 1) - 1
	if counter == ^uint32(0) {
		return [32]byte{}, ErrCounterExhausted
	}

	var id [32]byte
	binary.BigEndian.PutUint32(id[0:4], counter)
	binary.BigEndian.PutUint32(id[4:8], k.startingTimeNanos)
	binary.BigEndian.PutUint64(id[8:16], k.startingTimeSecs)
	copy(id[16:32], userChannelID[:])
	return id, nil
}

// ChannelSigner holds the per-channel key material derived by
// DeriveChannelKeys: the funding key, the three basepoints the BOLT-3
// commitment transaction needs from us (revocation, payment, delayed
// payment), the HTLC basepoint, and the commitment seed used to derive the
// per-commitment-number revocation points.
type ChannelSigner struct {
	ChannelKeysID         [32]byte
	ChannelValueSat       uint64
	FundingKey            *btcec.PrivateKey
	RevocationBaseKey     *btcec.PrivateKey
	PaymentBaseKey        *btcec.PrivateKey
	DelayedPaymentBaseKey *btcec.PrivateKey
	HtlcBaseKey           *btcec.PrivateKey
	CommitmentSeed        [32]byte
	PRNGSeed              [32]byte
}

// DeriveChannelKeys derives the in-memory signer for one channel. Its keys
// and CommitmentSeed are a pure function of (seed, channelKeysID): two
// KeyManagers constructed from the same seed derive the same ones for the
// same id. PRNGSeed is drawn from GetSecureRandomBytes and differs on
// every call.
//
// Algorithm: derive the hardened child of the channel master key at index
// (chan_id_high64 mod 2^31), where chan_id_high64 is the big-endian u64 of
// the id's first 8 bytes; hash that child's private key together with the
// full id and the seed to get a per-channel "seed"; then walk a fixed chain
// of tagged SHA-256 steps to each basepoint.
func (k *KeyManager) DeriveChannelKeys(channelValueSat uint64, channelKeysID [32]byte) (*ChannelSigner, error) {
	chanID := binary.BigEndian.Uint64(channelKeysID[0:8])

	childIndex := uint32(chanID % (1 << 31))
	child, err := k.channelMasterKey.Derive(hdkeychain.HardenedKeyStart + childIndex)
	if err != nil {
		return nil, fmt.Errorf("keychain: channel child derivation failed: %w", err)
	}
	childPriv, err := child.ECPrivKey()
	if err != nil {
		return nil, err
	}

	uniqueStart := sha256.New()
	uniqueStart.Write(channelKeysID[:])
	uniqueStart.Write(k.seed[:])
	uniqueStart.Write(childPriv.Serialize())
	perChanSeed := uniqueStart.Sum(nil)

	commitmentSeed := taggedHash(perChanSeed, nil, []byte("commitment seed"))

	fundingKey := keyStep(perChanSeed, commitmentSeed[:], []byte("funding key"))
	revocationBaseKey := keyStep(perChanSeed, fundingKey.Serialize(), []byte("revocation base key"))
	paymentBaseKey := keyStep(perChanSeed, revocationBaseKey.Serialize(), []byte("payment key"))
	delayedPaymentBaseKey := keyStep(perChanSeed, paymentBaseKey.Serialize(), []byte("delayed payment base key"))
	htlcBaseKey := keyStep(perChanSeed, delayedPaymentBaseKey.Serialize(), []byte("HTLC base key"))

	signer := &ChannelSigner{
		ChannelKeysID:         channelKeysID,
		ChannelValueSat:       channelValueSat,
		FundingKey:            fundingKey,
		RevocationBaseKey:     revocationBaseKey,
		PaymentBaseKey:        paymentBaseKey,
		DelayedPaymentBaseKey: delayedPaymentBaseKey,
		HtlcBaseKey:           htlcBaseKey,
		PRNGSeed:              k.GetSecureRandomBytes(),
	}
	copy(signer.CommitmentSeed[:], commitmentSeed)
	return signer, nil
}

// taggedHash computes SHA256(seed || prev || tag), returning the raw 32
// bytes (used only for the commitment seed, which isn't itself a scalar).
func taggedHash(seed, prev, tag []byte) []byte {
	h := sha256.New()
	h.Write(seed)
	h.Write(prev)
	h.Write(tag)
	return h.Sum(nil)
}

// keyStep computes SHA256(seed || prev || tag) and parses it as a secp256k1
// private key, matching the chained derivation in keymanager.rs's
// `key_step!` macro.
func keyStep(seed, prev, tag []byte) *btcec.PrivateKey {
	digest := taggedHash(seed, prev, tag)
	priv, _ := btcec.PrivKeyFromBytes(digest)
	return priv
}

// SignInvoice signs SHA256(construct_invoice_preimage(hrp, data)) with the
// node key, returning a signature whose format matches zpay32's encoding
// (65 raw bytes: 64-byte compact signature plus a 1-byte recovery id).
func (k *KeyManager) SignInvoice(hrp string, data []byte) ([65]byte, error) {
	preimage := invoicePreimage(hrp, data)
	digest := sha256.Sum256(preimage)

	sig, err := signRecoverableLowS(k.nodeSecret, digest[:])
	if err != nil {
		return [65]byte{}, err
	}
	return sig, nil
}

// invoicePreimage concatenates the human-readable-part bytes with the raw
// data-part bytes, the standard BOLT-11 "what gets signed" construction.
func invoicePreimage(hrp string, data []byte) []byte {
	buf := make([]byte, 0, len(hrp)+len(data))
	buf = append(buf, []byte(hrp)...)
	buf = append(buf, data...)
	return buf
}

// SignGossipMessage signs SHA256d(encodedMsg) with the node key, the
// signature scheme BOLT-7 gossip messages use.
func (k *KeyManager) SignGossipMessage(encodedMsg []byte) (*ecdsa.Signature, error) {
	digest := chainhash.DoubleHashB(encodedMsg)
	sig, err := signLowS(k.nodeSecret, digest)
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// ECDH computes a shared secret with a peer's public key using the node
// secret, optionally tweaking the node secret by multiplying in a scalar
// before the ECDH multiply -- used for BOLT-8 Noise_XK static-key rotation
// schemes that tweak the identity key per session.
func (k *KeyManager) ECDH(peerPubKey *btcec.PublicKey, tweak *btcec.ModNScalar) ([32]byte, error) {
	secret := k.nodeSecret

	if tweak != nil {
		tweaked := new(btcec.PrivateKey)
		s := secret.Key
		s.Mul(tweak)
		tweaked.Key = s
		secret = tweaked
	}

	var point btcec.JacobianPoint
	pub := peerPubKey
	pub.AsJacobian(&point)
	btcec.ScalarMultNonConst(&secret.Key, &point, &point)
	point.ToAffine()

	x := point.X.Bytes()
	return sha256.Sum256(x[:]), nil
}

// signLowS produces an ECDSA signature with ecdsa.Sign: an RFC 6979
// deterministic nonce and S normalized to the lower half of the curve
// order. It draws no auxiliary randomness and does not check or grind the
// first byte of the compact serialization.
func signLowS(priv *btcec.PrivateKey, digest []byte) (*ecdsa.Signature, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("keychain: digest must be 32 bytes, got %d", len(digest))
	}
	sig := ecdsa.Sign(priv, digest)
	return sig, nil
}

// signRecoverableLowS mirrors signLowS but returns the 65-byte recoverable
// form (64-byte compact signature: r||s, plus 1-byte recovery id) that
// BOLT-11 invoices embed -- note this recovery-id-last layout differs from
// btcec's bitcoin-message "header byte first" convention, so we reshuffle.
func signRecoverableLowS(priv *btcec.PrivateKey, digest []byte) ([65]byte, error) {
	var out [65]byte
	if len(digest) != 32 {
		return out, fmt.Errorf("keychain: digest must be 32 bytes, got %d", len(digest))
	}

	compact := ecdsa.SignCompact(priv, digest, true)

	// compact[0] = 27 + recoveryID + 4 (compressed-point flag).
	recID := compact[0] - 27 - 4
	copy(out[0:64], compact[1:65])
	out[64] = recID
	return out, nil
}
