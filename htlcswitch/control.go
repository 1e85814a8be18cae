package htlcswitch

import (
	"encoding/hex"
	"errors"
	"sync"

	"github.com/lampo-project/lampo/lnwire"
	"github.com/lampo-project/lampo/persist"
)

var (
	// ErrAlreadyPaid signals we have already paid this payment hash.
	ErrAlreadyPaid = errors.New("htlcswitch: invoice is already paid")

	// ErrPaymentInFlight signals that payment for this payment hash is
	// already in flight on the network.
	ErrPaymentInFlight = errors.New("htlcswitch: payment is in transition")

	// ErrPaymentNotInitiated is returned if a payment wasn't cleared for
	// takeoff before Success/Fail is reported against it.
	ErrPaymentNotInitiated = errors.New("htlcswitch: payment isn't initiated")

	// ErrPaymentAlreadyCompleted is returned when a completed payment is
	// reported against a second time.
	ErrPaymentAlreadyCompleted = errors.New("htlcswitch: payment is already completed")
)

// PaymentStatus is the lifecycle state ControlTower drives a payment hash
// through, persisted so the dedup guarantee survives a restart.
type PaymentStatus byte

const (
	StatusGrounded PaymentStatus = iota
	StatusInFlight
	StatusCompleted
)

// ControlTower tracks every outgoing payment this switch has attempted, so
// that an HTLC is never sent twice for the same payment hash once it has
// either succeeded or is already on the wire.
type ControlTower interface {
	// ClearForTakeoff atomically checks that no in-flight or completed
	// payment exists for htlc's payment hash, and if none is found,
	// marks it in flight.
	ClearForTakeoff(htlc *lnwire.UpdateAddHTLC) error

	// Success transitions an in-flight payment to completed. After this
	// call, ClearForTakeoff must always fail for the same payment hash.
	Success(paymentHash [32]byte) error

	// Fail transitions an in-flight payment back to grounded, allowing a
	// later retry to clear for takeoff again.
	Fail(paymentHash [32]byte) error
}

// paymentControl is a persist.SyncAdapter-backed ControlTower, grounded on
// the teacher's bbolt-backed paymentControl but storing one status byte per
// payment hash under the store's flat key namespace instead of a dedicated
// bucket.
type paymentControl struct {
	mu    sync.Mutex
	store *persist.SyncAdapter
}

// NewControlTower wraps an already-running persist.SyncAdapter as a
// ControlTower.
func NewControlTower(store *persist.SyncAdapter) ControlTower {
	return &paymentControl{store: store}
}

func paymentKey(hash [32]byte) string {
	return "payments/" + hex.EncodeToString(hash[:])
}

func (p *paymentControl) status(hash [32]byte) (PaymentStatus, error) {
	raw, err := p.store.Read(paymentKey(hash))
	if err == persist.ErrNotFound {
		return StatusGrounded, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 1 {
		return 0, errors.New("htlcswitch: corrupt payment status record")
	}
	return PaymentStatus(raw[0]), nil
}

func (p *paymentControl) setStatus(hash [32]byte, status PaymentStatus) error {
	return p.store.Write(paymentKey(hash), []byte{byte(status)})
}

func (p *paymentControl) ClearForTakeoff(htlc *lnwire.UpdateAddHTLC) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, err := p.status(htlc.PaymentHash)
	if err != nil {
		return err
	}

	switch status {
	case StatusGrounded:
		return p.setStatus(htlc.PaymentHash, StatusInFlight)
	case StatusInFlight:
		return ErrPaymentInFlight
	case StatusCompleted:
		return ErrAlreadyPaid
	default:
		return errors.New("htlcswitch: unknown payment status")
	}
}

func (p *paymentControl) Success(paymentHash [32]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, err := p.status(paymentHash)
	if err != nil {
		return err
	}

	switch status {
	case StatusGrounded:
		return ErrPaymentNotInitiated
	case StatusInFlight:
		return p.setStatus(paymentHash, StatusCompleted)
	case StatusCompleted:
		return ErrPaymentAlreadyCompleted
	default:
		return errors.New("htlcswitch: unknown payment status")
	}
}

func (p *paymentControl) Fail(paymentHash [32]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, err := p.status(paymentHash)
	if err != nil {
		return err
	}

	switch status {
	case StatusGrounded:
		return ErrPaymentNotInitiated
	case StatusInFlight:
		return p.setStatus(paymentHash, StatusGrounded)
	case StatusCompleted:
		return ErrPaymentAlreadyCompleted
	default:
		return errors.New("htlcswitch: unknown payment status")
	}
}
