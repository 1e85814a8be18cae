package htlcswitch

import (
	"fmt"
	"sync"

	"github.com/lampo-project/lampo/lnwire"
)

// PaymentCircuit is the forwarding plane's at-most-once bookkeeping record:
// it links the inbound HTLC that arrived on one channel to the outbound
// HTLC the switch forwarded on another, so a later settle/fail arriving on
// the outbound side can be routed back to the correct inbound HTLC exactly
// once.
type PaymentCircuit struct {
	PaymentHash [32]byte

	IncomingChanID lnwire.ShortChannelID
	IncomingHTLCID uint64

	OutgoingChanID lnwire.ShortChannelID
	OutgoingHTLCID uint64
}

type circuitKey struct {
	chanID lnwire.ShortChannelID
	htlcID uint64
}

// CircuitMap is an in-memory index of open PaymentCircuits, keyed by the
// outgoing endpoint only; a circuit cannot be looked up by its incoming
// endpoint.
type CircuitMap struct {
	mu sync.Mutex

	byOutgoing map[circuitKey]*PaymentCircuit
}

// NewCircuitMap constructs an empty CircuitMap.
func NewCircuitMap() *CircuitMap {
	return &CircuitMap{
		byOutgoing: make(map[circuitKey]*PaymentCircuit),
	}
}

// Add opens circuit, indexed by its outgoing endpoint.
func (c *CircuitMap) Add(circuit *PaymentCircuit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := circuitKey{circuit.OutgoingChanID, circuit.OutgoingHTLCID}
	c.byOutgoing[key] = circuit
}

// LookupByHTLC finds the circuit whose outgoing leg is (chanID, htlcID), nil
// if none is open.
func (c *CircuitMap) LookupByHTLC(chanID lnwire.ShortChannelID, htlcID uint64) *PaymentCircuit {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.byOutgoing[circuitKey{chanID, htlcID}]
}

// Remove closes the circuit whose outgoing leg is (chanID, htlcID).
func (c *CircuitMap) Remove(chanID lnwire.ShortChannelID, htlcID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := circuitKey{chanID, htlcID}
	if _, ok := c.byOutgoing[key]; !ok {
		return fmt.Errorf("htlcswitch: no open circuit for (%v, %d)", chanID, htlcID)
	}
	delete(c.byOutgoing, key)
	return nil
}

// NumOpen reports the number of circuits currently open, used by tests and
// logging.
func (c *CircuitMap) NumOpen() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.byOutgoing)
}
