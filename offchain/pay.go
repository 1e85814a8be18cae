package offchain

import (
	"fmt"
	"time"

	"github.com/lampo-project/lampo/lnwire"
	"github.com/lampo-project/lampo/zpay32"
)

// Pay decodes invoiceStr, dispatches a payment for it through the channel
// manager, and blocks until that payment resolves. overrideAmountMsat must
// be supplied for an any-amount invoice and may otherwise be left nil to
// pay the amount the invoice itself names. timeout of zero uses
// defaultPayTimeout (spec §4.8's "default 30 s for synchronous callers").
func (m *Manager) Pay(invoiceStr string, overrideAmountMsat *uint64, timeout time.Duration) error {
	invoice, err := zpay32.Decode(invoiceStr)
	if err != nil {
		return fmt.Errorf("offchain: decode invoice: %w", err)
	}

	amount, err := payAmount(invoice, overrideAmountMsat)
	if err != nil {
		return err
	}

	if invoice.Destination == nil {
		return fmt.Errorf("offchain: invoice has no recoverable destination pubkey")
	}
	var dest [33]byte
	copy(dest[:], invoice.Destination.SerializeCompressed())

	cltvDelta := invoice.MinFinalCLTVExpiry()
	absoluteCLTV := uint32(m.cfg.ChannelMgr.BestHeight()) + uint32(cltvDelta)

	if timeout <= 0 {
		timeout = defaultPayTimeout
	}

	type result struct {
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, sendErr := m.cfg.ChannelMgr.SendPayment(dest, amount, *invoice.PaymentHash, absoluteCLTV)
		done <- result{err: sendErr}
	}()

	select {
	case r := <-done:
		return r.err
	case <-time.After(timeout):
		return fmt.Errorf("offchain: payment to %x timed out after %s", dest, timeout)
	}
}

// payAmount resolves the millisatoshi amount to actually send: override
// must be given for an any-amount invoice, and may optionally override a
// fixed-amount one too (e.g. to tip); otherwise the invoice's own amount
// is used.
func payAmount(invoice *zpay32.Invoice, override *uint64) (lnwire.MilliSatoshi, error) {
	if override != nil {
		return lnwire.MilliSatoshi(*override), nil
	}
	if invoice.MilliSat != nil {
		return *invoice.MilliSat, nil
	}
	return 0, fmt.Errorf("offchain: invoice has no amount and none was provided")
}
