package zpay32

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/lampo-project/lampo/lnwire"
)

// maxInvoiceLength is the maximum total length a BOLT-11 invoice string may
// have, chosen generously above anything a legitimate invoice (even one
// carrying the maximum 20 routing hints) would ever produce.
const maxInvoiceLength = 7089

// decodeBech32 decodes a bech32 string without the usual 90-character limit,
// since BOLT-11 invoices routinely exceed it once routing hints are added.
func decodeBech32(bech string) (string, []byte, error) {
	if len(bech) > maxInvoiceLength {
		return "", nil, fmt.Errorf("invoice too long: %d", len(bech))
	}
	return bech32.DecodeNoLimit(strings.ToLower(bech))
}

// milliBtcDivisor, microBtcDivisor and nanoBtcDivisor convert a bech32
// amount value expressed in the "m"/"u"/"n" units into millisatoshis, by
// integer division/multiplication of mSatPerBtc -- kept exact (no floats)
// since invoice amounts must round-trip precisely.
const (
	milliBtcDivisor = mSatPerBtc / 1000
	microBtcDivisor = mSatPerBtc / 1000000
	nanoBtcDivisor  = mSatPerBtc / 1000000000
)

// decodeAmount turns the amount portion of an invoice's HRP (everything
// after "ln<net>") into a millisatoshi amount. The last character, if one of
// munp, is a multiplier suffix; everything before it must be a bare integer.
func decodeAmount(amount string) (lnwire.MilliSatoshi, error) {
	if len(amount) < 1 {
		return 0, fmt.Errorf("empty amount")
	}

	suffix := amount[len(amount)-1]
	digits := amount
	switch suffix {
	case 'm', 'u', 'n', 'p':
		digits = amount[:len(amount)-1]
	}
	if len(digits) == 0 {
		return 0, fmt.Errorf("amount has no digits: %q", amount)
	}

	value, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %v", amount, err)
	}

	switch suffix {
	case 'm':
		return lnwire.MilliSatoshi(value * milliBtcDivisor), nil
	case 'u':
		return lnwire.MilliSatoshi(value * microBtcDivisor), nil
	case 'n':
		return lnwire.MilliSatoshi(value * nanoBtcDivisor), nil
	case 'p':
		// A pico-BTC unit is 0.1 millisatoshi, so only multiples of
		// 10 represent a whole number of millisatoshis.
		if value%10 != 0 {
			return 0, fmt.Errorf("amount %q not a whole number "+
				"of millisatoshis", amount)
		}
		return lnwire.MilliSatoshi(value / 10), nil
	default:
		return lnwire.MilliSatoshi(value * mSatPerBtc), nil
	}
}

// encodeAmount renders a millisatoshi amount back into its bech32 HRP
// suffix, picking the coarsest multiplier (whole BTC, then m, u, n) that
// still expresses the amount as a whole number, falling back to "p" (the
// finest unit) which always divides evenly.
func encodeAmount(msat lnwire.MilliSatoshi) (string, error) {
	amt := uint64(msat)

	if amt%mSatPerBtc == 0 {
		return strconv.FormatUint(amt/mSatPerBtc, 10), nil
	}
	if amt%milliBtcDivisor == 0 {
		return strconv.FormatUint(amt/milliBtcDivisor, 10) + "m", nil
	}
	if amt%microBtcDivisor == 0 {
		return strconv.FormatUint(amt/microBtcDivisor, 10) + "u", nil
	}
	if amt%nanoBtcDivisor == 0 {
		return strconv.FormatUint(amt/nanoBtcDivisor, 10) + "n", nil
	}

	return strconv.FormatUint(amt*10, 10) + "p", nil
}
