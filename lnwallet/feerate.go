package lnwallet

import "github.com/btcsuite/btcd/btcutil"

// SatPerKWeight represents a fee rate denominated in satoshis per
// kiloweight, the unit BIP-141 transaction weight is costed in.
type SatPerKWeight int64

// FeeForWeight returns the fee a transaction of the given weight pays at
// this fee rate.
func (f SatPerKWeight) FeeForWeight(weight int64) btcutil.Amount {
	return btcutil.Amount(int64(f) * weight / 1000)
}

// FeePerKVByte converts a weight-denominated fee rate into one
// denominated per kilo-virtual-byte, the unit txrules' dust calculations
// expect. A virtual byte is a quarter of a weight unit.
func (f SatPerKWeight) FeePerKVByte() SatPerKVByte {
	return SatPerKVByte(f * 4)
}

// SatPerKVByte represents a fee rate denominated in satoshis per
// kilo-virtual-byte.
type SatPerKVByte int64
