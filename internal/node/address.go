// ABOUTME: Withdrawal destination validation via base58check decoding
// ABOUTME: Accepts only the configured P2PKH/P2SH version bytes

package node

import (
	"github.com/btcsuite/btcd/btcutil/base58"
)

// AddressValidator checks withdrawal destinations syntactically: a valid
// base58check string whose version byte matches one of the configured
// values. It makes no RPC calls.
type AddressValidator struct {
	versions []byte
}

// NewAddressValidator creates a validator accepting the given version bytes
// (typically the chain's P2PKH and P2SH prefixes).
func NewAddressValidator(versions ...byte) *AddressValidator {
	return &AddressValidator{versions: versions}
}

// Valid reports whether the address decodes and carries an accepted version
// byte. The payload must be a 20-byte hash as in standard P2PKH/P2SH.
func (v *AddressValidator) Valid(address string) bool {
	payload, version, err := base58.CheckDecode(address)
	if err != nil {
		return false
	}
	if len(payload) != 20 {
		return false
	}
	for _, want := range v.versions {
		if version == want {
			return true
		}
	}
	return false
}
