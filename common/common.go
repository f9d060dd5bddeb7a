package common

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/shopspring/decimal"
	"github.com/valuebridge/bridge-node/config/types"
)

var ErrNegativeAmount = errors.New("amount cannot be negative")

// Uint64ToBytes converts a uint64 to a byte slice
func Uint64ToBytes(num uint64) []byte {
	const uint64ByteSize = 8

	bytes := make([]byte, uint64ByteSize)
	binary.BigEndian.PutUint64(bytes, num)

	return bytes
}

// ToBaseUnits converts a human readable amount ("1.5") to the token base units given its decimals.
// Fractions below one base unit are truncated.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%s: %w", amount.String(), ErrNegativeAmount)
	}
	return amount.Shift(int32(decimals)).Truncate(0).BigInt(), nil
}

// FromBaseUnits is the inverse of ToBaseUnits, used to log amounts in a readable way
func FromBaseUnits(amount *big.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

// NewKeyFromKeystore creates a private key from a keystore file
func NewKeyFromKeystore(cfg types.KeystoreFileConfig) (*ecdsa.PrivateKey, error) {
	if cfg.Path == "" && cfg.Password == "" {
		return nil, nil
	}
	keystoreEncrypted, err := os.ReadFile(filepath.Clean(cfg.Path))
	if err != nil {
		return nil, err
	}
	key, err := keystore.DecryptKey(keystoreEncrypted, cfg.Password)
	if err != nil {
		return nil, err
	}

	return key.PrivateKey, nil
}

// ReadPasswordFile returns the first line of a password file
func ReadPasswordFile(path string) (string, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	password, _, _ := strings.Cut(string(content), "\n")
	return strings.TrimRight(password, "\r"), nil
}
