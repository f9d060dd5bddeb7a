package common

import (
	"math/big"
	"os"
	"path"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/valuebridge/bridge-node/config/types"
)

func TestUint64Bytes(t *testing.T) {
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0x30, 0x39}, Uint64ToBytes(12345))
	require.Len(t, Uint64ToBytes(1), 8)
}

func TestToBaseUnits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		amount   string
		decimals uint8
		expected *big.Int
		err      error
	}{
		{name: "integer", amount: "10", decimals: 6, expected: big.NewInt(10_000_000)},
		{name: "fraction", amount: "1.5", decimals: 18, expected: new(big.Int).Mul(big.NewInt(15), big.NewInt(1e17))},
		{name: "truncates dust", amount: "0.0000001", decimals: 6, expected: big.NewInt(0)},
		{name: "zero decimals", amount: "42", decimals: 0, expected: big.NewInt(42)},
		{name: "negative", amount: "-1", decimals: 6, err: ErrNegativeAmount},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res, err := ToBaseUnits(decimal.RequireFromString(tt.amount), tt.decimals)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Zero(t, tt.expected.Cmp(res), "expected %s got %s", tt.expected, res)
		})
	}
}

func TestFromBaseUnits(t *testing.T) {
	require.Equal(t, "1.5", FromBaseUnits(big.NewInt(1_500_000), 6).String())
	require.True(t, FromBaseUnits(nil, 6).IsZero())
}

func TestWatcherKinds(t *testing.T) {
	require.True(t, IsWatcherKind(STAKE))
	require.False(t, IsWatcherKind("relay"))
}

func TestNewKeyFromKeystore(t *testing.T) {
	pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Address:    crypto.PubkeyToAddress(pk.PublicKey),
		PrivateKey: pk,
	}, "secret", keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)

	dir := t.TempDir()
	keyPath := path.Join(dir, "bonder.keystore")
	require.NoError(t, os.WriteFile(keyPath, encrypted, 0600))
	passwordPath := path.Join(dir, "password")
	require.NoError(t, os.WriteFile(passwordPath, []byte("secret\n"), 0600))

	password, err := ReadPasswordFile(passwordPath)
	require.NoError(t, err)
	require.Equal(t, "secret", password)

	key, err := NewKeyFromKeystore(types.KeystoreFileConfig{Path: keyPath, Password: password})
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(pk.PublicKey), crypto.PubkeyToAddress(key.PublicKey))

	_, err = NewKeyFromKeystore(types.KeystoreFileConfig{Path: keyPath, Password: "wrong"})
	require.Error(t, err)

	key, err = NewKeyFromKeystore(types.KeystoreFileConfig{})
	require.NoError(t, err)
	require.Nil(t, key)
}
