package db

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	sqlite "github.com/mattn/go-sqlite3"
	"github.com/russross/meddler"
)

// init registers the column types of the stored records
func init() {
	meddler.Default = meddler.SQLite
	meddler.Register("bigint", textMeddler[*big.Int]{decode: decodeBigInt, encode: encodeBigInt})
	meddler.Register("hash", textMeddler[common.Hash]{decode: decodeHash, encode: common.Hash.Hex})
	meddler.Register("hashes", textMeddler[[]common.Hash]{decode: decodeHashes, encode: encodeHashes})
	meddler.Register("address", textMeddler[common.Address]{decode: decodeAddress, encode: common.Address.Hex})
}

func SQLiteErr(err error) (*sqlite.Error, bool) {
	sqliteErr := &sqlite.Error{}
	if ok := errors.As(err, sqliteErr); ok {
		return sqliteErr, true
	}
	if driverErr, ok := meddler.DriverErr(err); ok {
		return sqliteErr, errors.As(driverErr, sqliteErr)
	}
	return sqliteErr, false
}

// textMeddler stores a T as a TEXT column
type textMeddler[T any] struct {
	decode func(string) (T, error)
	encode func(T) string
}

func (m textMeddler[T]) PreRead(fieldAddr interface{}) (scanTarget interface{}, err error) {
	return new(string), nil
}

func (m textMeddler[T]) PostRead(fieldPtr, scanTarget interface{}) error {
	ptr, ok := scanTarget.(*string)
	if !ok || ptr == nil {
		return errors.New("scanTarget is not *string")
	}
	field, ok := fieldPtr.(*T)
	if !ok {
		return fmt.Errorf("fieldPtr is %T, not %T", fieldPtr, new(T))
	}
	v, err := m.decode(*ptr)
	if err != nil {
		return err
	}
	*field = v
	return nil
}

func (m textMeddler[T]) PreWrite(fieldPtr interface{}) (saveValue interface{}, err error) {
	field, ok := fieldPtr.(T)
	if !ok {
		return nil, fmt.Errorf("field is %T, not %T", fieldPtr, *new(T))
	}
	return m.encode(field), nil
}

func decodeBigInt(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10) //nolint:mnd
	if !ok {
		return nil, fmt.Errorf("big.Int.SetString failed on %q", s)
	}
	return v, nil
}

// encodeBigInt writes nil amounts as zero
func encodeBigInt(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeHash(s string) (common.Hash, error) {
	return common.HexToHash(s), nil
}

func decodeAddress(s string) (common.Address, error) {
	return common.HexToAddress(s), nil
}

// hashes keep their order, comma separated
func decodeHashes(s string) ([]common.Hash, error) {
	if s == "" {
		return []common.Hash{}, nil
	}
	parts := strings.Split(s, ",")
	hashes := make([]common.Hash, len(parts))
	for i, p := range parts {
		hashes[i] = common.HexToHash(p)
	}
	return hashes, nil
}

func encodeHashes(hashes []common.Hash) string {
	parts := make([]string, len(hashes))
	for i, h := range hashes {
		parts[i] = h.Hex()
	}
	return strings.Join(parts, ",")
}
