package substrate

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// twox128 is the storage hasher for pallet and item prefixes.
func twox128(s string) []byte {
	out := make([]byte, 16)
	for i := uint64(0); i < 2; i++ {
		d := xxhash.NewWithSeed(i)
		_, _ = d.WriteString(s)
		binary.LittleEndian.PutUint64(out[i*8:], d.Sum64())
	}
	return out
}

// blake2128Concat is the storage hasher for map keys.
func blake2128Concat(key []byte) []byte {
	h, _ := blake2b.New(16, nil)
	h.Write(key)
	return append(h.Sum(nil), key...)
}

// storageKey builds the hex key of a plain storage item, optionally followed
// by a blake2_128concat-hashed map key.
func storageKey(pallet, item string, mapKey []byte) string {
	var b bytes.Buffer
	b.Write(twox128(pallet))
	b.Write(twox128(item))
	if mapKey != nil {
		b.Write(blake2128Concat(mapKey))
	}
	return "0x" + hex.EncodeToString(b.Bytes())
}

// extrinsicHash is the hash the ledger assigns to a signed extrinsic.
func extrinsicHash(extrinsic []byte) string {
	sum := blake2b.Sum256(extrinsic)
	return "0x" + hex.EncodeToString(sum[:])
}

var ss58Prefix = []byte("SS58PRE")

// ErrBadAddress is returned for addresses that are not valid SS58.
var ErrBadAddress = errors.New("invalid ss58 address")

// DecodeAddress returns the 32-byte account id and network prefix of an SS58
// address.
func DecodeAddress(addr string) ([]byte, uint16, error) {
	raw, err := base58.Decode(addr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	if len(raw) == 0 {
		return nil, 0, ErrBadAddress
	}

	var (
		prefix    uint16
		prefixLen int
	)
	switch {
	case raw[0] < 64:
		prefix, prefixLen = uint16(raw[0]), 1
	case raw[0] < 128:
		if len(raw) < 2 {
			return nil, 0, ErrBadAddress
		}
		lower := (raw[0] << 2) | (raw[1] >> 6)
		upper := raw[1] & 0x3f
		prefix, prefixLen = uint16(lower)|uint16(upper)<<8, 2
	default:
		return nil, 0, fmt.Errorf("%w: reserved prefix byte %d", ErrBadAddress, raw[0])
	}

	if len(raw) != prefixLen+32+2 {
		return nil, 0, fmt.Errorf("%w: length %d", ErrBadAddress, len(raw))
	}
	body := raw[:prefixLen+32]
	sum := ss58Checksum(body)
	if !bytes.Equal(sum[:2], raw[prefixLen+32:]) {
		return nil, 0, fmt.Errorf("%w: checksum mismatch", ErrBadAddress)
	}
	return append([]byte(nil), raw[prefixLen:prefixLen+32]...), prefix, nil
}

// EncodeAddress renders a 32-byte account id as SS58 with the given prefix.
func EncodeAddress(accountID []byte, prefix uint16) (string, error) {
	if len(accountID) != 32 {
		return "", fmt.Errorf("%w: account id must be 32 bytes", ErrBadAddress)
	}
	var body []byte
	if prefix < 64 {
		body = append(body, byte(prefix))
	} else {
		first := byte((prefix&0xfc)>>2) | 0x40
		second := byte(prefix>>8) | byte(prefix&0x03)<<6
		body = append(body, first, second)
	}
	body = append(body, accountID...)
	sum := ss58Checksum(body)
	return base58.Encode(append(body, sum[:2]...)), nil
}

func ss58Checksum(body []byte) [64]byte {
	buf := make([]byte, 0, len(ss58Prefix)+len(body))
	buf = append(buf, ss58Prefix...)
	buf = append(buf, body...)
	return blake2b.Sum512(buf)
}

// decodeHex accepts an optional 0x prefix.
func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func hexString(b []byte) string {
	return hex.EncodeToString(b)
}
