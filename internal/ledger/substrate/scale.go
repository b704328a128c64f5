package substrate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

var errShortInput = errors.New("scale: input too short")

// appendCompact appends the SCALE compact encoding of n.
func appendCompact(b []byte, n *big.Int) []byte {
	switch {
	case n.IsUint64() && n.Uint64() < 1<<6:
		return append(b, byte(n.Uint64()<<2))
	case n.IsUint64() && n.Uint64() < 1<<14:
		return binary.LittleEndian.AppendUint16(b, uint16(n.Uint64()<<2|0b01))
	case n.IsUint64() && n.Uint64() < 1<<30:
		return binary.LittleEndian.AppendUint32(b, uint32(n.Uint64()<<2|0b10))
	}
	le := littleEndian(n)
	return append(append(b, byte(len(le)-4)<<2|0b11), le...)
}

// decodeCompact reads a compact integer and returns it with the bytes consumed.
func decodeCompact(b []byte) (*big.Int, int, error) {
	if len(b) == 0 {
		return nil, 0, errShortInput
	}
	switch b[0] & 0b11 {
	case 0b00:
		return big.NewInt(int64(b[0] >> 2)), 1, nil
	case 0b01:
		if len(b) < 2 {
			return nil, 0, errShortInput
		}
		return big.NewInt(int64(binary.LittleEndian.Uint16(b) >> 2)), 2, nil
	case 0b10:
		if len(b) < 4 {
			return nil, 0, errShortInput
		}
		return big.NewInt(int64(binary.LittleEndian.Uint32(b) >> 2)), 4, nil
	default:
		n := int(b[0]>>2) + 4
		if len(b) < 1+n {
			return nil, 0, errShortInput
		}
		return decodeUint(b[1 : 1+n]), 1 + n, nil
	}
}

// decodeU128 reads a little-endian u128 at offset.
func decodeU128(b []byte, offset int) (*big.Int, error) {
	if len(b) < offset+16 {
		return nil, fmt.Errorf("u128 at %d: %w", offset, errShortInput)
	}
	return decodeUint(b[offset : offset+16]), nil
}

func decodeUint(le []byte) *big.Int {
	be := make([]byte, len(le))
	for i := range le {
		be[len(le)-1-i] = le[i]
	}
	return new(big.Int).SetBytes(be)
}

// littleEndian returns the minimal little-endian bytes of n, at least 4 long.
func littleEndian(n *big.Int) []byte {
	be := n.Bytes()
	le := make([]byte, len(be))
	for i := range be {
		le[len(be)-1-i] = be[i]
	}
	for len(le) < 4 {
		le = append(le, 0)
	}
	return le
}
