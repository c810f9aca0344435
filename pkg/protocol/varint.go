package protocol

// MaxVarintLen is the maximum number of bytes a varint can occupy.
// A uint64 needs at most 10 bytes in LEB128 encoding.
const MaxVarintLen = 10

// EncodeUvarint encodes v as an unsigned LEB128 varint into buf and
// returns the number of bytes written. buf must have at least
// MaxVarintLen bytes available. Each byte carries 7 data bits; the MSB
// marks continuation.
func EncodeUvarint(buf []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		buf[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	buf[i] = byte(v)
	return i + 1
}

// AppendUvarint appends the LEB128 encoding of v to buf and returns the
// extended slice.
func AppendUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// DecodeUvarint decodes an unsigned LEB128 varint from the front of buf.
// It accumulates 7 bits per byte at an increasing shift. Returns
// (value, bytesRead); a negative bytesRead means decoding failed:
//
//	-1: buffer too short (incomplete varint)
//	-2: overflow (the accumulated shift would exceed 63 bits)
func DecodeUvarint(buf []byte) (uint64, int) {
	var v uint64
	var shift uint

	for i, b := range buf {
		if i >= MaxVarintLen {
			return 0, -2
		}
		v |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, -1
}

// UvarintLen returns the number of bytes needed to encode v.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		n++
		v >>= 7
	}
	return n
}
