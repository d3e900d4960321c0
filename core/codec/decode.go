package codec

import "math"

// decodeU16 reads the first word as an unsigned 16-bit value.
func decodeU16(words []uint16) uint16 { return words[0] }

// decodeI16 reads the first word as a signed 16-bit value.
func decodeI16(words []uint16) int16 { return int16(words[0]) }

// decodeU32LE reads two consecutive words as a little-word-order unsigned
// 32-bit value: the register at the lower address holds the low 16 bits.
func decodeU32LE(words []uint16) uint32 {
	return uint32(words[0]) | uint32(words[1])<<16
}

// decodeF32LE reads two consecutive words as an IEEE-754 float, using the
// same word order as decodeU32LE.
func decodeF32LE(words []uint16) float32 {
	return math.Float32frombits(decodeU32LE(words))
}

// decodeI8Pair splits one word into two independent signed bytes: low byte
// first, high byte second.
func decodeI8Pair(words []uint16) (lo, hi int8) {
	w := words[0]
	return int8(w & 0xFF), int8(w >> 8)
}

// decodeASCII decodes a run of words as big-endian byte pairs of ASCII text,
// trimming trailing NUL and space padding.
func decodeASCII(words []uint16) string {
	b := make([]byte, 0, len(words)*2)
	for _, w := range words {
		b = append(b, byte(w>>8), byte(w&0xFF))
	}
	end := len(b)
	for end > 0 && (b[end-1] == 0x00 || b[end-1] == ' ') {
		end--
	}
	return string(b[:end])
}
