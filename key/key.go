// Package key implements Z85 key encoding and the string normalization rule
// shared by every public-facing key parameter in the emyzelium substrate.
package key

import (
	"errors"
	"fmt"
)

// Len is the length, in characters, of a normalized Z85 key string.
const Len = 40

// RawLen is the length, in bytes, of the raw key material a normalized
// Z85 string decodes to.
const RawLen = 32

// ErrInvalidZ85 is returned when a string is not a valid Z85 key (stray
// byte outside the alphabet, a length other than Len, or a 5-character
// group whose value overflows 32 bits).
var ErrInvalidZ85 = errors.New("key: invalid z85 encoding")

// z85Alphabet is the canonical ZeroMQ Z85 alphabet (RFC: ZMTP Z85).
const z85Alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ.-:+=^!/*?&<>()[]{}@%$#"

var z85Decode [256]int8

func init() {
	for i := range z85Decode {
		z85Decode[i] = -1
	}
	for i := 0; i < len(z85Alphabet); i++ {
		z85Decode[z85Alphabet[i]] = int8(i)
	}
}

// Normalize right-pads s with ASCII spaces to Len characters, or truncates
// it to Len characters if longer. Normalization is idempotent:
// Normalize(Normalize(s)) == Normalize(s), and len(Normalize(s)) == Len.
func Normalize(s string) string {
	if len(s) >= Len {
		return s[:Len]
	}
	buf := make([]byte, Len)
	copy(buf, s)
	for i := len(s); i < Len; i++ {
		buf[i] = ' '
	}
	return string(buf)
}

// EncodeZ85 encodes 32 raw bytes as a 40-character Z85 string.
func EncodeZ85(raw [RawLen]byte) string {
	out := make([]byte, 0, Len)
	for i := 0; i < RawLen; i += 4 {
		word := uint32(raw[i])<<24 | uint32(raw[i+1])<<16 | uint32(raw[i+2])<<8 | uint32(raw[i+3])
		var chunk [5]byte
		for j := 4; j >= 0; j-- {
			chunk[j] = z85Alphabet[word%85]
			word /= 85
		}
		out = append(out, chunk[:]...)
	}
	return string(out)
}

// DecodeZ85 decodes a 40-character Z85 string into 32 raw bytes.
func DecodeZ85(s string) ([RawLen]byte, error) {
	var raw [RawLen]byte
	if len(s) != Len {
		return raw, fmt.Errorf("%w: length %d, want %d", ErrInvalidZ85, len(s), Len)
	}
	pos := 0
	for i := 0; i < Len; i += 5 {
		var word uint64
		for j := 0; j < 5; j++ {
			c := s[i+j]
			v := z85Decode[c]
			if v < 0 {
				return raw, fmt.Errorf("%w: byte %q at offset %d", ErrInvalidZ85, c, i+j)
			}
			word = word*85 + uint64(v)
		}
		if word > 0xFFFFFFFF {
			return raw, fmt.Errorf("%w: chunk at offset %d overflows 32 bits", ErrInvalidZ85, i)
		}
		raw[pos] = byte(word >> 24)
		raw[pos+1] = byte(word >> 16)
		raw[pos+2] = byte(word >> 8)
		raw[pos+3] = byte(word)
		pos += 4
	}
	return raw, nil
}
