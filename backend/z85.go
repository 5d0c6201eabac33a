package backend

import (
	"errors"
	"fmt"
)

// Z85 is the ZeroMQ text encoding for binary keys (ZMQ RFC 32). Input lengths
// must be multiples of 4 bytes when encoding and 5 characters when decoding.

const z85Alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ.-:+=^!/*?&<>()[]{}@%$#"

var z85Decoder = func() [256]byte {
	var table [256]byte
	for i := range table {
		table[i] = 0xFF
	}
	for i := 0; i < len(z85Alphabet); i++ {
		table[z85Alphabet[i]] = byte(i)
	}
	return table
}()

var errZ85Length = errors.New("z85: invalid length")

// EncodeZ85 encodes src, whose length must be a multiple of 4.
func EncodeZ85(src []byte) (string, error) {
	if len(src)%4 != 0 {
		return "", errZ85Length
	}
	dst := make([]byte, 0, len(src)/4*5)
	for i := 0; i < len(src); i += 4 {
		value := uint32(src[i])<<24 | uint32(src[i+1])<<16 | uint32(src[i+2])<<8 | uint32(src[i+3])
		var chunk [5]byte
		for j := 4; j >= 0; j-- {
			chunk[j] = z85Alphabet[value%85]
			value /= 85
		}
		dst = append(dst, chunk[:]...)
	}
	return string(dst), nil
}

// DecodeZ85 decodes src, whose length must be a multiple of 5.
func DecodeZ85(src string) ([]byte, error) {
	if len(src)%5 != 0 {
		return nil, errZ85Length
	}
	dst := make([]byte, 0, len(src)/5*4)
	for i := 0; i < len(src); i += 5 {
		var value uint64
		for j := 0; j < 5; j++ {
			digit := z85Decoder[src[i+j]]
			if digit == 0xFF {
				return nil, fmt.Errorf("z85: invalid character %q at %d", src[i+j], i+j)
			}
			value = value*85 + uint64(digit)
		}
		if value > 0xFFFFFFFF {
			return nil, fmt.Errorf("z85: chunk at %d overflows", i)
		}
		dst = append(dst, byte(value>>24), byte(value>>16), byte(value>>8), byte(value))
	}
	return dst, nil
}
