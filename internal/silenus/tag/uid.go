// Package tag reads RFID tag identities and normalizes them into the
// uppercase hex UID the rest of the system keys on.
package tag

import (
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrEmptyUID    = errors.New("empty uid")
	ErrBadChecksum = errors.New("uid block check character mismatch")
	ErrOddHex      = errors.New("uid hex has odd length")
)

// cascadeTag prefixes every non-final cascade level of a 7 or 10 byte UID.
const cascadeTag = 0x88

// NormalizeUID strips block check characters and cascade tags from a raw
// anticollision response and returns the UID as uppercase hex.
//
// Input made of 5-byte frames (4 UID bytes + BCC) has each BCC verified and
// removed. Cascade tags are only removed from the first byte of a non-final
// level, so a genuine 0x88 inside the UID survives.
func NormalizeUID(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", ErrEmptyUID
	}

	data := raw
	if len(raw)%5 == 0 {
		data = make([]byte, 0, len(raw)/5*4)
		for i := 0; i < len(raw); i += 5 {
			block := raw[i : i+5]
			if block[0]^block[1]^block[2]^block[3] != block[4] {
				return "", ErrBadChecksum
			}
			data = append(data, block[:4]...)
		}
	}

	if len(data) > 4 && len(data)%4 == 0 {
		levels := len(data) / 4
		cleaned := make([]byte, 0, len(data))
		for l := 0; l < levels; l++ {
			level := data[l*4 : l*4+4]
			if l < levels-1 && level[0] == cascadeTag {
				level = level[1:]
			}
			cleaned = append(cleaned, level...)
		}
		data = cleaned
	}

	if len(data) == 0 {
		return "", ErrEmptyUID
	}
	return strings.ToUpper(hex.EncodeToString(data)), nil
}

// CanonicalHex removes every non-hex character and uppercases the rest.
// It is the lenient form accepted from remote agents and the CLI.
func CanonicalHex(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F':
			b.WriteRune(r)
		case r >= 'a' && r <= 'f':
			b.WriteRune(r - 'a' + 'A')
		}
	}
	return b.String()
}

// ParseHexUID reads a UID printed as hex by a serial reader, with or without
// separators. Serial readers print the UID already stripped of framing, so
// the bytes are taken as given; only SPI anticollision frames go through
// NormalizeUID.
func ParseHexUID(s string) (string, error) {
	h := CanonicalHex(s)
	if h == "" {
		return "", ErrEmptyUID
	}
	if len(h)%2 != 0 {
		return "", ErrOddHex
	}
	return h, nil
}
