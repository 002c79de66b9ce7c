// Package crc implements the CRC-16/XMODEM integrity envelope used on the
// IDP serial link. Commands are framed as "<cmd>*<HHHH>" and responses carry
// a trailing "*<HHHH>" line computed over the wire-exact response body.
package crc

import (
	"fmt"
	"strconv"
	"strings"
)

// Separator precedes the hexadecimal checksum in a framed command or tail.
const Separator = "*"

const poly = 0x1021

var table = func() [256]uint16 {
	var t [256]uint16
	for i := range t {
		c := uint16(i) << 8
		for range 8 {
			if c&0x8000 != 0 {
				c = c<<1 ^ poly
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// Checksum returns the CRC-16/XMODEM of data.
func Checksum(data []byte) uint16 {
	var c uint16
	for _, b := range data {
		c = c<<8 ^ table[byte(c>>8)^b]
	}
	return c
}

// Format renders a checksum the way the modem does: four uppercase hex digits.
func Format(sum uint16) string {
	return fmt.Sprintf("%04X", sum)
}

// Frame appends the checksum of cmd to cmd.
func Frame(cmd string) string {
	return cmd + Separator + Format(Checksum([]byte(cmd)))
}

// Split separates a framed command into its text and checksum. ok is false
// when frame carries no separator.
func Split(frame string) (cmd, tail string, ok bool) {
	i := strings.LastIndex(frame, Separator)
	if i < 0 {
		return frame, "", false
	}
	return frame[:i], frame[i+len(Separator):], true
}

// Parse decodes a checksum tail such as "*1A2B" or "1A2B\r\n".
func Parse(tail string) (uint16, error) {
	tail = strings.TrimPrefix(strings.TrimSpace(tail), Separator)
	if len(tail) != 4 {
		return 0, fmt.Errorf("crc: malformed checksum %q", tail)
	}
	v, err := strconv.ParseUint(tail, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("crc: malformed checksum %q: %w", tail, err)
	}
	return uint16(v), nil
}

// Validate reports whether tail is the checksum of body. A tail that cannot
// be parsed never validates.
func Validate(body, tail string) bool {
	want, err := Parse(tail)
	if err != nil {
		return false
	}
	return Checksum([]byte(body)) == want
}
