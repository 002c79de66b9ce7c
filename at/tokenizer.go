package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// Tokens are raw lines: every byte up to and including the LF is returned
// untouched, so blank separators and the CR of an echoed command survive.
// Checksums are computed over the exact bytes on the wire, so trimming is
// left to the consumer.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[0 : i+1], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Classify identifies the nature of a raw or trimmed modem line.
func Classify(line string) ResponseType {
	line = strings.TrimSpace(line)

	switch line {
	case "":
		return TypeBlank
	case OK, ERROR:
		return TypeFinal
	}

	if IsCrcTail(line) {
		return TypeCrc
	}
	return TypeData
}

// IsCrcTail reports whether line has the shape of a checksum tail: the
// prefix followed by four hexadecimal digits.
func IsCrcTail(line string) bool {
	line = strings.TrimSpace(line)
	if len(line) != len(CrcPrefix)+4 || !strings.HasPrefix(line, CrcPrefix) {
		return false
	}
	for _, r := range line[len(CrcPrefix):] {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
