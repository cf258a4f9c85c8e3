package serialmux

import "bytes"

// ScanCRLF is a bufio.SplitFunc that ends a line at CR, LF or CRLF and drops
// empty lines. Devices differ in which terminator they send and some send
// both, so any run of terminators ends one line.
func ScanCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	return ScanCRLFWithTail(nil)(data, atEOF)
}

// ScanCRLFWithTail returns a split func like ScanCRLF that also emits an
// unterminated trailing token as soon as complete reports it whole. Devices
// that end a reply with a prompt and no newline need this to be read without
// waiting for the next line.
func ScanCRLFWithTail(complete func([]byte) bool) func([]byte, bool) (int, []byte, error) {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		// Skip leading terminators.
		start := 0
		for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
			start++
		}
		if start == len(data) {
			if atEOF {
				return len(data), nil, nil
			}
			return start, nil, nil
		}

		rest := data[start:]
		if i := bytes.IndexAny(rest, "\r\n"); i >= 0 {
			return start + i + 1, rest[:i], nil
		}
		if atEOF || (complete != nil && complete(rest)) {
			return len(data), rest, nil
		}
		// Request more data.
		return start, nil, nil
	}
}
