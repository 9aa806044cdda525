package proc

import (
	"errors"
	"strconv"
	"strings"
)

var errEmptyAddress = errors.New("empty address")

// ParseAddress parses s as an address or value. A 0x prefix selects
// hexadecimal, anything else is decimal.
func ParseAddress(s string) (uint64, error) {
	in := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, &ParseError{Input: in, Err: errEmptyAddress}
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok {
			err = ne.Err
		}
		return 0, &ParseError{Input: in, Err: err}
	}
	return v, nil
}
