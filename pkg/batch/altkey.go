package batch

import (
	"regexp"
	"strings"
)

// altKeyPattern matches single-quoted literals such as the value in
// accounts(accountnumber='A-100').
var altKeyPattern = regexp.MustCompile(`'([^']*)'`)

const upperHex = "0123456789ABCDEF"

// EncodeAltKeys percent-encodes the content of every single-quoted segment in
// rawURL. Quotes and everything outside them are left untouched, so
// `hello(altkey='æøå')` becomes `hello(altkey='%C3%A6%C3%B8%C3%A5')`.
func EncodeAltKeys(rawURL string) string {
	return altKeyPattern.ReplaceAllStringFunc(rawURL, func(match string) string {
		return "'" + escapeLiteral(match[1:len(match)-1]) + "'"
	})
}

// escapeLiteral encodes every byte outside the unreserved set and '/'.
func escapeLiteral(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !isSafe(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isSafe(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&15])
	}
	return b.String()
}

func isSafe(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~', c == '/':
		return true
	}
	return false
}
