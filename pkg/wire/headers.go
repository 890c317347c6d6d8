// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"strings"
)

// Field is a single header field. Order is preserved end to end; name
// matching is case-insensitive.
type Field struct {
	Name  string
	Value string
}

// HeaderValue returns the value of the first field with the given name,
// compared case-insensitively.
func HeaderValue(headers []Field, name string) (string, bool) {
	for _, f := range headers {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// HasToken reports whether the comma-separated header value contains the
// given token, compared case-insensitively with surrounding whitespace
// trimmed. Used for Connection header token scans.
func HasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// isTokenChar reports whether c is a valid RFC 7230 token character.
func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

// isToken reports whether s is a non-empty RFC 7230 token.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}
