// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EncodeFloat renders f as a plain decimal number.
func EncodeFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// DecodeFloat parses a stored decimal number.
func DecodeFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// EncodeJSON renders v as compact JSON.
func EncodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeJSON parses a stored JSON value into v.
func DecodeJSON(s string, v interface{}) error {
	return json.Unmarshal([]byte(strings.TrimSpace(s)), v)
}

// Quote renders s as a double quoted string literal.
func Quote(s string) string {
	return strconv.Quote(s)
}

// Unquote reverses Quote. Single quoted values written by other tools
// are accepted verbatim between the quotes.
func Unquote(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1], nil
	}
	if len(s) >= 2 && s[0] == '"' {
		return strconv.Unquote(s)
	}
	return "", fmt.Errorf("not a quoted string: %.40q", s)
}

// EncodeQuotedJSON renders v as JSON wrapped in a quoted string, the
// form used for resume metadata.
func EncodeQuotedJSON(v interface{}) (string, error) {
	raw, err := EncodeJSON(v)
	if err != nil {
		return "", err
	}
	return Quote(raw), nil
}

// DecodeQuotedJSON reverses EncodeQuotedJSON.
func DecodeQuotedJSON(s string, v interface{}) error {
	raw, err := Unquote(s)
	if err != nil {
		return err
	}
	return DecodeJSON(raw, v)
}
