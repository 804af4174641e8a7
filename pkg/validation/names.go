// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided identifiers before they become
// URL path segments, log attributes or generated data.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidName is returned for a figure or table name that is not a
	// safe path segment.
	ErrInvalidName = errors.New("invalid name")

	// ErrInvalidSymbol is returned for a malformed ticker symbol.
	ErrInvalidSymbol = errors.New("invalid symbol")
)

// namePattern matches figure and table names: a letter or digit followed
// by up to 63 letters, digits, dots, underscores or hyphens.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// symbolPattern matches ticker symbols.
// Allows: uppercase letters, digits, dots (BRK.A), hyphens (BF-B)
// Max length: 10 characters
var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,9}$`)

// ValidateName checks a figure or table name.
//
// Names appear in routes such as /v1/plot/figures/:name, so they may not
// contain slashes, spaces or percent signs.
//
// Example:
//
//	if err := validation.ValidateName(cfg.Name); err != nil {
//	    return fmt.Errorf("figure: %w", err)
//	}
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q (1-64 letters, digits, '.', '_' or '-')", ErrInvalidName, name)
	}
	return nil
}

// ValidateSymbol checks one ticker symbol.
func ValidateSymbol(symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("%w: %q (1-10 uppercase alphanumeric chars, dots, or hyphens)", ErrInvalidSymbol, symbol)
	}
	return nil
}

// ValidateSymbols checks every symbol and reports all invalid ones.
func ValidateSymbols(symbols []string) error {
	var invalid []string
	for _, s := range symbols {
		if ValidateSymbol(s) != nil {
			invalid = append(invalid, s)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, invalid)
	}
	return nil
}

// SanitizeSymbol upper-cases and trims a symbol, then validates it.
func SanitizeSymbol(symbol string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if err := ValidateSymbol(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
