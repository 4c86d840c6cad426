// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package portalsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

const maxDocumentKeyLength = 128

// validateDocumentKey rejects keys that cannot name a collection. Keys are
// client-declared but bounded to the schema registry on the client side;
// the server only enforces shape, not membership.
func validateDocumentKey(key string) error {
	if key == "" {
		return fmt.Errorf("document key must not be empty")
	}
	if len(key) > maxDocumentKeyLength {
		return fmt.Errorf("document key exceeds %d characters", maxDocumentKeyLength)
	}
	if strings.TrimSpace(key) != key {
		return fmt.Errorf("document key must not have leading or trailing whitespace")
	}
	for _, r := range key {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return fmt.Errorf("document key contains invalid character %q", r)
		}
	}
	return nil
}

// validateContent checks that content is well-formed JSON and within the
// configured size limit (0 = unlimited).
func validateContent(content json.RawMessage, maxBytes int) error {
	if len(content) == 0 {
		return fmt.Errorf("document content must not be empty")
	}
	if maxBytes > 0 && len(content) > maxBytes {
		return fmt.Errorf("document content exceeds %d bytes", maxBytes)
	}
	if !json.Valid(content) {
		return fmt.Errorf("document content is not valid JSON")
	}
	return nil
}
