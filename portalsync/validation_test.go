package portalsync

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidateDocumentKey(t *testing.T) {
	cases := []struct {
		key string
		ok  bool
	}{
		{"users", true},
		{"liveSessions", true},
		{"revoked-users", true},
		{"replica_meta", true},
		{"", false},
		{" users", false},
		{"users ", false},
		{"users;drop", false},
		{"a/b", false},
		{strings.Repeat("k", 129), false},
	}

	for _, tc := range cases {
		err := validateDocumentKey(tc.key)
		if tc.ok && err != nil {
			t.Errorf("key %q: unexpected error %v", tc.key, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("key %q: expected error", tc.key)
		}
	}
}

func TestValidateContent(t *testing.T) {
	if err := validateContent(json.RawMessage(`[{"user":"alice"}]`), 0); err != nil {
		t.Fatalf("valid content rejected: %v", err)
	}
	if err := validateContent(nil, 0); err == nil {
		t.Fatal("empty content accepted")
	}
	if err := validateContent(json.RawMessage(`{"broken`), 0); err == nil {
		t.Fatal("malformed JSON accepted")
	}
	if err := validateContent(json.RawMessage(`[1,2,3]`), 4); err == nil {
		t.Fatal("oversized content accepted")
	}
}
