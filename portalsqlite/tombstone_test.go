package portalsqlite

import (
	"context"
	"encoding/json"
	"testing"
)

func TestRevokeAndIsRevoked(t *testing.T) {
	store := newFakeStore()
	client := newTestClient(t, store, nil)
	ctx := context.Background()

	revoked, err := client.IsRevoked(ctx, "bob")
	if err != nil {
		t.Fatalf("is revoked: %v", err)
	}
	if revoked {
		t.Fatal("bob should not start revoked")
	}

	if err := client.Revoke(ctx, "Bob"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// Matching is case-insensitive
	revoked, err = client.IsRevoked(ctx, "bob")
	if err != nil {
		t.Fatalf("is revoked: %v", err)
	}
	if !revoked {
		t.Fatal("bob should be revoked")
	}

	// Revoking again is a no-op, not a duplicate
	if err := client.Revoke(ctx, "bob"); err != nil {
		t.Fatalf("re-revoke: %v", err)
	}
	ids, err := client.tombstoneList(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one tombstone, got %v", ids)
	}
}

func TestRevokeRejectsEmptyIdentity(t *testing.T) {
	store := newFakeStore()
	client := newTestClient(t, store, nil)

	if err := client.Revoke(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank identity")
	}
}

func TestReinstate(t *testing.T) {
	store := newFakeStore()
	client := newTestClient(t, store, nil)
	ctx := context.Background()

	if err := client.Revoke(ctx, "bob"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := client.Reinstate(ctx, "BOB"); err != nil {
		t.Fatalf("reinstate: %v", err)
	}

	revoked, err := client.IsRevoked(ctx, "bob")
	if err != nil {
		t.Fatalf("is revoked: %v", err)
	}
	if revoked {
		t.Fatal("bob should be reinstated")
	}

	// Reinstating an unknown identity is a no-op
	if err := client.Reinstate(ctx, "nobody"); err != nil {
		t.Fatalf("reinstate unknown: %v", err)
	}
}

func TestRevokedUserRemovedOnNextPull(t *testing.T) {
	store := newFakeStore()
	store.put(ColUsers, `[{"user":"bob"},{"user":"carol"}]`)

	client := newTestClient(t, store, nil)
	ctx := context.Background()

	if err := client.Revoke(ctx, "bob"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := client.Pull(ctx, nil, false); err != nil {
		t.Fatalf("pull: %v", err)
	}

	users, _ := client.Replica().Get(ctx, ColUsers)
	var list []map[string]any
	if err := json.Unmarshal(users, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0]["user"] != "carol" {
		t.Fatalf("expected local revocation to remove bob from pulled users, got %s", users)
	}
}
