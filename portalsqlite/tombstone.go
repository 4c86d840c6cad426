// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package portalsqlite

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tombstone registry operations. Revocations live in a dedicated collection
// synchronized like any other; the merge engine consumes it to keep deleted
// users from being resurrected by a stale remote copy.

// Revoke records an identity as deleted. The marker is monotonic under
// merge: the tombstone collection is always unioned, so a revocation made
// here survives any future pull. Callers typically follow up with a forced
// push of the users and tombstone collections.
func (c *Client) Revoke(ctx context.Context, identity string) error {
	norm := normalizeIdentity(identity)
	if norm == "" {
		return fmt.Errorf("identity must not be empty")
	}

	ids, err := c.tombstoneList(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if normalizeIdentity(id) == norm {
			return nil // Already revoked
		}
	}
	ids = append(ids, identity)
	if err := c.putTombstoneList(ctx, ids); err != nil {
		return err
	}
	c.logger.Info("Revoked identity", "identity", identity, "by", c.Session.Identity)
	return nil
}

// Reinstate removes an identity from the registry, e.g. for a re-onboarded
// trainee. This is a deliberate administrative action distinct from merge
// flow, and is logged as such.
func (c *Client) Reinstate(ctx context.Context, identity string) error {
	norm := normalizeIdentity(identity)
	ids, err := c.tombstoneList(ctx)
	if err != nil {
		return err
	}
	kept := ids[:0]
	removed := false
	for _, id := range ids {
		if normalizeIdentity(id) == norm {
			removed = true
			continue
		}
		kept = append(kept, id)
	}
	if !removed {
		return nil
	}
	if err := c.putTombstoneList(ctx, kept); err != nil {
		return err
	}
	c.logger.Info("Reinstated identity", "identity", identity, "by", c.Session.Identity)
	return nil
}

// IsRevoked reports whether an identity is currently revoked
func (c *Client) IsRevoked(ctx context.Context, identity string) (bool, error) {
	norm := normalizeIdentity(identity)
	ids, err := c.tombstoneList(ctx)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if normalizeIdentity(id) == norm {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) tombstoneList(ctx context.Context) ([]string, error) {
	raw, err := c.replica.Get(ctx, c.config.Collections.TombstoneCollection())
	if err != nil {
		return nil, err
	}
	return decodeTombstoneList(raw)
}

func (c *Client) putTombstoneList(ctx context.Context, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode tombstones: %w", err)
	}
	return c.replica.Put(ctx, c.config.Collections.TombstoneCollection(), encoded)
}
