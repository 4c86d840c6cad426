// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package portalsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/jacopersonal1-sys/1st-line-training-portal-sub000/portalsync"
)

// Pull refreshes the local replica from the remote store.
//
//  1. Fetch metadata (key + updated_at) for every document in one request.
//  2. Collect collections whose remote timestamp is newer than the local
//     sync marker (or that never synced). No content moves for the rest.
//  3. Fetch content for the stale set only, merge each collection against
//     the current local content, write the result and record the fetched
//     updated_at.
//
// collections narrows the pull to a subset (nil means all declared). When
// silent is true a UI refresh fires only if the interference guard allows
// it. On transport failure the replica is left untouched; the error status
// surfaces and the next scheduled tick retries.
func (c *Client) Pull(ctx context.Context, collections []string, silent bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setStatus(StatusSyncing)

	metas, err := c.fetchMetadata(ctx)
	if err != nil {
		c.setStatus(StatusError)
		return fmt.Errorf("failed to fetch remote metadata: %w", err)
	}

	// Fresh deployment or storage-format migration: no documents exist yet.
	// Bootstrap by pushing every local collection as new.
	if len(metas) == 0 {
		if err := c.migrate(ctx); err != nil {
			c.setStatus(StatusError)
			return err
		}
		c.setStatus(StatusSuccess)
		return nil
	}

	requested := c.requestedSet(collections)
	stale, err := c.staleDocuments(ctx, metas, requested)
	if err != nil {
		c.setStatus(StatusError)
		return err
	}
	if len(stale) == 0 {
		c.setStatus(StatusSuccess)
		return nil
	}

	keys := make([]string, 0, len(stale))
	for _, meta := range stale {
		keys = append(keys, meta.Key)
	}
	docs, err := c.fetchDocuments(ctx, keys)
	if err != nil {
		c.setStatus(StatusError)
		return fmt.Errorf("failed to fetch stale documents: %w", err)
	}

	// The tombstone collection merges first so revocations arriving in this
	// very pull already apply to the users merge below.
	tombName := c.config.Collections.TombstoneCollection()
	ordered := make([]portalsync.Document, 0, len(docs))
	for _, doc := range docs {
		if doc.Key == tombName {
			ordered = append(ordered, doc)
		}
	}
	for _, doc := range docs {
		if doc.Key != tombName {
			ordered = append(ordered, doc)
		}
	}

	for _, doc := range ordered {
		if err := c.applyDocument(ctx, doc); err != nil {
			c.setStatus(StatusError)
			return err
		}
	}

	if silent && c.config.OnRefresh != nil && c.Session.allowRefresh(c.config.RefreshQuietWindow) {
		c.config.OnRefresh()
	}

	c.setStatus(StatusSuccess)
	return nil
}

// applyDocument merges one fetched document into the replica and records
// its timestamp
func (c *Client) applyDocument(ctx context.Context, doc portalsync.Document) error {
	local, err := c.replica.Get(ctx, doc.Key)
	if err != nil {
		return err
	}
	revoked, err := c.revokedSet(ctx, doc.Key)
	if err != nil {
		return err
	}
	merged, err := c.merger.MergeCollection(doc.Key, doc.Content, local, revoked)
	if err != nil {
		return fmt.Errorf("failed to merge collection %s: %w", doc.Key, err)
	}
	if err := c.replica.Put(ctx, doc.Key, merged); err != nil {
		return err
	}
	if err := c.replica.SetLastSyncedAt(ctx, doc.Key, doc.UpdatedAt); err != nil {
		return err
	}
	c.logger.Debug("Applied remote document", "collection", doc.Key, "updated_at", doc.UpdatedAt)
	return nil
}

// revokedSet returns the normalized revoked identities to apply while
// merging one collection. When the collection being merged is the tombstone
// registry itself the set is irrelevant (union rule applies). Pull merges
// the tombstone registry before any other stale document, so a revocation
// arriving in the same snapshot is already in the replica by the time it is
// read here.
func (c *Client) revokedSet(ctx context.Context, mergingKey string) (map[string]bool, error) {
	tombName := c.config.Collections.TombstoneCollection()
	if mergingKey == tombName {
		return nil, nil
	}
	local, err := c.replica.Get(ctx, tombName)
	if err != nil {
		return nil, err
	}
	return decodeRevokedSet(local)
}

// staleDocuments filters remote metadata down to the documents whose remote
// timestamp is ahead of the local sync marker. Remote keys outside the
// schema registry are ignored entirely.
func (c *Client) staleDocuments(ctx context.Context, metas []portalsync.DocumentMeta, requested map[string]bool) ([]portalsync.DocumentMeta, error) {
	var stale []portalsync.DocumentMeta
	for _, meta := range metas {
		if _, declared := c.config.Collections.Spec(meta.Key); !declared {
			continue
		}
		if requested != nil && !requested[meta.Key] {
			continue
		}
		last, ok, err := c.replica.LastSyncedAt(ctx, meta.Key)
		if err != nil {
			return nil, err
		}
		if !ok || meta.UpdatedAt.After(last) {
			stale = append(stale, meta)
		}
	}
	return stale, nil
}

func (c *Client) requestedSet(collections []string) map[string]bool {
	if collections == nil {
		return nil
	}
	set := make(map[string]bool, len(collections))
	for _, name := range collections {
		set[name] = true
	}
	return set
}

// IsStale reports whether the remote copy of one collection is newer than
// the local sync marker. Diagnostic hook; performs a metadata request.
func (c *Client) IsStale(ctx context.Context, name string) (bool, error) {
	if _, ok := c.config.Collections.Spec(name); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	metas, err := c.fetchMetadata(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to fetch remote metadata: %w", err)
	}
	for _, meta := range metas {
		if meta.Key != name {
			continue
		}
		last, ok, err := c.replica.LastSyncedAt(ctx, name)
		if err != nil {
			return false, err
		}
		return !ok || meta.UpdatedAt.After(last), nil
	}
	return false, nil
}

// Push persists local collections to the remote store.
//
// Collections are written sequentially, never in parallel, so two documents
// from one call cannot interleave into a half-applied state. For each one:
// unless force is set, the current remote document is fetched and merged
// against local content first, so a concurrent remote change is folded in
// rather than silently discarded. With force the fetch-and-merge is skipped
// and local content overwrites the remote document as-is (rare, authoritative
// admin actions). A failed collection aborts the call; collections already
// pushed in the same batch stay pushed.
func (c *Client) Push(ctx context.Context, collections []string, force bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setStatus(StatusSyncing)

	names := collections
	if names == nil {
		names = c.config.Collections.Names()
	}

	for _, name := range names {
		if err := c.pushCollection(ctx, name, force); err != nil {
			c.setStatus(StatusError)
			return fmt.Errorf("failed to push collection %s: %w", name, err)
		}
	}

	c.setStatus(StatusSuccess)
	return nil
}

func (c *Client) pushCollection(ctx context.Context, name string, force bool) error {
	value, err := c.replica.Get(ctx, name)
	if err != nil {
		return err
	}

	if !force {
		docs, err := c.fetchDocuments(ctx, []string{name})
		if err != nil {
			return fmt.Errorf("pre-push fetch failed: %w", err)
		}
		if len(docs) == 1 {
			revoked, err := c.revokedSet(ctx, name)
			if err != nil {
				return err
			}
			merged, err := c.merger.MergeCollection(name, docs[0].Content, value, revoked)
			if err != nil {
				return fmt.Errorf("pre-push merge failed: %w", err)
			}
			// Keep the replica aligned with what is about to be written
			if err := c.replica.Put(ctx, name, merged); err != nil {
				return err
			}
			value = merged
		}
	}

	resp, err := c.upsertDocument(ctx, name, value)
	if err != nil {
		return err
	}
	return c.replica.SetLastSyncedAt(ctx, name, resp.UpdatedAt)
}

// migrate is the one-time bootstrap for an empty remote store: every local
// collection is pushed as a new document. Failure aborts this attempt and
// the next pull retries from scratch.
func (c *Client) migrate(ctx context.Context) error {
	if atomic.LoadInt32(&c.migrated) == 1 {
		return nil
	}
	c.logger.Info("Remote store is empty, bootstrapping documents", "identity", c.Session.Identity)
	for _, name := range c.config.Collections.Names() {
		content, err := c.replica.Get(ctx, name)
		if err != nil {
			return err
		}
		resp, err := c.upsertDocument(ctx, name, content)
		if err != nil {
			return fmt.Errorf("bootstrap push of %s failed: %w", name, err)
		}
		if err := c.replica.SetLastSyncedAt(ctx, name, resp.UpdatedAt); err != nil {
			return err
		}
	}
	atomic.StoreInt32(&c.migrated, 1)
	return nil
}

// --- transport ---

func (c *Client) fetchMetadata(ctx context.Context) ([]portalsync.DocumentMeta, error) {
	var resp portalsync.MetadataResponse
	if err := c.doJSON(ctx, http.MethodGet, "/sync/metadata", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

func (c *Client) fetchDocuments(ctx context.Context, keys []string) ([]portalsync.Document, error) {
	path := "/sync/documents?keys=" + url.QueryEscape(strings.Join(keys, ","))
	var resp portalsync.DocumentsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

func (c *Client) upsertDocument(ctx context.Context, key string, content json.RawMessage) (*portalsync.UpsertResponse, error) {
	req := portalsync.UpsertRequest{Key: key, Content: content}
	var resp portalsync.UpsertResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync/documents", &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// doJSON sends one authenticated JSON request and decodes the response
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
