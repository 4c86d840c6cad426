package portalsqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jacopersonal1-sys/1st-line-training-portal-sub000/portalsync"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// fakeStore emulates the remote document store in memory, tracking which
// endpoints were hit so tests can assert on transfer behavior.
type fakeStore struct {
	docs    map[string]portalsync.Document
	clock   time.Time
	command string // Delivered once on the next heartbeat

	metaCalls    int
	contentCalls int
	upsertCalls  int
	lastKeys     []string
	failAll      bool
	heartbeats   []portalsync.HeartbeatRequest
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:  make(map[string]portalsync.Document),
		clock: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

// put seeds a document server-side, advancing the store clock
func (s *fakeStore) put(key, content string) {
	s.clock = s.clock.Add(time.Second)
	s.docs[key] = portalsync.Document{
		Key:       key,
		Content:   json.RawMessage(content),
		UpdatedAt: s.clock,
	}
}

func (s *fakeStore) roundTrip(r *http.Request) (*http.Response, error) {
	if s.failAll {
		return nil, io.ErrUnexpectedEOF
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/sync/metadata":
		s.metaCalls++
		resp := portalsync.MetadataResponse{}
		for _, doc := range s.docs {
			resp.Documents = append(resp.Documents, portalsync.DocumentMeta{Key: doc.Key, UpdatedAt: doc.UpdatedAt})
		}
		return jsonResponse(resp)

	case r.Method == http.MethodGet && r.URL.Path == "/sync/documents":
		s.contentCalls++
		keys := strings.Split(r.URL.Query().Get("keys"), ",")
		s.lastKeys = keys
		resp := portalsync.DocumentsResponse{}
		for _, key := range keys {
			if doc, ok := s.docs[key]; ok {
				resp.Documents = append(resp.Documents, doc)
			}
		}
		return jsonResponse(resp)

	case r.Method == http.MethodPost && r.URL.Path == "/sync/documents":
		s.upsertCalls++
		var req portalsync.UpsertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, err
		}
		s.put(req.Key, string(req.Content))
		return jsonResponse(portalsync.UpsertResponse{Key: req.Key, UpdatedAt: s.docs[req.Key].UpdatedAt})

	case r.Method == http.MethodPost && r.URL.Path == "/presence/heartbeat":
		var req portalsync.HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, err
		}
		s.heartbeats = append(s.heartbeats, req)
		cmd := s.command
		s.command = "" // Cleared before delivery, never redelivered
		return jsonResponse(portalsync.HeartbeatResponse{Command: cmd})
	}

	return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(bytes.NewReader(nil))}, nil
}

func jsonResponse(body any) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(encoded)),
	}, nil
}

func newTestClient(t *testing.T, store *fakeStore, config *Config) *Client {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if config == nil {
		config = DefaultConfig()
	}
	session := NewSession("tester", portalsync.RoleAdmin)
	token := func(ctx context.Context) (string, error) { return "token", nil }
	client, err := NewClient(db, "http://portal.test", session, token, config)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.HTTP = &http.Client{Transport: roundTripFunc(store.roundTrip)}
	return client
}

func TestPullAppliesStaleCollection(t *testing.T) {
	store := newFakeStore()
	store.put(ColUsers, `[{"user":"alice","role":"trainee"}]`)

	client := newTestClient(t, store, nil)
	ctx := context.Background()

	if err := client.Pull(ctx, nil, false); err != nil {
		t.Fatalf("pull: %v", err)
	}

	users, err := client.Replica().Get(ctx, ColUsers)
	if err != nil {
		t.Fatalf("get users: %v", err)
	}
	var list []map[string]any
	if err := json.Unmarshal(users, &list); err != nil {
		t.Fatalf("decode users: %v", err)
	}
	if len(list) != 1 || list[0]["user"] != "alice" {
		t.Fatalf("expected alice pulled into replica, got %s", users)
	}
}

func TestPullSkipsFreshCollections(t *testing.T) {
	store := newFakeStore()
	store.put(ColUsers, `[{"user":"alice"}]`)
	store.put(ColAssessments, `[{"name":"safety basics"}]`)

	client := newTestClient(t, store, nil)
	ctx := context.Background()

	if err := client.Pull(ctx, nil, false); err != nil {
		t.Fatalf("first pull: %v", err)
	}
	contentCallsAfterFirst := store.contentCalls

	// Nothing changed remotely: the second pull must stop at metadata
	if err := client.Pull(ctx, nil, false); err != nil {
		t.Fatalf("second pull: %v", err)
	}
	if store.contentCalls != contentCallsAfterFirst {
		t.Fatalf("expected no content fetch for fresh collections, got %d extra", store.contentCalls-contentCallsAfterFirst)
	}
}

func TestPullFetchesOnlyStaleContent(t *testing.T) {
	store := newFakeStore()
	store.put(ColUsers, `[{"user":"alice"}]`)
	store.put(ColAssessments, `[{"name":"safety basics"}]`)

	client := newTestClient(t, store, nil)
	ctx := context.Background()

	if err := client.Pull(ctx, nil, false); err != nil {
		t.Fatalf("first pull: %v", err)
	}

	// Only users changes remotely
	store.put(ColUsers, `[{"user":"alice"},{"user":"bob"}]`)

	if err := client.Pull(ctx, nil, false); err != nil {
		t.Fatalf("second pull: %v", err)
	}
	for _, key := range store.lastKeys {
		if key == ColAssessments {
			t.Fatalf("assessments was fetched although it is not stale: %v", store.lastKeys)
		}
	}
}

func TestPullMergePreservesLocalEdits(t *testing.T) {
	store := newFakeStore()
	store.put(ColUsers, `[{"user":"alice","role":"trainee"}]`)

	client := newTestClient(t, store, nil)
	ctx := context.Background()

	// Local edit before the pull: local record must win the merge
	if err := client.Replica().Put(ctx, ColUsers, json.RawMessage(`[{"user":"alice","role":"admin"}]`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := client.Pull(ctx, nil, false); err != nil {
		t.Fatalf("pull: %v", err)
	}

	users, _ := client.Replica().Get(ctx, ColUsers)
	var list []map[string]any
	if err := json.Unmarshal(users, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0]["role"] != "admin" {
		t.Fatalf("expected local edit to survive pull, got %s", users)
	}
}

func TestPullAppliesRemoteTombstonesBeforeUsers(t *testing.T) {
	store := newFakeStore()
	store.put(ColUsers, `[{"user":"bob"},{"user":"carol"}]`)
	store.put(ColRevokedUsers, `["bob"]`)

	client := newTestClient(t, store, nil)
	ctx := context.Background()

	if err := client.Pull(ctx, nil, false); err != nil {
		t.Fatalf("pull: %v", err)
	}

	users, _ := client.Replica().Get(ctx, ColUsers)
	var list []map[string]any
	if err := json.Unmarshal(users, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0]["user"] != "carol" {
		t.Fatalf("expected bob removed by tombstone arriving in same pull, got %s", users)
	}
}

func TestPullEmptyStoreRunsMigration(t *testing.T) {
	store := newFakeStore()
	client := newTestClient(t, store, nil)
	ctx := context.Background()

	if err := client.Pull(ctx, nil, false); err != nil {
		t.Fatalf("pull: %v", err)
	}

	declared := len(DefaultSchema().Names())
	if store.upsertCalls != declared {
		t.Fatalf("expected %d bootstrap upserts, got %d", declared, store.upsertCalls)
	}
	if store.contentCalls != 0 {
		t.Fatalf("migration must not fetch content, got %d fetches", store.contentCalls)
	}

	// The bootstrap established per-collection documents; a fresh pull now
	// transfers nothing.
	if err := client.Pull(ctx, nil, false); err != nil {
		t.Fatalf("post-migration pull: %v", err)
	}
	if store.contentCalls != 0 {
		t.Fatalf("expected no content fetch after migration, got %d", store.contentCalls)
	}
}

func TestPullTransportFailureLeavesReplicaUntouched(t *testing.T) {
	store := newFakeStore()
	store.put(ColUsers, `[{"user":"alice"}]`)

	client := newTestClient(t, store, nil)
	ctx := context.Background()

	if err := client.Replica().Put(ctx, ColUsers, json.RawMessage(`[{"user":"local"}]`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	store.failAll = true
	if err := client.Pull(ctx, nil, true); err == nil {
		t.Fatal("expected transport error")
	}

	users, _ := client.Replica().Get(ctx, ColUsers)
	if string(users) != `[{"user":"local"}]` {
		t.Fatalf("replica changed on transport failure: %s", users)
	}
}

func TestPushForceSkipsRemoteRead(t *testing.T) {
	store := newFakeStore()
	store.put(ColUsers, `[{"user":"bob"}]`)

	client := newTestClient(t, store, nil)
	ctx := context.Background()

	if err := client.Replica().Put(ctx, ColUsers, json.RawMessage(`[{"user":"alice"}]`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := client.Push(ctx, []string{ColUsers}, true); err != nil {
		t.Fatalf("force push: %v", err)
	}

	if store.contentCalls != 0 {
		t.Fatalf("force push must not read remote state, got %d reads", store.contentCalls)
	}
	if string(store.docs[ColUsers].Content) != `[{"user":"alice"}]` {
		t.Fatalf("force push must overwrite remote as-is, got %s", store.docs[ColUsers].Content)
	}
}

func TestPushMergesRemoteChangesFirst(t *testing.T) {
	store := newFakeStore()
	store.put(ColUsers, `[{"user":"bob"}]`)

	client := newTestClient(t, store, nil)
	ctx := context.Background()

	if err := client.Replica().Put(ctx, ColUsers, json.RawMessage(`[{"user":"alice"}]`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := client.Push(ctx, []string{ColUsers}, false); err != nil {
		t.Fatalf("push: %v", err)
	}

	var list []map[string]any
	if err := json.Unmarshal(store.docs[ColUsers].Content, &list); err != nil {
		t.Fatalf("decode remote: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected concurrent remote record folded in, got %s", store.docs[ColUsers].Content)
	}
}

func TestPushRecordsTimestampSoNextPullSkips(t *testing.T) {
	store := newFakeStore()
	store.put(ColUsers, `[]`)

	client := newTestClient(t, store, nil)
	ctx := context.Background()

	if err := client.Replica().Put(ctx, ColUsers, json.RawMessage(`[{"user":"alice"}]`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := client.Push(ctx, []string{ColUsers}, false); err != nil {
		t.Fatalf("push: %v", err)
	}

	contentCallsAfterPush := store.contentCalls
	if err := client.Pull(ctx, []string{ColUsers}, false); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if store.contentCalls != contentCallsAfterPush {
		t.Fatalf("pull fetched content for a just-pushed collection")
	}
}

func TestPushSequentialAbortGivesPartialSuccess(t *testing.T) {
	store := newFakeStore()
	store.put(ColUsers, `[]`)

	client := newTestClient(t, store, nil)
	ctx := context.Background()

	if err := client.Replica().Put(ctx, ColUsers, json.RawMessage(`[{"user":"alice"}]`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	// First collection succeeds, then the transport dies: the pushed
	// collection stays pushed, the rest is aborted with an error.
	failAfter := 2 // metadata-free push: GET + POST for users
	calls := 0
	client.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		if calls > failAfter {
			return nil, io.ErrUnexpectedEOF
		}
		return store.roundTrip(r)
	})}

	err := client.Push(ctx, []string{ColUsers, ColAssessments}, false)
	if err == nil {
		t.Fatal("expected push error")
	}
	var list []map[string]any
	if err := json.Unmarshal(store.docs[ColUsers].Content, &list); err != nil || len(list) != 1 {
		t.Fatalf("expected users to stay pushed after later failure, got %s", store.docs[ColUsers].Content)
	}
}

func TestIsStale(t *testing.T) {
	store := newFakeStore()
	store.put(ColAssessments, `[{"name":"safety basics"}]`)

	client := newTestClient(t, store, nil)
	ctx := context.Background()

	stale, err := client.IsStale(ctx, ColAssessments)
	if err != nil {
		t.Fatalf("is stale: %v", err)
	}
	if !stale {
		t.Fatal("never-synced collection should be stale")
	}

	if err := client.Pull(ctx, nil, false); err != nil {
		t.Fatalf("pull: %v", err)
	}
	stale, err = client.IsStale(ctx, ColAssessments)
	if err != nil {
		t.Fatalf("is stale: %v", err)
	}
	if stale {
		t.Fatal("freshly pulled collection should not be stale")
	}
}

func TestPullStatusTransitions(t *testing.T) {
	store := newFakeStore()
	store.put(ColUsers, `[]`)

	var statuses []SyncStatus
	config := DefaultConfig()
	config.OnStatus = func(s SyncStatus) { statuses = append(statuses, s) }

	client := newTestClient(t, store, config)
	ctx := context.Background()

	if err := client.Pull(ctx, nil, false); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(statuses) != 2 || statuses[0] != StatusSyncing || statuses[1] != StatusSuccess {
		t.Fatalf("expected [syncing success], got %v", statuses)
	}

	statuses = nil
	store.failAll = true
	if err := client.Pull(ctx, nil, false); err == nil {
		t.Fatal("expected error")
	}
	if len(statuses) != 2 || statuses[1] != StatusError {
		t.Fatalf("expected [syncing error], got %v", statuses)
	}
}

func TestSilentPullRefreshGuard(t *testing.T) {
	store := newFakeStore()
	store.put(ColUsers, `[{"user":"alice"}]`)

	refreshed := 0
	config := DefaultConfig()
	config.RefreshQuietWindow = 0 // Any idle time qualifies
	config.OnRefresh = func() { refreshed++ }

	client := newTestClient(t, store, config)
	ctx := context.Background()

	// An in-progress edit suppresses the refresh
	client.Session.BeginEdit()
	if err := client.Pull(ctx, nil, true); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if refreshed != 0 {
		t.Fatal("refresh must be suppressed while editing")
	}
	client.Session.EndEdit()

	store.put(ColUsers, `[{"user":"alice"},{"user":"bob"}]`)
	if err := client.Pull(ctx, nil, true); err != nil {
		t.Fatalf("second pull: %v", err)
	}
	if refreshed != 1 {
		t.Fatalf("expected one refresh after edit ended, got %d", refreshed)
	}
}
