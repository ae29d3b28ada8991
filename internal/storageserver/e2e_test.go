package storageserver

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/restmachine/weavesync/sync15"
	"github.com/restmachine/weavesync/sync15/telemetry"
)

// memStore is a toy history store for driving the full engine against this
// server.
type memStore struct {
	assoc    sync15.StoreSyncAssociation
	lastSync sync15.ServerTimestamp
	items    map[sync15.Guid]string
	dirty    map[sync15.Guid]bool
	deleted  map[sync15.Guid]bool
}

type historyRecord struct {
	ID    sync15.Guid `json:"id"`
	Title string      `json:"title"`
}

func newMemStore() *memStore {
	return &memStore{
		items:   map[sync15.Guid]string{},
		dirty:   map[sync15.Guid]bool{},
		deleted: map[sync15.Guid]bool{},
	}
}

func (s *memStore) add(id sync15.Guid, title string) {
	s.items[id] = title
	s.dirty[id] = true
}

func (s *memStore) remove(id sync15.Guid) {
	delete(s.items, id)
	s.deleted[id] = true
	s.dirty[id] = true
}

func (s *memStore) CollectionName() string { return "history" }

func (s *memStore) ApplyIncoming(inbound []sync15.IncomingChangeset, telem *telemetry.Engine) (sync15.OutgoingChangeset, error) {
	for _, changeset := range inbound {
		for _, change := range changeset.Changes {
			id := change.Payload.ID
			if s.dirty[id] {
				continue
			}
			if change.Payload.IsTombstone() {
				delete(s.items, id)
				continue
			}
			var rec historyRecord
			if err := change.Payload.IntoRecord(&rec); err != nil {
				return sync15.OutgoingChangeset{}, err
			}
			s.items[id] = rec.Title
		}
	}

	out := sync15.NewOutgoingChangeset(s.CollectionName(), 0)
	for id := range s.dirty {
		if s.deleted[id] {
			out.Changes = append(out.Changes, sync15.NewTombstone(id))
			continue
		}
		p, err := sync15.PayloadFromRecord(historyRecord{ID: id, Title: s.items[id]})
		if err != nil {
			return sync15.OutgoingChangeset{}, err
		}
		out.Changes = append(out.Changes, p)
	}
	return out, nil
}

func (s *memStore) SyncFinished(newTimestamp sync15.ServerTimestamp, recordsSynced []sync15.Guid) error {
	for _, id := range recordsSynced {
		delete(s.dirty, id)
		delete(s.deleted, id)
	}
	s.lastSync = newTimestamp
	return nil
}

func (s *memStore) GetCollectionRequests(serverTimestamp sync15.ServerTimestamp) ([]sync15.CollectionRequest, error) {
	req := sync15.NewCollectionRequest(s.CollectionName()).WithFull().NewerThan(s.lastSync)
	return []sync15.CollectionRequest{req}, nil
}

func (s *memStore) GetSyncAssoc() (sync15.StoreSyncAssociation, error) { return s.assoc, nil }

func (s *memStore) Reset(assoc sync15.StoreSyncAssociation) error {
	s.assoc = assoc
	s.lastSync = 0
	for id := range s.items {
		s.dirty[id] = true
	}
	return nil
}

func (s *memStore) Wipe() error {
	s.items = map[sync15.Guid]string{}
	s.dirty = map[sync15.Guid]bool{}
	s.deleted = map[sync15.Guid]bool{}
	s.lastSync = 0
	return nil
}

type syncEnv struct {
	store     *memStore
	persisted string
	memCached *sync15.MemoryCachedState
}

func newSyncEnv() *syncEnv {
	return &syncEnv{store: newMemStore(), memCached: &sync15.MemoryCachedState{}}
}

func (e *syncEnv) sync(t *testing.T, srv *httptest.Server, rootKey *sync15.KeyBundle) sync15.SyncResult {
	t.Helper()
	result := sync15.SyncMultiple(context.Background(),
		[]sync15.Store{e.store},
		&e.persisted,
		e.memCached,
		sync15.StorageClientInit{
			TokenserverURL: srv.URL + "/token",
			AccessToken:    "shared-account-token",
			HTTPClient:     srv.Client(),
		},
		rootKey,
		sync15.SyncRequestInfo{},
		zap.NewNop(),
	)
	require.NoError(t, result.Err)
	require.Equal(t, sync15.StatusOK, result.ServiceStatus)
	require.NoError(t, result.EngineResults["history"])
	return result
}

func TestEndToEndTwoClients(t *testing.T) {
	srv := testServer(t, Config{})
	rootKey, err := sync15.NewRandomKeyBundle()
	require.NoError(t, err)

	alpha := newSyncEnv()
	beta := newSyncEnv()

	// First device uploads a record; storage gets set up from scratch.
	alpha.store.add("recordAAAA", "example.com")
	alpha.sync(t, srv, rootKey)
	assert.Empty(t, alpha.store.dirty)
	assert.Greater(t, alpha.store.lastSync.Millis(), int64(0))
	assert.NotEmpty(t, alpha.persisted)

	// Second device with the same account and key picks it up.
	beta.sync(t, srv, rootKey)
	assert.Equal(t, "example.com", beta.store.items["recordAAAA"])

	// Edits flow both ways.
	beta.store.add("recordBBBB", "other.example")
	beta.sync(t, srv, rootKey)
	alpha.sync(t, srv, rootKey)
	assert.Equal(t, "other.example", alpha.store.items["recordBBBB"])

	// A deletion propagates as a tombstone.
	beta.store.remove("recordAAAA")
	beta.sync(t, srv, rootKey)
	alpha.sync(t, srv, rootKey)
	assert.NotContains(t, alpha.store.items, "recordAAAA")
	assert.Equal(t, "other.example", alpha.store.items["recordBBBB"])
}

func TestEndToEndWrongKeyFailsClosed(t *testing.T) {
	srv := testServer(t, Config{})
	rootKey, err := sync15.NewRandomKeyBundle()
	require.NoError(t, err)
	wrongKey, err := sync15.NewRandomKeyBundle()
	require.NoError(t, err)

	alpha := newSyncEnv()
	alpha.store.add("recordAAAA", "example.com")
	alpha.sync(t, srv, rootKey)

	// The wrong key must never decrypt anything, and must not wipe the
	// other device's data either.
	beta := newSyncEnv()
	result := sync15.SyncMultiple(context.Background(),
		[]sync15.Store{beta.store},
		&beta.persisted,
		beta.memCached,
		sync15.StorageClientInit{
			TokenserverURL: srv.URL + "/token",
			AccessToken:    "shared-account-token",
			HTTPClient:     srv.Client(),
		},
		wrongKey,
		sync15.SyncRequestInfo{},
		zap.NewNop(),
	)
	assert.Error(t, result.EngineResults["history"])
	assert.Empty(t, beta.store.items)

	gamma := newSyncEnv()
	gamma.sync(t, srv, rootKey)
	assert.Equal(t, "example.com", gamma.store.items["recordAAAA"])
}

func TestEndToEndReusesCachedState(t *testing.T) {
	srv := testServer(t, Config{})
	rootKey, err := sync15.NewRandomKeyBundle()
	require.NoError(t, err)

	env := newSyncEnv()
	env.store.add("recordAAAA", "example.com")
	env.sync(t, srv, rootKey)

	// Second sync with a warm cache must not re-run setup; a wipe or key
	// rotation would show up as a changed item set.
	env.store.add("recordBBBB", "second.example")
	env.sync(t, srv, rootKey)
	assert.Empty(t, env.store.dirty)

	check := newSyncEnv()
	check.sync(t, srv, rootKey)
	assert.Len(t, check.store.items, 2)
}
