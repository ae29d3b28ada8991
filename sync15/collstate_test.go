package sync15

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/restmachine/weavesync/sync15/telemetry"
)

// testStore is a minimal Store fake recording the engine's calls.
type testStore struct {
	name     string
	assoc    StoreSyncAssociation
	resets   int
	resetErr error

	outgoing    OutgoingChangeset
	applied     []IncomingChangeset
	finishedTs  ServerTimestamp
	finishedIDs []Guid
	requests    []CollectionRequest
}

func (s *testStore) CollectionName() string { return s.name }

func (s *testStore) ApplyIncoming(inbound []IncomingChangeset, telem *telemetry.Engine) (OutgoingChangeset, error) {
	s.applied = append(s.applied, inbound...)
	out := s.outgoing
	out.Collection = s.name
	if len(inbound) > 0 {
		out.Timestamp = inbound[len(inbound)-1].Timestamp
	}
	return out, nil
}

func (s *testStore) SyncFinished(newTimestamp ServerTimestamp, recordsSynced []Guid) error {
	s.finishedTs = newTimestamp
	s.finishedIDs = recordsSynced
	return nil
}

func (s *testStore) GetCollectionRequests(serverTimestamp ServerTimestamp) ([]CollectionRequest, error) {
	if s.requests != nil {
		return s.requests, nil
	}
	return []CollectionRequest{NewCollectionRequest(s.name).WithFull()}, nil
}

func (s *testStore) GetSyncAssoc() (StoreSyncAssociation, error) { return s.assoc, nil }

func (s *testStore) Reset(assoc StoreSyncAssociation) error {
	s.resets++
	if s.resetErr != nil {
		return s.resetErr
	}
	s.assoc = assoc
	return nil
}

func (s *testStore) Wipe() error { return nil }

// readyGlobalState builds a Ready-equivalent global state whose crypto/keys
// record is sealed with rootKey.
func readyGlobalState(t *testing.T, rootKey *KeyBundle) (*GlobalState, *CollectionKeys) {
	t.Helper()
	keys, err := NewRandomCollectionKeys()
	require.NoError(t, err)
	encrypted, err := keys.ToEncryptedBso(rootKey)
	require.NoError(t, err)
	encrypted.Modified = 2000

	pgs := &PersistedGlobalState{}
	return &GlobalState{
		Config:          DefaultInfoConfiguration(),
		Collections:     InfoCollections{"history": 1234, "meta": 3000, "crypto": 2000},
		Global:          newGlobal(pgs),
		GlobalTimestamp: 3000,
		Keys:            encrypted,
	}, keys
}

func TestGetCollStateDeclined(t *testing.T) {
	rootKey := setupTestKey(t)
	gs, _ := readyGlobalState(t, rootKey)
	gs.Global.Declined = []string{"history"}

	store := &testStore{name: "history"}
	state, err := GetCollState(store, gs, rootKey, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Zero(t, store.resets)
}

func TestGetCollStateUnknownCollection(t *testing.T) {
	rootKey := setupTestKey(t)
	gs, _ := readyGlobalState(t, rootKey)

	store := &testStore{name: "not-an-engine"}
	state, err := GetCollState(store, gs, rootKey, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestGetCollStateFirstSyncResets(t *testing.T) {
	rootKey := setupTestKey(t)
	gs, keys := readyGlobalState(t, rootKey)

	store := &testStore{name: "history", assoc: Disconnected()}
	state, err := GetCollState(store, gs, rootKey, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, state)

	assert.Equal(t, 1, store.resets)
	require.NotNil(t, store.assoc.Ids)
	assert.Equal(t, gs.Global.SyncID, store.assoc.Ids.Global)
	assert.Equal(t, gs.Global.Engines["history"].SyncID, store.assoc.Ids.Coll)
	assert.Equal(t, ServerTimestamp(1234), state.LastModified)
	assert.Equal(t, keys.KeyForCollection("history").ToB64Array(), state.Key.ToB64Array())
}

func TestGetCollStateMatchingAssoc(t *testing.T) {
	rootKey := setupTestKey(t)
	gs, _ := readyGlobalState(t, rootKey)

	store := &testStore{name: "history", assoc: Connected(CollSyncIds{
		Global: gs.Global.SyncID,
		Coll:   gs.Global.Engines["history"].SyncID,
	})}
	state, err := GetCollState(store, gs, rootKey, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Zero(t, store.resets)
}

func TestGetCollStateSyncIDChanged(t *testing.T) {
	rootKey := setupTestKey(t)
	gs, _ := readyGlobalState(t, rootKey)

	store := &testStore{name: "history", assoc: Connected(CollSyncIds{
		Global: gs.Global.SyncID,
		Coll:   NewGuid(),
	})}
	_, err := GetCollState(store, gs, rootKey, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, store.resets)
}

func TestGetCollStateResetError(t *testing.T) {
	rootKey := setupTestKey(t)
	gs, _ := readyGlobalState(t, rootKey)

	boom := errors.New("disk full")
	store := &testStore{name: "history", resetErr: boom}
	_, err := GetCollState(store, gs, rootKey, zap.NewNop())
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.ErrorIs(t, err, boom)
}

func TestGetCollStateWrongRootKey(t *testing.T) {
	rootKey := setupTestKey(t)
	gs, _ := readyGlobalState(t, rootKey)

	store := &testStore{name: "history"}
	_, err := GetCollState(store, gs, setupTestKey(t), zap.NewNop())
	assert.ErrorIs(t, err, ErrHmacMismatch)
}
