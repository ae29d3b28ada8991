package sync15

import (
	"go.uber.org/zap"
)

// CollState is all that's needed to sync one collection: the server limits,
// the collection's last-modified timestamp and its key bundle. Deriving one
// requires a Ready GlobalState.
type CollState struct {
	Config       InfoConfiguration
	LastModified ServerTimestamp
	Key          *KeyBundle
}

type localCollState int

const (
	collUnknown localCollState = iota
	collDeclined
	collNoSuchCollection
	collSyncIDChanged
	collReady
)

// LocalCollStateMachine reconciles one store against the global state:
// declined engines and unknown collections yield no state, stale sync IDs
// reset the store, and a clean association yields a ready CollState.
type LocalCollStateMachine struct {
	globalState *GlobalState
	rootKey     *KeyBundle
	log         *zap.Logger
}

// GetCollState derives the collection state for a store, or nil when the
// collection should not sync (declined, or absent from meta/global).
func GetCollState(store Store, globalState *GlobalState, rootKey *KeyBundle, log *zap.Logger) (*CollState, error) {
	m := &LocalCollStateMachine{globalState: globalState, rootKey: rootKey, log: log}
	return m.run(store)
}

func (m *LocalCollStateMachine) run(store Store) (*CollState, error) {
	assoc, err := store.GetSyncAssoc()
	if err != nil {
		return nil, &StoreError{Err: err}
	}
	state := collUnknown
	var key *KeyBundle
	var pendingIds CollSyncIds

	// A simple machine; more than 10 transitions means it is looping.
	for count := 0; ; count++ {
		switch state {
		case collReady:
			name := store.CollectionName()
			lastModified := m.globalState.Collections[name]
			return &CollState{
				Config:       m.globalState.Config,
				LastModified: lastModified,
				Key:          key,
			}, nil
		case collDeclined, collNoSuchCollection:
			return nil, nil
		}
		if count > 10 {
			m.log.Warn("collection state machine appears to be looping",
				zap.String("collection", store.CollectionName()))
			return nil, nil
		}

		switch state {
		case collUnknown:
			name := store.CollectionName()
			global := &m.globalState.Global
			if containsString(global.Declined, name) {
				state = collDeclined
				continue
			}
			engineMeta, ok := global.Engines[name]
			if !ok {
				state = collNoSuchCollection
				continue
			}
			serverIds := CollSyncIds{Global: global.SyncID, Coll: engineMeta.SyncID}
			if assoc.Ids != nil && *assoc.Ids == serverIds {
				collKeys, err := CollectionKeysFromEncryptedBso(m.globalState.Keys, m.rootKey)
				if err != nil {
					return nil, err
				}
				key = collKeys.KeyForCollection(name)
				state = collReady
				continue
			}
			pendingIds = serverIds
			state = collSyncIDChanged

		case collSyncIDChanged:
			newAssoc := Connected(pendingIds)
			m.log.Info("resetting store", zap.String("collection", store.CollectionName()))
			if err := store.Reset(newAssoc); err != nil {
				return nil, &StoreError{Err: err}
			}
			assoc = newAssoc
			state = collUnknown
		}
	}
}

func containsString(list []string, s string) bool {
	for _, it := range list {
		if it == s {
			return true
		}
	}
	return false
}
