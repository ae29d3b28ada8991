package sync15

import (
	"github.com/restmachine/weavesync/sync15/telemetry"
)

// CollSyncIds pairs the global and per-collection sync IDs a connected
// store is pinned to. Either ID changing on the server means the store's
// data no longer belongs to the server's view and must be reset.
type CollSyncIds struct {
	Global Guid
	Coll   Guid
}

// StoreSyncAssociation says how a store is tied to the server. A nil Ids
// means disconnected: the store has never synced, or was reset.
type StoreSyncAssociation struct {
	Ids *CollSyncIds
}

// Disconnected is the association of a store that has never synced.
func Disconnected() StoreSyncAssociation { return StoreSyncAssociation{} }

// Connected ties a store to the given sync IDs.
func Connected(ids CollSyncIds) StoreSyncAssociation {
	return StoreSyncAssociation{Ids: &ids}
}

// ClientData is handed to stores that care about other devices, currently
// just a device-id to name mapping plus our own id.
type ClientData struct {
	LocalClientID string
	RecentClients map[string]RemoteClient
}

// RemoteClient is the subset of a clients-collection record other engines
// may want.
type RemoteClient struct {
	FxaDeviceID string
	DeviceName  string
	DeviceType  string
}

// Store is implemented per collection by the embedding application. The
// engine drives it through one synchronize() call at a time; stores own
// their local persistence and any locking it needs.
type Store interface {
	CollectionName() string

	// ApplyIncoming reconciles fetched changesets, in the same order as the
	// requests from GetCollectionRequests, and returns what must be
	// uploaded. Local persistent state must not be durably updated yet.
	ApplyIncoming(inbound []IncomingChangeset, telem *telemetry.Engine) (OutgoingChangeset, error)

	// SyncFinished is the single point where the store may durably commit:
	// the upload succeeded at newTimestamp for the given record ids.
	SyncFinished(newTimestamp ServerTimestamp, recordsSynced []Guid) error

	// GetCollectionRequests builds the fetches for this sync. Zero requests
	// is a valid "nothing changed" optimization; when several are returned
	// the last one is canonical for timestamp bookkeeping.
	GetCollectionRequests(serverTimestamp ServerTimestamp) ([]CollectionRequest, error)

	// GetSyncAssoc returns the persisted sync IDs; mismatches against the
	// server cause a Reset with the new ones.
	GetSyncAssoc() (StoreSyncAssociation, error)

	// Reset drops sync bookkeeping, not user data, ready for a first sync
	// under the given association.
	Reset(assoc StoreSyncAssociation) error

	// Wipe deletes all local data.
	Wipe() error
}

// ClientDataStore is an optional extension for stores that want the device
// list before syncing, the way the tabs engine does.
type ClientDataStore interface {
	Store
	PrepareForSync(clientData ClientData) error
}
