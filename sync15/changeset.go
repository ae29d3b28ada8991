package sync15

import (
	"context"
	"net/http"
)

// IncomingChange is one fetched record with its server modification time.
type IncomingChange struct {
	Payload   Payload
	Timestamp ServerTimestamp
}

// IncomingChangeset is the decrypted result of one collection fetch;
// Timestamp is the collection's last-modified at fetch time.
type IncomingChangeset struct {
	Collection string
	Timestamp  ServerTimestamp
	Changes    []IncomingChange
}

// NewIncomingChangeset returns an empty changeset for a collection.
func NewIncomingChangeset(collection string, timestamp ServerTimestamp) IncomingChangeset {
	return IncomingChangeset{Collection: collection, Timestamp: timestamp}
}

// OutgoingChangeset is what a store wants uploaded; Timestamp becomes the
// X-If-Unmodified-Since guard.
type OutgoingChangeset struct {
	Collection string
	Timestamp  ServerTimestamp
	Changes    []Payload
}

// NewOutgoingChangeset returns an empty changeset for a collection.
func NewOutgoingChangeset(collection string, timestamp ServerTimestamp) OutgoingChangeset {
	return OutgoingChangeset{Collection: collection, Timestamp: timestamp}
}

// EncryptOutgoing seals every change with the collection key.
func EncryptOutgoing(o OutgoingChangeset, key *KeyBundle) ([]EncryptedBso, error) {
	out := make([]EncryptedBso, 0, len(o.Changes))
	for _, change := range o.Changes {
		encrypted, err := CleartextBsoFromPayload(change, o.Collection).Encrypt(key)
		if err != nil {
			return nil, err
		}
		out = append(out, encrypted)
	}
	return out, nil
}

// FetchIncoming runs one collection fetch and decrypts every record. The
// state's last-modified advances to the fetch timestamp before decryption,
// so an HMAC failure deliberately propagates up and restarts the global
// state machine, which re-reads crypto/keys.
func FetchIncoming(ctx context.Context, client *StorageClient, state *CollState, req CollectionRequest) (IncomingChangeset, error) {
	records, timestamp, err := client.GetEncryptedRecords(ctx, req)
	if err != nil {
		return IncomingChangeset{}, err
	}
	state.LastModified = timestamp
	result := NewIncomingChangeset(req.Collection, timestamp)
	result.Changes = make([]IncomingChange, 0, len(records))
	for _, record := range records {
		decrypted, err := record.Decrypt(state.Key)
		if err != nil {
			return IncomingChangeset{}, err
		}
		result.Changes = append(result.Changes, IncomingChange{
			Payload:   decrypted.Payload,
			Timestamp: decrypted.Modified,
		})
	}
	return result, nil
}

// CollectionUpdate is a prepared upload of encrypted records guarded by
// X-If-Unmodified-Since.
type CollectionUpdate struct {
	client      *StorageClient
	state       *CollState
	collection  string
	xius        ServerTimestamp
	toUpdate    []EncryptedBso
	fullyAtomic bool
}

// NewCollectionUpdate wraps already-encrypted records for upload.
func NewCollectionUpdate(client *StorageClient, state *CollState, collection string, xius ServerTimestamp, records []EncryptedBso, fullyAtomic bool) *CollectionUpdate {
	return &CollectionUpdate{
		client:      client,
		state:       state,
		collection:  collection,
		xius:        xius,
		toUpdate:    records,
		fullyAtomic: fullyAtomic,
	}
}

// NewCollectionUpdateFromChangeset encrypts an outgoing changeset. When the
// changeset's timestamp already trails the collection's last-modified the
// server would reject the whole upload, so the 412 is synthesized here
// without a round trip.
func NewCollectionUpdateFromChangeset(client *StorageClient, state *CollState, changeset OutgoingChangeset, fullyAtomic bool) (*CollectionUpdate, error) {
	if changeset.Timestamp < state.LastModified {
		return nil, &StorageHTTPError{
			Status: http.StatusPreconditionFailed,
			Route:  changeset.Collection,
		}
	}
	records, err := EncryptOutgoing(changeset, state.Key)
	if err != nil {
		return nil, err
	}
	return NewCollectionUpdate(client, state, changeset.Collection, changeset.Timestamp, records, fullyAtomic), nil
}

// Upload posts every record through a batching queue and commits. In
// fully-atomic mode a record too large to upload fails the whole update;
// otherwise oversized and rejected records end up in FailedIDs.
func (u *CollectionUpdate) Upload(ctx context.Context) (UploadInfo, error) {
	handler := NewNormalResponseHandler(!u.fullyAtomic)
	q := u.client.NewPostQueueFor(u.collection, u.state.Config, u.xius, handler)
	for _, record := range u.toUpdate {
		enqueued, err := q.Enqueue(ctx, record)
		if err != nil {
			return UploadInfo{}, err
		}
		if !enqueued && u.fullyAtomic {
			return UploadInfo{}, ErrRecordTooLarge
		}
		if !enqueued {
			handler.FailedIDs = append(handler.FailedIDs, record.ID)
		}
	}
	if err := q.Flush(ctx, true); err != nil {
		return UploadInfo{}, err
	}
	return q.CompletedUploadInfo(), nil
}
