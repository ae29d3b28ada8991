package sync15

import (
	"context"

	"go.uber.org/zap"

	"github.com/restmachine/weavesync/sync15/telemetry"
)

// Synchronize runs one full fetch-apply-upload cycle for a store against a
// Ready global state. Local persistent state is only committed via the
// store's SyncFinished, so any earlier failure is safe to retry.
func Synchronize(ctx context.Context, client *StorageClient, globalState *GlobalState, rootKey *KeyBundle, store Store, fullyAtomic bool, telemEngine *telemetry.Engine, log *zap.Logger) error {
	return SynchronizeWithClientsEngine(ctx, client, globalState, rootKey, nil, store, fullyAtomic, telemEngine, log)
}

// SynchronizeWithClientsEngine is Synchronize plus an optional clients
// engine whose device list is offered to stores that want it.
func SynchronizeWithClientsEngine(ctx context.Context, client *StorageClient, globalState *GlobalState, rootKey *KeyBundle, clients *ClientsEngine, store Store, fullyAtomic bool, telemEngine *telemetry.Engine, log *zap.Logger) error {
	collection := store.CollectionName()
	log.Info("syncing collection", zap.String("collection", collection))

	collState, err := GetCollState(store, globalState, rootKey, log)
	if err != nil {
		return err
	}
	if collState == nil {
		// Declined or unknown to meta/global; nothing to do this sync.
		log.Warn("collection not ready to sync", zap.String("collection", collection))
		return nil
	}

	if clients != nil {
		if cds, ok := store.(ClientDataStore); ok {
			if err := cds.PrepareForSync(clients.ClientData()); err != nil {
				return &StoreError{Err: err}
			}
		}
	}

	requests, err := store.GetCollectionRequests(collState.LastModified)
	if err != nil {
		return &StoreError{Err: err}
	}
	var incoming []IncomingChangeset
	if len(requests) == 0 {
		log.Info("skipping incoming fetch", zap.String("collection", collection))
		incoming = []IncomingChangeset{NewIncomingChangeset(collection, collState.LastModified)}
	} else {
		incoming = make([]IncomingChangeset, 0, len(requests))
		for i, req := range requests {
			if err := ctx.Err(); err != nil {
				return err
			}
			changes, err := FetchIncoming(ctx, client, collState, req)
			if err != nil {
				return err
			}
			log.Info("downloaded remote changes",
				zap.String("collection", collection),
				zap.Int("records", len(changes.Changes)),
				zap.Int("request", i+1),
				zap.Int("of", len(requests)))
			incoming = append(incoming, changes)
		}
	}

	newTimestamp := incoming[len(incoming)-1].Timestamp
	outgoing, err := store.ApplyIncoming(incoming, telemEngine)
	if err != nil {
		return &StoreError{Err: err}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	// Bump both timestamps before uploading so a failed upload still
	// replays from the right point.
	outgoing.Timestamp = newTimestamp
	collState.LastModified = newTimestamp

	log.Info("uploading outgoing changes",
		zap.String("collection", collection),
		zap.Int("records", len(outgoing.Changes)))
	update, err := NewCollectionUpdateFromChangeset(client, collState, outgoing, fullyAtomic)
	if err != nil {
		return err
	}
	uploadInfo, err := update.Upload(ctx)
	if err != nil {
		return err
	}
	log.Info("upload finished",
		zap.String("collection", collection),
		zap.Int("succeeded", len(uploadInfo.SuccessfulIDs)),
		zap.Int("failed", len(uploadInfo.FailedIDs)))

	telemEngine.RecordOutgoing(telemetry.EngineOutgoing{
		Sent:   len(uploadInfo.SuccessfulIDs) + len(uploadInfo.FailedIDs),
		Failed: len(uploadInfo.FailedIDs),
	})

	if err := store.SyncFinished(uploadInfo.ModifiedTimestamp, uploadInfo.SuccessfulIDs); err != nil {
		return &StoreError{Err: err}
	}
	return nil
}
