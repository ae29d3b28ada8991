package sync15

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/restmachine/weavesync/sync15/telemetry"
)

// clientsTTLRefresh is how often we re-upload our own client record even
// when nothing changed, to keep it from expiring.
const clientsTTLRefresh = 7 * 24 * time.Hour

// StorageClientInit is everything needed to build a storage client. A
// change in URL or token between syncs means the account may have changed,
// so all cached state is discarded.
type StorageClientInit struct {
	TokenserverURL string
	AccessToken    string
	HTTPClient     *http.Client
}

func (i StorageClientInit) sameAccount(other StorageClientInit) bool {
	return i.TokenserverURL == other.TokenserverURL && i.AccessToken == other.AccessToken
}

type clientInfo struct {
	init   StorageClientInit
	client *StorageClient
}

func newClientInfo(init StorageClientInit, log *zap.Logger) (*clientInfo, error) {
	tokens, err := NewTokenserverClient(init.HTTPClient, log, init.TokenserverURL, init.AccessToken)
	if err != nil {
		return nil, err
	}
	return &clientInfo{
		init:   init,
		client: NewStorageClient(init.HTTPClient, log, tokens),
	}, nil
}

// MemoryCachedState is state callers keep in memory between syncs to make
// them faster. It holds key-adjacent material, so it must never be
// persisted to disk.
type MemoryCachedState struct {
	lastClientInfo         *clientInfo
	lastGlobalState        *GlobalState
	nextSyncAfter          *time.Time
	nextClientRefreshAfter *time.Time
}

// ClearSensitiveInfo drops cached credentials and global state. Backoff
// bookkeeping survives; there's no reason to think it stopped applying.
func (m *MemoryCachedState) ClearSensitiveInfo() {
	m.lastClientInfo = nil
	m.lastGlobalState = nil
}

// NextSyncAfter returns when the next sync is allowed, nil for now.
func (m *MemoryCachedState) NextSyncAfter() *time.Time { return m.nextSyncAfter }

func (m *MemoryCachedState) shouldRefreshClient(now time.Time) bool {
	return m.nextClientRefreshAfter == nil || now.After(*m.nextClientRefreshAfter)
}

func (m *MemoryCachedState) noteClientRefresh(now time.Time) {
	t := now.Add(clientsTTLRefresh)
	m.nextClientRefreshAfter = &t
}

// SyncRequestInfo carries per-request knobs from the scheduler: engine
// enable/disable toggles, and whether the user asked for this sync (which
// lets us ignore advisory backoff).
type SyncRequestInfo struct {
	EnginesToStateChange map[string]bool
	IsUserAction         bool
}

// SyncMultiple syncs several stores in one session, reusing cached client
// and global state where valid. It never returns an error; everything ends
// up in the SyncResult, including per-engine failures.
func SyncMultiple(ctx context.Context, stores []Store, persistedGlobalState *string, memCached *MemoryCachedState, init StorageClientInit, rootKey *KeyBundle, reqInfo SyncRequestInfo, log *zap.Logger) SyncResult {
	return SyncMultipleWithCommandProcessor(ctx, nil, stores, persistedGlobalState, memCached, init, rootKey, reqInfo, log)
}

// SyncMultipleWithCommandProcessor is SyncMultiple plus a command processor
// that turns on the clients engine.
func SyncMultipleWithCommandProcessor(ctx context.Context, processor CommandProcessor, stores []Store, persistedGlobalState *string, memCached *MemoryCachedState, init StorageClientInit, rootKey *KeyBundle, reqInfo SyncRequestInfo, log *zap.Logger) SyncResult {
	log.Info("syncing stores", zap.Int("count", len(stores)))
	result := SyncResult{
		ServiceStatus: StatusOtherError,
		EngineResults: make(map[string]error, len(stores)),
		Telemetry:     telemetry.NewSyncTelemetryPing(),
	}
	driver := &syncMultipleDriver{
		processor:            processor,
		stores:               stores,
		init:                 init,
		rootKey:              rootKey,
		enginesToStateChange: reqInfo.EnginesToStateChange,
		ignoreSoftBackoff:    reqInfo.IsUserAction,
		result:               &result,
		persistedGlobalState: persistedGlobalState,
		memCached:            memCached,
		log:                  log,
	}
	if err := driver.sync(ctx); err != nil {
		log.Warn("sync failed",
			zap.Error(err),
			zap.Stringer("status", result.ServiceStatus))
		result.Err = err
	}
	now := time.Now()
	var serverBackoff time.Time
	if driver.client != nil {
		serverBackoff = driver.client.BackoffUntil()
	}
	result.setSyncAfter(serverBackoff, now)
	memCached.nextSyncAfter = result.NextSyncAfter
	return result
}

type syncMultipleDriver struct {
	processor            CommandProcessor
	stores               []Store
	init                 StorageClientInit
	rootKey              *KeyBundle
	enginesToStateChange map[string]bool
	ignoreSoftBackoff    bool
	result               *SyncResult
	persistedGlobalState *string
	memCached            *MemoryCachedState
	log                  *zap.Logger

	client       *StorageClient
	sawAuthError bool
}

func (d *syncMultipleDriver) sync(ctx context.Context) error {
	pgs := d.preparePersistedState()

	info, err := d.prepareClientInfo()
	if err != nil {
		return err
	}
	d.client = info.client

	if err := ctx.Err(); err != nil {
		d.result.ServiceStatus = StatusInterrupted
		return nil
	}

	globalState, err := d.runStateMachine(ctx, info, pgs)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		d.result.ServiceStatus = StatusInterrupted
		return nil
	}

	// OK unless an individual engine says otherwise.
	d.result.ServiceStatus = StatusOK

	var clients *ClientsEngine
	if d.processor != nil {
		d.log.Info("synchronizing clients engine")
		engine := NewClientsEngine(d.processor, d.log)
		shouldRefresh := d.memCached.shouldRefreshClient(time.Now())
		if err := engine.Sync(ctx, info.client, globalState, d.rootKey, shouldRefresh); err != nil {
			telemSync := telemetry.NewSyncTelemetry()
			telemEngine := telemetry.NewEngine(clientsCollection)
			telemEngine.RecordFailure(telemetry.Failure{Name: "unexpectederror", Error: err.Error()})
			telemSync.AddEngine(telemEngine)
			d.result.Telemetry.AddSync(telemSync)
			d.result.ServiceStatus = ServiceStatusFromError(err)
			// A clients engine failure is fatal for the session.
			return err
		}
		if err := ctx.Err(); err != nil {
			d.result.ServiceStatus = StatusInterrupted
			return nil
		}
		d.memCached.noteClientRefresh(time.Now())
		clients = engine
	}

	d.log.Info("synchronizing stores")
	telemSync := d.syncStores(ctx, info, globalState, clients)
	d.result.Telemetry.AddSync(telemSync)

	if !d.sawAuthError {
		d.memCached.lastClientInfo = info
		d.memCached.lastGlobalState = globalState
	}
	return nil
}

func (d *syncMultipleDriver) syncStores(ctx context.Context, info *clientInfo, globalState *GlobalState, clients *ClientsEngine) *telemetry.SyncTelemetry {
	telemSync := telemetry.NewSyncTelemetry()
	for _, store := range d.stores {
		name := store.CollectionName()
		if _, waiting := info.client.RequiredWait(d.ignoreSoftBackoff); waiting {
			d.log.Warn("server requested backoff, stopping early")
			d.result.ServiceStatus = StatusBackedOff
			break
		}
		if containsString(globalState.Global.Declined, name) {
			d.log.Info("engine declined, skipping", zap.String("collection", name))
			continue
		}

		telemEngine := telemetry.NewEngine(name)
		err := SynchronizeWithClientsEngine(ctx, info.client, globalState, d.rootKey, clients, store, true, telemEngine, d.log)
		d.result.EngineResults[name] = err
		if err != nil {
			d.log.Warn("engine sync failed", zap.String("collection", name), zap.Error(err))
			status := ServiceStatusFromError(err)
			d.sawAuthError = d.sawAuthError || status == StatusAuthenticationError
			telemEngine.RecordFailure(telemetry.Failure{Name: "unexpectederror", Error: err.Error()})
			// Store-level errors are isolated; anything broader stops the
			// remaining engines too.
			if status != StatusOtherError {
				telemSync.AddEngine(telemEngine)
				d.result.ServiceStatus = status
				break
			}
		}
		telemSync.AddEngine(telemEngine)
		if ctx.Err() != nil {
			break
		}
	}
	return telemSync
}

func (d *syncMultipleDriver) runStateMachine(ctx context.Context, info *clientInfo, pgs *PersistedGlobalState) (*GlobalState, error) {
	lastState := d.memCached.lastGlobalState
	d.memCached.lastGlobalState = nil

	machine := ForFullSync(info.client, d.rootKey, pgs, d.enginesToStateChange, d.log)
	d.log.Info("advancing state machine to ready")
	state, runErr := machine.RunToReady(ctx, lastState)

	// The machine may have updated the persisted declined list even when it
	// failed, so hand the new serialization back either way.
	if d.persistedGlobalState != nil {
		if serialized, err := json.Marshal(pgs); err == nil {
			*d.persistedGlobalState = string(serialized)
		}
	}
	d.result.Declined = append([]string{}, pgs.Declined()...)

	if machine.ChangesNeeded != nil {
		if err := d.wipeOrResetEngines(ctx, *machine.ChangesNeeded, info.client); err != nil {
			return nil, err
		}
	}
	if runErr != nil {
		d.result.ServiceStatus = ServiceStatusFromError(runErr)
		return nil, runErr
	}
	if uid, err := info.client.tokens.HashedUID(ctx); err == nil {
		d.result.Telemetry.SetUID(uid)
	}
	return state, nil
}

func (d *syncMultipleDriver) wipeOrResetEngines(ctx context.Context, changes EngineChangesNeeded, client *StorageClient) error {
	for _, name := range changes.RemoteWipes {
		d.log.Info("engine disabled locally, wiping server data", zap.String("collection", name))
		if err := client.WipeRemoteEngine(ctx, name); err != nil {
			return err
		}
	}
	for _, store := range d.stores {
		if containsString(changes.LocalResets, store.CollectionName()) {
			d.log.Info("resetting engine declined remotely", zap.String("collection", store.CollectionName()))
			if err := store.Reset(Disconnected()); err != nil {
				return &StoreError{Err: err}
			}
		}
	}
	return nil
}

func (d *syncMultipleDriver) prepareClientInfo() (*clientInfo, error) {
	cached := d.memCached.lastClientInfo
	d.memCached.lastClientInfo = nil
	if cached != nil && cached.init.sameAccount(d.init) {
		return cached, nil
	}
	if cached != nil {
		d.log.Info("discarding cached state, account may have changed")
		*d.memCached = MemoryCachedState{}
	} else {
		d.memCached.ClearSensitiveInfo()
	}
	return newClientInfo(d.init, d.log)
}

func (d *syncMultipleDriver) preparePersistedState() *PersistedGlobalState {
	pgs := &PersistedGlobalState{}
	if d.persistedGlobalState != nil && *d.persistedGlobalState != "" {
		if err := json.Unmarshal([]byte(*d.persistedGlobalState), pgs); err != nil {
			// The error may embed the payload, so don't log it.
			d.log.Error("failed to parse persisted state, falling back to default")
			*pgs = PersistedGlobalState{}
		}
	}
	return pgs
}
