package sync15

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// storageVersion is the meta/global storage format this client implements.
const storageVersion = 5

// defaultEngines lists name and format version for every engine a fresh
// meta/global should advertise. Engines we don't implement are still listed
// so other clients don't treat them as disabled.
var defaultEngines = []struct {
	name    string
	version int
}{
	{"passwords", 1},
	{"clients", 1},
	{"addons", 1},
	{"addresses", 1},
	{"bookmarks", 2},
	{"creditcards", 1},
	{"forms", 1},
	{"history", 1},
	{"prefs", 2},
	{"tabs", 1},
}

// PersistedGlobalState is the small piece of state the embedding app stores
// for us between syncs: the globally declined engine list. A nil list means
// we have never seen one, which should only happen before the first sync.
// Apps treat the serialized form as opaque.
type PersistedGlobalState struct {
	declined []string
	known    bool
}

type persistedGlobalStateWire struct {
	SchemaVersion string    `json:"schema_version"`
	Declined      *[]string `json:"declined"`
}

func (p PersistedGlobalState) MarshalJSON() ([]byte, error) {
	w := persistedGlobalStateWire{SchemaVersion: "V2"}
	if p.known {
		d := p.declined
		if d == nil {
			d = []string{}
		}
		w.Declined = &d
	}
	return json.Marshal(w)
}

func (p *PersistedGlobalState) UnmarshalJSON(b []byte) error {
	var w persistedGlobalStateWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.SchemaVersion != "V2" {
		return fmt.Errorf("unsupported persisted state version %q", w.SchemaVersion)
	}
	if w.Declined != nil {
		p.declined = *w.Declined
		p.known = true
	} else {
		p.declined = nil
		p.known = false
	}
	return nil
}

// Declined returns the known declined engines, empty when unknown.
func (p *PersistedGlobalState) Declined() []string { return p.declined }

func (p *PersistedGlobalState) setDeclined(declined []string) {
	p.declined = declined
	p.known = true
}

// GlobalState is everything the setup phase produces: server limits,
// collection timestamps, the meta/global record and the still-encrypted
// crypto/keys record. Keys stay encrypted here so the wrong root key is
// caught at decryption time and key material isn't held in memory longer
// than needed.
type GlobalState struct {
	Config          InfoConfiguration
	Collections     InfoCollections
	Global          MetaGlobalRecord
	GlobalTimestamp ServerTimestamp
	Keys            EncryptedBso
}

// EngineChangesNeeded says which engines must reset local sync state and
// which must be wiped on the server, as fallout of declined-list changes.
type EngineChangesNeeded struct {
	LocalResets []string
	RemoteWipes []string
}

type stringSet map[string]struct{}

func newStringSet(items []string) stringSet {
	s := make(stringSet, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func setUnion(a, b stringSet) stringSet {
	out := make(stringSet, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func setDifference(a, b stringSet) stringSet {
	out := stringSet{}
	for k := range a {
		if _, ok := b[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func setIntersection(a, b stringSet) stringSet {
	out := stringSet{}
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

type remoteEngineState struct {
	infoCollections stringSet
	declined        stringSet
}

type engineStateInput struct {
	localDeclined stringSet
	remote        *remoteEngineState
	userChanges   map[string]bool
}

type engineStateOutput struct {
	declined      stringSet
	changesNeeded EngineChangesNeeded
}

// computeEngineStates merges the server's declined list, our persisted one
// and any explicit user toggles into the new declined list, plus the resets
// and wipes that follow from it.
func computeEngineStates(input engineStateInput) engineStateOutput {
	mustEnable := stringSet{}
	mustDisable := stringSet{}
	for name, enabled := range input.userChanges {
		if enabled {
			mustEnable[name] = struct{}{}
		} else {
			mustDisable[name] = struct{}{}
		}
	}

	var infoCollections, remoteDeclined stringSet
	mostRecentDeclined := input.localDeclined
	if input.remote != nil {
		infoCollections = input.remote.infoCollections
		remoteDeclined = input.remote.declined
		mostRecentDeclined = remoteDeclined
	}

	resultDeclined := setDifference(setUnion(mostRecentDeclined, mustDisable), mustEnable)

	return engineStateOutput{
		declined: resultDeclined,
		changesNeeded: EngineChangesNeeded{
			// Newly declined engines reset local state; engines the user
			// just disabled get wiped remotely.
			LocalResets: setDifference(resultDeclined, input.localDeclined).sorted(),
			RemoteWipes: setIntersection(infoCollections, mustDisable).sorted(),
		},
	}
}

// newGlobal creates a fresh meta/global with the default engine list and
// the persisted declined engines.
func newGlobal(pgs *PersistedGlobalState) MetaGlobalRecord {
	engines := make(map[string]MetaGlobalEngine, len(defaultEngines))
	for _, e := range defaultEngines {
		engines[e.name] = MetaGlobalEngine{Version: e.version, SyncID: NewGuid()}
	}
	declined := []string{}
	if pgs.known {
		declined = append(declined, pgs.declined...)
	}
	return MetaGlobalRecord{
		SyncID:         NewGuid(),
		StorageVersion: storageVersion,
		Engines:        engines,
		Declined:       declined,
	}
}

// fixupMetaGlobal reconciles the engines map against the declined list:
// known engines that aren't declined must be present, declined ones must
// not. Reports whether anything changed.
func fixupMetaGlobal(global *MetaGlobalRecord) bool {
	declined := newStringSet(global.Declined)
	changed := false
	if global.Engines == nil {
		global.Engines = map[string]MetaGlobalEngine{}
	}
	for _, e := range defaultEngines {
		_, hadEngine := global.Engines[e.name]
		_, isDeclined := declined[e.name]
		shouldHave := !isDeclined
		if hadEngine == shouldHave {
			continue
		}
		if shouldHave {
			global.Engines[e.name] = MetaGlobalEngine{Version: e.version, SyncID: NewGuid()}
		} else {
			delete(global.Engines, e.name)
		}
		changed = true
	}
	return changed
}

// Setup state labels.
const (
	labelInitial               = "Initial"
	labelInitialWithConfig     = "InitialWithConfig"
	labelInitialWithInfo       = "InitialWithInfo"
	labelInitialWithMetaGlobal = "InitialWithMetaGlobal"
	labelWithPreviousState     = "WithPreviousState"
	labelReady                 = "Ready"
	labelFreshStartRequired    = "FreshStartRequired"
)

// setupState is one state of the setup machine; which fields are populated
// depends on the label.
type setupState struct {
	label           string
	config          InfoConfiguration
	collections     InfoCollections
	global          MetaGlobalRecord
	globalTimestamp ServerTimestamp
	previous        *GlobalState
	ready           *GlobalState
}

// SetupStateMachine walks the server's global records to a Ready
// GlobalState, repairing or re-creating meta/global and crypto/keys along
// the way when the machine is allowed to.
type SetupStateMachine struct {
	client        SetupStorageClient
	rootKey       *KeyBundle
	pgs           *PersistedGlobalState
	log           *zap.Logger
	allowedStates []string
	sequence      []string
	engineUpdates map[string]bool

	// ChangesNeeded is populated once the machine has compared declined
	// lists, and consumed by the sync driver.
	ChangesNeeded *EngineChangesNeeded
}

func newSetupStateMachine(client SetupStorageClient, rootKey *KeyBundle, pgs *PersistedGlobalState, engineUpdates map[string]bool, log *zap.Logger, allowed []string) *SetupStateMachine {
	return &SetupStateMachine{
		client:        client,
		rootKey:       rootKey,
		pgs:           pgs,
		log:           log,
		allowedStates: allowed,
		engineUpdates: engineUpdates,
	}
}

// ForFullSync allows every state, including wiping the server and
// re-uploading fresh global records after a node reassignment.
func ForFullSync(client SetupStorageClient, rootKey *KeyBundle, pgs *PersistedGlobalState, engineUpdates map[string]bool, log *zap.Logger) *SetupStateMachine {
	return newSetupStateMachine(client, rootKey, pgs, engineUpdates, log, []string{
		labelInitial,
		labelInitialWithConfig,
		labelInitialWithInfo,
		labelInitialWithMetaGlobal,
		labelReady,
		labelFreshStartRequired,
		labelWithPreviousState,
	})
}

// ForFastSync only accepts cached state that is still current, bailing with
// ErrSetupRequired when any server round trip beyond info/collections would
// be needed.
func ForFastSync(client SetupStorageClient, rootKey *KeyBundle, pgs *PersistedGlobalState, engineUpdates map[string]bool, log *zap.Logger) *SetupStateMachine {
	return newSetupStateMachine(client, rootKey, pgs, engineUpdates, log, []string{
		labelReady,
		labelWithPreviousState,
	})
}

// ForReadonlySync walks the full setup but never writes to the server, so a
// required fresh start surfaces as ErrSetupRequired.
func ForReadonlySync(client SetupStorageClient, rootKey *KeyBundle, pgs *PersistedGlobalState, log *zap.Logger) *SetupStateMachine {
	return newSetupStateMachine(client, rootKey, pgs, nil, log, []string{
		labelInitial,
		labelInitialWithConfig,
		labelInitialWithInfo,
		labelInitialWithMetaGlobal,
		labelReady,
		labelWithPreviousState,
	})
}

func (m *SetupStateMachine) advance(ctx context.Context, from setupState) (setupState, error) {
	switch from.label {
	case labelInitial:
		config, err := m.client.FetchInfoConfiguration(ctx)
		if err != nil {
			return setupState{}, err
		}
		return setupState{label: labelInitialWithConfig, config: config}, nil

	case labelInitialWithConfig:
		collections, err := m.client.FetchInfoCollections(ctx)
		if err != nil {
			if IsNotFound(err) {
				return setupState{label: labelFreshStartRequired, config: from.config}, nil
			}
			return setupState{}, err
		}
		return setupState{label: labelInitialWithInfo, config: from.config, collections: collections}, nil

	case labelInitialWithInfo:
		global, globalTimestamp, err := m.client.FetchMetaGlobal(ctx)
		if err != nil {
			if IsNotFound(err) {
				return setupState{label: labelFreshStartRequired, config: from.config}, nil
			}
			return setupState{}, err
		}
		if global.StorageVersion > storageVersion {
			return setupState{}, ErrClientUpgradeRequired
		}
		if global.StorageVersion < storageVersion {
			return setupState{label: labelFreshStartRequired, config: from.config}, nil
		}

		initialDeclined := newStringSet(global.Declined)
		infoColls := stringSet{}
		for name := range from.collections {
			infoColls[name] = struct{}{}
		}
		result := computeEngineStates(engineStateInput{
			localDeclined: newStringSet(m.pgs.Declined()),
			userChanges:   m.engineUpdates,
			remote: &remoteEngineState{
				declined:        initialDeclined,
				infoCollections: infoColls,
			},
		})
		m.pgs.setDeclined(result.declined.sorted())

		fixedDeclined := false
		if len(setDifference(result.declined, initialDeclined))+len(setDifference(initialDeclined, result.declined)) > 0 {
			global.Declined = result.declined.sorted()
			fixedDeclined = true
		}
		fixedIDs := fixupMetaGlobal(&global)
		if fixedDeclined || fixedIDs {
			m.log.Info("uploading corrected meta/global",
				zap.Strings("declined", global.Declined))
			globalTimestamp, err = m.client.PutMetaGlobal(ctx, globalTimestamp, &global)
			if err != nil {
				return setupState{}, err
			}
		}
		changes := result.changesNeeded
		m.ChangesNeeded = &changes
		return setupState{
			label:           labelInitialWithMetaGlobal,
			config:          from.config,
			collections:     from.collections,
			global:          global,
			globalTimestamp: globalTimestamp,
		}, nil

	case labelInitialWithMetaGlobal:
		keys, err := m.client.FetchCryptoKeys(ctx)
		if err != nil {
			if IsNotFound(err) {
				return setupState{label: labelFreshStartRequired, config: from.config}, nil
			}
			return setupState{}, err
		}
		state := &GlobalState{
			Config:          from.config,
			Collections:     from.collections,
			Global:          from.global,
			GlobalTimestamp: from.globalTimestamp,
			Keys:            keys,
		}
		return setupState{label: labelReady, ready: state}, nil

	case labelWithPreviousState:
		old := from.previous
		collections, err := m.client.FetchInfoCollections(ctx)
		if err != nil {
			return setupState{label: labelInitialWithConfig, config: old.Config}, nil
		}
		// The cached state is only reusable when both global records are
		// byte-for-byte what we saw last time, so the timestamps must match
		// exactly, not merely be no older.
		if isSameTimestamp(old.GlobalTimestamp, collections, "meta") &&
			isSameTimestamp(old.Keys.Modified, collections, "crypto") {
			state := *old
			state.Collections = collections
			return setupState{label: labelReady, ready: &state}, nil
		}
		return setupState{label: labelInitialWithConfig, config: old.Config}, nil

	case labelFreshStartRequired:
		m.log.Info("fresh start: wiping remote storage")
		if err := m.client.WipeAll(ctx); err != nil {
			return setupState{}, err
		}
		computed := computeEngineStates(engineStateInput{
			localDeclined: newStringSet(m.pgs.Declined()),
			userChanges:   m.engineUpdates,
			remote:        nil,
		})
		m.pgs.setDeclined(computed.declined.sorted())
		changes := computed.changesNeeded
		m.ChangesNeeded = &changes

		freshGlobal := newGlobal(m.pgs)
		if _, err := m.client.PutMetaGlobal(ctx, Epoch, &freshGlobal); err != nil {
			return setupState{}, err
		}
		keys, err := NewRandomCollectionKeys()
		if err != nil {
			return setupState{}, err
		}
		encrypted, err := keys.ToEncryptedBso(m.rootKey)
		if err != nil {
			return setupState{}, err
		}
		if err := m.client.PutCryptoKeys(ctx, Epoch, encrypted); err != nil {
			return setupState{}, err
		}
		// Re-fetch what we just uploaded by restarting; simpler than
		// threading the PUT timestamps through.
		return setupState{label: labelInitialWithConfig, config: from.config}, nil

	default:
		return setupState{}, fmt.Errorf("unknown setup state %q", from.label)
	}
}

// RunToReady drives the machine from scratch, or from previously cached
// state, until it reaches Ready. A second visit to a starting state means
// another client is racing us and yields ErrSetupRace; a state outside the
// machine's allowed set yields ErrSetupRequired.
func (m *SetupStateMachine) RunToReady(ctx context.Context, previous *GlobalState) (*GlobalState, error) {
	s := setupState{label: labelInitial}
	if previous != nil {
		s = setupState{label: labelWithPreviousState, previous: previous}
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		label := s.label
		m.log.Debug("global setup state", zap.String("state", label))
		switch label {
		case labelReady:
			m.sequence = append(m.sequence, label)
			return s.ready, nil
		case labelFreshStartRequired, labelWithPreviousState, labelInitial:
			if label == labelFreshStartRequired && !m.stateAllowed(label) {
				// Machines that may not write can't recover a server that
				// needs re-initializing.
				return nil, ErrStorageReset
			}
			for _, seen := range m.sequence {
				if seen == label {
					return nil, ErrSetupRace
				}
			}
		default:
			if !m.stateAllowed(label) {
				return nil, ErrSetupRequired
			}
		}
		m.sequence = append(m.sequence, label)
		next, err := m.advance(ctx, s)
		if err != nil {
			return nil, err
		}
		s = next
	}
}

func (m *SetupStateMachine) stateAllowed(label string) bool {
	for _, a := range m.allowedStates {
		if a == label {
			return true
		}
	}
	return false
}

func isSameTimestamp(local ServerTimestamp, collections InfoCollections, key string) bool {
	ts, ok := collections[key]
	return ok && local == ts
}
