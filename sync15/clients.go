package sync15

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"
)

const clientsCollection = "clients"

// clientsTTL keeps client records alive for three weeks of inactivity.
const clientsTTL = 21 * 24 * 60 * 60

// ClientRecord is the serialized form of a clients-collection record.
// Fields we don't use are still round-tripped so other clients keep theirs.
type ClientRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type,omitempty"`
	Commands    []CommandRecord `json:"commands,omitempty"`
	FxaDeviceID string          `json:"fxaDeviceId,omitempty"`
	Version     string          `json:"version,omitempty"`
	Protocols   []string        `json:"protocols,omitempty"`
	FormFactor  string          `json:"formfactor,omitempty"`
	OS          string          `json:"os,omitempty"`
	AppPackage  string          `json:"appPackage,omitempty"`
	Application string          `json:"application,omitempty"`
	Device      string          `json:"device,omitempty"`
	// TTL travels on the BSO envelope, not the encrypted payload.
	TTL int `json:"ttl,omitempty"`
}

// CommandRecord is one queued command inside a client record. The name is a
// free string so unknown commands round-trip.
type CommandRecord struct {
	Name   string   `json:"command"`
	Args   []string `json:"args"`
	FlowID string   `json:"flowID,omitempty"`
}

// Command is a remote instruction this client understands.
type Command struct {
	Kind   CommandKind
	Engine string
}

type CommandKind int

const (
	CommandWipeAll CommandKind = iota
	CommandWipeEngine
	CommandResetAll
	CommandResetEngine
)

// AsCommand parses a record into a known command, false for ones we don't
// support.
func (c CommandRecord) AsCommand() (Command, bool) {
	switch c.Name {
	case "wipeAll":
		return Command{Kind: CommandWipeAll}, true
	case "resetAll":
		return Command{Kind: CommandResetAll}, true
	case "wipeEngine":
		if len(c.Args) == 0 {
			return Command{}, false
		}
		return Command{Kind: CommandWipeEngine, Engine: c.Args[0]}, true
	case "resetEngine":
		if len(c.Args) == 0 {
			return Command{}, false
		}
		return Command{Kind: CommandResetEngine, Engine: c.Args[0]}, true
	default:
		return Command{}, false
	}
}

// CommandToRecord serializes a command for another client's record.
func CommandToRecord(cmd Command) CommandRecord {
	switch cmd.Kind {
	case CommandWipeAll:
		return CommandRecord{Name: "wipeAll", Args: []string{}}
	case CommandResetAll:
		return CommandRecord{Name: "resetAll", Args: []string{}}
	case CommandWipeEngine:
		return CommandRecord{Name: "wipeEngine", Args: []string{cmd.Engine}}
	default:
		return CommandRecord{Name: "resetEngine", Args: []string{cmd.Engine}}
	}
}

// CommandStatus is a processor's verdict on an incoming command.
type CommandStatus int

const (
	CommandApplied CommandStatus = iota
	CommandIgnored
	CommandUnsupported
)

// Settings identifies this device in the clients collection.
type Settings struct {
	FxaDeviceID string
	DeviceName  string
	DeviceType  string
}

// CommandProcessor is the embedding app's half of the clients engine: it
// applies incoming commands and supplies commands for other devices.
type CommandProcessor interface {
	Settings() Settings
	ApplyIncomingCommand(cmd Command) (CommandStatus, error)
	FetchOutgoingCommands() ([]Command, error)
}

// ClientsEngine syncs the clients collection. It is deliberately not a
// Store: it can't be declined, always fetches the full collection, and a
// failure here aborts the whole sync session.
type ClientsEngine struct {
	processor     CommandProcessor
	log           *zap.Logger
	recentClients map[string]RemoteClient
}

// NewClientsEngine builds an engine around the app's command processor.
func NewClientsEngine(processor CommandProcessor, log *zap.Logger) *ClientsEngine {
	return &ClientsEngine{
		processor:     processor,
		log:           log,
		recentClients: map[string]RemoteClient{},
	}
}

// LocalClientID is this device's id in the clients collection.
func (e *ClientsEngine) LocalClientID() string {
	return e.processor.Settings().FxaDeviceID
}

// ClientData snapshots the devices seen on the last sync, for stores that
// want them.
func (e *ClientsEngine) ClientData() ClientData {
	clients := make(map[string]RemoteClient, len(e.recentClients))
	for id, c := range e.recentClients {
		clients[id] = c
	}
	return ClientData{LocalClientID: e.LocalClientID(), RecentClients: clients}
}

// Sync fetches every client record, applies commands addressed to us,
// queues outgoing commands onto other clients and refreshes our own record.
func (e *ClientsEngine) Sync(ctx context.Context, client *StorageClient, globalState *GlobalState, rootKey *KeyBundle, shouldRefreshClient bool) error {
	e.log.Info("syncing collection", zap.String("collection", clientsCollection))

	collKeys, err := CollectionKeysFromEncryptedBso(globalState.Keys, rootKey)
	if err != nil {
		return err
	}
	collState := &CollState{
		Config:       globalState.Config,
		LastModified: globalState.Collections[clientsCollection],
		Key:          collKeys.KeyForCollection(clientsCollection),
	}

	// Always fetch the whole collection; last-sync timestamps aren't
	// meaningful for clients.
	inbound, err := FetchIncoming(ctx, client, collState, NewCollectionRequest(clientsCollection).WithFull())
	if err != nil {
		return err
	}

	outgoing, err := e.reconcile(ctx, inbound, globalState.Config, shouldRefreshClient)
	if err != nil {
		return err
	}
	collState.LastModified = outgoing.Timestamp

	update, err := NewCollectionUpdateFromChangeset(client, collState, outgoing, true)
	if err != nil {
		return err
	}
	info, err := update.Upload(ctx)
	if err != nil {
		return err
	}
	e.log.Info("clients upload finished",
		zap.Int("succeeded", len(info.SuccessfulIDs)),
		zap.Int("failed", len(info.FailedIDs)))
	return nil
}

func (e *ClientsEngine) reconcile(ctx context.Context, inbound IncomingChangeset, config InfoConfiguration, shouldRefreshClient bool) (OutgoingChangeset, error) {
	outgoing := NewOutgoingChangeset(clientsCollection, inbound.Timestamp)

	outgoingCommands, err := e.processor.FetchOutgoingCommands()
	if err != nil {
		return OutgoingChangeset{}, err
	}

	settings := e.processor.Settings()
	hasOwnRecord := false
	maxPayload := e.maxRecordPayloadSize(config)

	for _, change := range inbound.Changes {
		if err := ctx.Err(); err != nil {
			return OutgoingChangeset{}, err
		}
		var record ClientRecord
		if err := change.Payload.IntoRecord(&record); err != nil {
			return OutgoingChangeset{}, err
		}

		if record.ID == settings.FxaDeviceID {
			hasOwnRecord = true
			current := e.currentClientRecord()
			for _, cr := range record.Commands {
				cmd, ok := cr.AsCommand()
				if !ok {
					// Keep commands we don't understand for a future
					// version of us.
					current.Commands = append(current.Commands, cr)
					continue
				}
				status, err := e.processor.ApplyIncomingCommand(cmd)
				if err != nil {
					return OutgoingChangeset{}, err
				}
				switch status {
				case CommandIgnored:
					e.log.Debug("ignored client command", zap.String("command", cr.Name))
				case CommandUnsupported:
					e.log.Warn("unsupported client command", zap.String("command", cr.Name))
					current.Commands = append(current.Commands, cr)
				}
			}
			current.Commands = shrinkCommandsToFit(current, maxPayload)
			e.noteRecentClient(current)

			compare := record
			compare.TTL = current.TTL
			if shouldRefreshClient || !clientRecordsEqual(compare, current) {
				p, err := PayloadFromRecord(current)
				if err != nil {
					return OutgoingChangeset{}, err
				}
				outgoing.Changes = append(outgoing.Changes, p)
			}
			continue
		}

		e.noteRecentClient(record)
		if len(outgoingCommands) == 0 {
			continue
		}

		newClient := record
		added := appendNewCommands(&newClient, outgoingCommands)
		if !added {
			continue
		}
		newClient.Commands = shrinkCommandsToFit(newClient, maxPayload)
		newClient.TTL = clientsTTL
		p, err := PayloadFromRecord(newClient)
		if err != nil {
			return OutgoingChangeset{}, err
		}
		outgoing.Changes = append(outgoing.Changes, p)
	}

	if !hasOwnRecord {
		current := e.currentClientRecord()
		e.noteRecentClient(current)
		p, err := PayloadFromRecord(current)
		if err != nil {
			return OutgoingChangeset{}, err
		}
		outgoing.Changes = append(outgoing.Changes, p)
	}
	return outgoing, nil
}

func (e *ClientsEngine) currentClientRecord() ClientRecord {
	settings := e.processor.Settings()
	return ClientRecord{
		ID:          settings.FxaDeviceID,
		Name:        settings.DeviceName,
		Type:        settings.DeviceType,
		Commands:    nil,
		FxaDeviceID: settings.FxaDeviceID,
		Protocols:   []string{"1.5"},
		TTL:         clientsTTL,
	}
}

func (e *ClientsEngine) noteRecentClient(record ClientRecord) {
	e.recentClients[record.ID] = RemoteClient{
		FxaDeviceID: record.FxaDeviceID,
		DeviceName:  record.Name,
		DeviceType:  record.Type,
	}
}

// maxRecordPayloadSize caps client records well under the server limit;
// clients live in memcached-backed collections whose practical limit is
// lower than the storage db's, so 512k is the ceiling.
func (e *ClientsEngine) maxRecordPayloadSize(config InfoConfiguration) int {
	payloadMax := config.MaxRecordPayloadBytes
	if payloadMax <= config.MaxPostBytes {
		payloadMax = config.MaxPostBytes - 4096
		if payloadMax < 0 {
			payloadMax = 0
		}
	}
	if payloadMax > 512*1024 {
		payloadMax = 512 * 1024
	}
	return payloadMax
}

// appendNewCommands adds outgoing commands the client doesn't already
// carry, in deterministic order. Reports whether anything was added.
func appendNewCommands(client *ClientRecord, outgoing []Command) bool {
	have := map[Command]struct{}{}
	for _, cr := range client.Commands {
		if cmd, ok := cr.AsCommand(); ok {
			have[cmd] = struct{}{}
		}
	}
	var fresh []Command
	for _, cmd := range outgoing {
		if _, ok := have[cmd]; !ok {
			fresh = append(fresh, cmd)
		}
	}
	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].Kind != fresh[j].Kind {
			return fresh[i].Kind < fresh[j].Kind
		}
		return fresh[i].Engine < fresh[j].Engine
	})
	for _, cmd := range fresh {
		client.Commands = append(client.Commands, CommandToRecord(cmd))
	}
	return len(fresh) > 0
}

// shrinkCommandsToFit truncates the command list until the serialized
// record fits under the payload limit; the server rejects oversized
// records outright.
func shrinkCommandsToFit(record ClientRecord, maxBytes int) []CommandRecord {
	commands := record.Commands
	for len(commands) > 0 {
		record.Commands = commands
		b, err := json.Marshal(record)
		if err == nil && len(b) <= maxBytes {
			return commands
		}
		commands = commands[:len(commands)-1]
	}
	return commands
}

func clientRecordsEqual(a, b ClientRecord) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ab) == string(bb)
}
