package main

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/restmachine/weavesync/sync15"
	"github.com/restmachine/weavesync/sync15/telemetry"
)

// noteRecord is the cleartext wire shape of one note.
type noteRecord struct {
	ID         sync15.Guid `json:"id"`
	Text       string      `json:"text"`
	ModifiedAt int64       `json:"modifiedAt"`
}

type note struct {
	Text       string `json:"text"`
	ModifiedAt int64  `json:"modified_at"`
	Deleted    bool   `json:"deleted,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
}

type notesFile struct {
	SyncIDs  *sync15.CollSyncIds    `json:"sync_ids,omitempty"`
	LastSync sync15.ServerTimestamp `json:"last_sync"`
	Notes    map[sync15.Guid]*note  `json:"notes"`
}

// notesStore keeps notes in a single JSON file and syncs them through the
// "notes" collection. Conflicts resolve last-writer-wins by modification
// time.
type notesStore struct {
	path string
	data notesFile
}

func openNotesStore(path string) (*notesStore, error) {
	s := &notesStore{path: path, data: notesFile{Notes: map[sync15.Guid]*note{}}}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &s.data); err != nil {
		return nil, err
	}
	if s.data.Notes == nil {
		s.data.Notes = map[sync15.Guid]*note{}
	}
	return s, nil
}

func (s *notesStore) save() error {
	b, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o600)
}

// Add upserts a note locally and marks it for upload.
func (s *notesStore) Add(id sync15.Guid, text string) {
	s.data.Notes[id] = &note{
		Text:       text,
		ModifiedAt: time.Now().UnixMilli(),
		Dirty:      true,
	}
}

// Remove tombstones a note locally.
func (s *notesStore) Remove(id sync15.Guid) bool {
	n, ok := s.data.Notes[id]
	if !ok || n.Deleted {
		return false
	}
	n.Deleted = true
	n.Dirty = true
	n.ModifiedAt = time.Now().UnixMilli()
	return true
}

// List returns live notes sorted by id.
func (s *notesStore) List() []noteRecord {
	out := []noteRecord{}
	for id, n := range s.data.Notes {
		if n.Deleted {
			continue
		}
		out = append(out, noteRecord{ID: id, Text: n.Text, ModifiedAt: n.ModifiedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *notesStore) CollectionName() string { return "notes" }

func (s *notesStore) GetCollectionRequests(serverTimestamp sync15.ServerTimestamp) ([]sync15.CollectionRequest, error) {
	req := sync15.NewCollectionRequest(s.CollectionName()).
		WithFull().
		NewerThan(s.data.LastSync)
	return []sync15.CollectionRequest{req}, nil
}

func (s *notesStore) ApplyIncoming(inbound []sync15.IncomingChangeset, telem *telemetry.Engine) (sync15.OutgoingChangeset, error) {
	incoming := telemetry.EngineIncoming{}
	for _, changeset := range inbound {
		for _, change := range changeset.Changes {
			p := change.Payload
			local, known := s.data.Notes[p.ID]

			if p.IsTombstone() {
				if known && local.Dirty && !local.Deleted {
					// Local edit wins over a remote delete.
					incoming.Reconciled++
					continue
				}
				s.data.Notes[p.ID] = &note{Deleted: true, ModifiedAt: change.Timestamp.Millis()}
				incoming.Applied++
				continue
			}

			var rec noteRecord
			if err := p.IntoRecord(&rec); err != nil {
				incoming.Failed++
				continue
			}
			if known && local.Dirty && local.ModifiedAt > rec.ModifiedAt {
				incoming.Reconciled++
				continue
			}
			s.data.Notes[p.ID] = &note{Text: rec.Text, ModifiedAt: rec.ModifiedAt}
			incoming.Applied++
		}
	}
	telem.RecordIncoming(incoming)

	var timestamp sync15.ServerTimestamp
	if len(inbound) > 0 {
		timestamp = inbound[len(inbound)-1].Timestamp
	}
	outgoing := sync15.NewOutgoingChangeset(s.CollectionName(), timestamp)
	for id, n := range s.data.Notes {
		if !n.Dirty {
			continue
		}
		if n.Deleted {
			outgoing.Changes = append(outgoing.Changes, sync15.NewTombstone(id))
			continue
		}
		p, err := sync15.PayloadFromRecord(noteRecord{ID: id, Text: n.Text, ModifiedAt: n.ModifiedAt})
		if err != nil {
			return sync15.OutgoingChangeset{}, err
		}
		outgoing.Changes = append(outgoing.Changes, p)
	}
	return outgoing, nil
}

func (s *notesStore) SyncFinished(newTimestamp sync15.ServerTimestamp, recordsSynced []sync15.Guid) error {
	for _, id := range recordsSynced {
		n, ok := s.data.Notes[id]
		if !ok {
			continue
		}
		if n.Deleted {
			delete(s.data.Notes, id)
			continue
		}
		n.Dirty = false
	}
	s.data.LastSync = newTimestamp
	return s.save()
}

func (s *notesStore) GetSyncAssoc() (sync15.StoreSyncAssociation, error) {
	if s.data.SyncIDs == nil {
		return sync15.Disconnected(), nil
	}
	return sync15.Connected(*s.data.SyncIDs), nil
}

func (s *notesStore) Reset(assoc sync15.StoreSyncAssociation) error {
	s.data.SyncIDs = assoc.Ids
	s.data.LastSync = 0
	// Everything local becomes an unsynced edit again.
	for id, n := range s.data.Notes {
		if n.Deleted {
			delete(s.data.Notes, id)
			continue
		}
		n.Dirty = true
	}
	return s.save()
}

func (s *notesStore) Wipe() error {
	s.data = notesFile{Notes: map[sync15.Guid]*note{}}
	return s.save()
}
