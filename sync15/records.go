package sync15

import "encoding/json"

// MetaGlobalEngine is one engine's entry in meta/global: its record format
// version and the syncID namespacing its server data.
type MetaGlobalEngine struct {
	Version int    `json:"version"`
	SyncID  Guid   `json:"syncID"`
	Extra   rawMap `json:"-"`
}

// MetaGlobalRecord is the cleartext meta/global payload. It is the only
// unencrypted record the engine reads or writes.
type MetaGlobalRecord struct {
	SyncID         Guid                        `json:"syncID"`
	StorageVersion int                         `json:"storageVersion"`
	Engines        map[string]MetaGlobalEngine `json:"engines"`
	Declined       []string                    `json:"declined"`
}

// CryptoKeysRecord is the decrypted crypto/keys payload: the default key
// pair plus any per-collection overrides, each as [enc_b64, mac_b64].
type CryptoKeysRecord struct {
	ID          Guid                 `json:"id"`
	Collection  string               `json:"collection"`
	Default     [2]string            `json:"default"`
	Collections map[string][2]string `json:"collections"`
}

// rawMap preserves fields this client does not model, so rewriting a record
// does not silently drop what another client put there.
type rawMap map[string]json.RawMessage

func (e MetaGlobalEngine) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(e.Extra)+2)
	for k, v := range e.Extra {
		obj[k] = v
	}
	v, err := json.Marshal(e.Version)
	if err != nil {
		return nil, err
	}
	s, err := json.Marshal(e.SyncID)
	if err != nil {
		return nil, err
	}
	obj["version"] = v
	obj["syncID"] = s
	return json.Marshal(obj)
}

func (e *MetaGlobalEngine) UnmarshalJSON(b []byte) error {
	obj := rawMap{}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if raw, ok := obj["version"]; ok {
		if err := json.Unmarshal(raw, &e.Version); err != nil {
			return err
		}
		delete(obj, "version")
	}
	if raw, ok := obj["syncID"]; ok {
		if err := json.Unmarshal(raw, &e.SyncID); err != nil {
			return err
		}
		delete(obj, "syncID")
	}
	e.Extra = obj
	return nil
}
