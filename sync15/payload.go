package sync15

import (
	"encoding/json"
	"fmt"
)

// Payload is one decrypted collection record. On the wire the id, the
// deleted flag and the domain fields all live in a single flattened JSON
// object; Data holds everything that is not id/deleted.
//
// A tombstone (Deleted=true) carries no meaningful data besides an optional
// ttl.
type Payload struct {
	ID      Guid
	Deleted bool
	Data    map[string]json.RawMessage
}

// NewTombstone returns a deletion marker for the given record.
func NewTombstone(id Guid) Payload {
	return Payload{ID: id, Deleted: true, Data: map[string]json.RawMessage{}}
}

// PayloadFromJSON parses a flattened record object.
func PayloadFromJSON(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// PayloadFromRecord projects any JSON-serializable record into a Payload.
// The record must carry an "id" field.
func PayloadFromRecord(record any) (Payload, error) {
	b, err := json.Marshal(record)
	if err != nil {
		return Payload{}, err
	}
	p, err := PayloadFromJSON(b)
	if err != nil {
		return Payload{}, err
	}
	if p.ID == "" {
		return Payload{}, fmt.Errorf("record has no id field")
	}
	return p, nil
}

// IntoRecord projects the payload back into a typed record. The id and
// deleted flag are part of the flattened object, so types that declare them
// get them back.
func (p Payload) IntoRecord(record any) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, record)
}

// IsTombstone reports whether this payload marks a deletion.
func (p Payload) IsTombstone() bool { return p.Deleted }

// MarshalJSON flattens id/deleted into the same object as Data.
func (p Payload) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(p.Data)+2)
	for k, v := range p.Data {
		obj[k] = v
	}
	idRaw, err := json.Marshal(p.ID)
	if err != nil {
		return nil, err
	}
	obj["id"] = idRaw
	if p.Deleted {
		obj["deleted"] = json.RawMessage("true")
	} else {
		delete(obj, "deleted")
	}
	return json.Marshal(obj)
}

// UnmarshalJSON lifts id/deleted out of the flattened object.
func (p *Payload) UnmarshalJSON(b []byte) error {
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if raw, ok := obj["id"]; ok {
		if err := json.Unmarshal(raw, &p.ID); err != nil {
			return fmt.Errorf("bad record id: %w", err)
		}
		delete(obj, "id")
	}
	if raw, ok := obj["deleted"]; ok {
		if err := json.Unmarshal(raw, &p.Deleted); err != nil {
			return fmt.Errorf("bad deleted flag: %w", err)
		}
		delete(obj, "deleted")
	}
	p.Data = obj
	return nil
}

// Auto fields ("sortindex", "ttl") belong to the BSO envelope, not the
// record data; they are lifted out before encryption and re-added after
// decryption so stores see them in one place.

func (p *Payload) takeAutoField(name string) *int {
	raw, ok := p.Data[name]
	if !ok {
		return nil
	}
	delete(p.Data, name)
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

func (p *Payload) addAutoField(name string, v *int) {
	if p.Data == nil {
		p.Data = map[string]json.RawMessage{}
	}
	if v == nil {
		delete(p.Data, name)
		return
	}
	raw, _ := json.Marshal(*v)
	p.Data[name] = raw
}
