package sync15

import (
	"encoding/json"
	"fmt"
)

// EncryptedPayload is the sealed form of one record: the JSON-stringified
// payload field of a BSO. The HMAC is lowercase hex over the base64
// ciphertext string.
type EncryptedPayload struct {
	IV         string `json:"IV"`
	HMAC       string `json:"hmac"`
	Ciphertext string `json:"ciphertext"`
}

// emptyEncryptedPayloadLen is the JSON overhead of an EncryptedPayload with
// empty fields, used to estimate serialized sizes without re-marshaling in
// the upload queue.
var emptyEncryptedPayloadLen = func() int {
	b, err := json.Marshal(EncryptedPayload{})
	if err != nil {
		panic(err)
	}
	return len(b)
}()

// SerializedLen estimates the JSON-encoded size of the payload.
func (ep EncryptedPayload) SerializedLen() int {
	return emptyEncryptedPayloadLen + len(ep.IV) + len(ep.HMAC) + len(ep.Ciphertext)
}

// DecryptPayload opens the sealed payload and parses the flattened record.
func (ep EncryptedPayload) DecryptPayload(key *KeyBundle) (Payload, error) {
	cleartext, err := key.Decrypt(ep.Ciphertext, ep.IV, ep.HMAC)
	if err != nil {
		return Payload{}, err
	}
	return PayloadFromJSON([]byte(cleartext))
}

// SealPayload encrypts a cleartext payload with a fresh random IV.
func SealPayload(key *KeyBundle, p Payload) (EncryptedPayload, error) {
	cleartext, err := json.Marshal(p)
	if err != nil {
		return EncryptedPayload{}, err
	}
	encB64, ivB64, hmacHex, err := key.EncryptBytesRandIV(cleartext)
	if err != nil {
		return EncryptedPayload{}, err
	}
	return EncryptedPayload{IV: ivB64, HMAC: hmacHex, Ciphertext: encB64}, nil
}

// EncryptedBso is the outer record envelope around a sealed payload, as
// fetched from or posted to /storage/<collection>.
type EncryptedBso struct {
	ID         Guid
	Collection string
	Modified   ServerTimestamp
	SortIndex  *int
	TTL        *int
	Payload    EncryptedPayload
}

// CleartextBso is the same envelope around a decrypted payload.
type CleartextBso struct {
	ID         Guid
	Collection string
	Modified   ServerTimestamp
	SortIndex  *int
	TTL        *int
	Payload    Payload
}

// CleartextBsoFromPayload wraps a payload for upload, lifting the auto
// fields (sortindex, ttl) out of the payload data and onto the envelope.
func CleartextBsoFromPayload(p Payload, collection string) CleartextBso {
	sortindex := p.takeAutoField("sortindex")
	ttl := p.takeAutoField("ttl")
	return CleartextBso{
		ID:         p.ID,
		Collection: collection,
		SortIndex:  sortindex,
		TTL:        ttl,
		Payload:    p,
	}
}

// Encrypt seals the payload, keeping the envelope fields.
func (b CleartextBso) Encrypt(key *KeyBundle) (EncryptedBso, error) {
	sealed, err := SealPayload(key, b.Payload)
	if err != nil {
		return EncryptedBso{}, err
	}
	return EncryptedBso{
		ID:         b.ID,
		Collection: b.Collection,
		Modified:   b.Modified,
		SortIndex:  b.SortIndex,
		TTL:        b.TTL,
		Payload:    sealed,
	}, nil
}

// IntoRecord projects the cleartext payload into a typed record.
func (b CleartextBso) IntoRecord(record any) error {
	return b.Payload.IntoRecord(record)
}

// Decrypt opens the sealed payload, re-attaching the envelope's auto fields
// to the payload data so stores see them uniformly.
func (b EncryptedBso) Decrypt(key *KeyBundle) (CleartextBso, error) {
	p, err := b.Payload.DecryptPayload(key)
	if err != nil {
		return CleartextBso{}, err
	}
	p.addAutoField("sortindex", b.SortIndex)
	p.addAutoField("ttl", b.TTL)
	return CleartextBso{
		ID:         b.ID,
		Collection: b.Collection,
		Modified:   b.Modified,
		SortIndex:  b.SortIndex,
		TTL:        b.TTL,
		Payload:    p,
	}, nil
}

// bsoWire is the shared wire shape. The payload field is a JSON string
// containing the (possibly encrypted) payload object; modified is assigned
// by the server and never serialized by the client.
type bsoWire struct {
	ID         Guid            `json:"id"`
	Collection string          `json:"collection,omitempty"`
	Modified   ServerTimestamp `json:"modified,omitempty"`
	SortIndex  *int            `json:"sortindex,omitempty"`
	TTL        *int            `json:"ttl,omitempty"`
	Payload    string          `json:"payload"`
}

func marshalBso(id Guid, collection string, sortindex, ttl *int, payload any) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ID         Guid   `json:"id"`
		Collection string `json:"collection,omitempty"`
		SortIndex  *int   `json:"sortindex,omitempty"`
		TTL        *int   `json:"ttl,omitempty"`
		Payload    string `json:"payload"`
	}{id, collection, sortindex, ttl, string(inner)})
}

func (b EncryptedBso) MarshalJSON() ([]byte, error) {
	return marshalBso(b.ID, b.Collection, b.SortIndex, b.TTL, b.Payload)
}

func (b *EncryptedBso) UnmarshalJSON(data []byte) error {
	var w bsoWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var ep EncryptedPayload
	if err := json.Unmarshal([]byte(w.Payload), &ep); err != nil {
		return fmt.Errorf("bad encrypted payload for record %q: %w", w.ID, err)
	}
	*b = EncryptedBso{
		ID:         w.ID,
		Collection: w.Collection,
		Modified:   w.Modified,
		SortIndex:  w.SortIndex,
		TTL:        w.TTL,
		Payload:    ep,
	}
	return nil
}

func (b CleartextBso) MarshalJSON() ([]byte, error) {
	return marshalBso(b.ID, b.Collection, b.SortIndex, b.TTL, b.Payload)
}

func (b *CleartextBso) UnmarshalJSON(data []byte) error {
	var w bsoWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := PayloadFromJSON([]byte(w.Payload))
	if err != nil {
		return fmt.Errorf("bad payload for record %q: %w", w.ID, err)
	}
	*b = CleartextBso{
		ID:         w.ID,
		Collection: w.Collection,
		Modified:   w.Modified,
		SortIndex:  w.SortIndex,
		TTL:        w.TTL,
		Payload:    p,
	}
	return nil
}
