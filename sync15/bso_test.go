package sync15

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadFlattening(t *testing.T) {
	raw := []byte(`{"id":"recordAAA","title":"hello","visits":[1,2],"deleted":true}`)
	p, err := PayloadFromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, Guid("recordAAA"), p.ID)
	assert.True(t, p.IsTombstone())
	assert.Contains(t, p.Data, "title")
	assert.NotContains(t, p.Data, "id")
	assert.NotContains(t, p.Data, "deleted")

	out, err := json.Marshal(p)
	require.NoError(t, err)
	var roundtrip map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &roundtrip))
	assert.Equal(t, `"recordAAA"`, string(roundtrip["id"]))
	assert.Equal(t, "true", string(roundtrip["deleted"]))
	assert.Equal(t, "[1,2]", string(roundtrip["visits"]))
}

func TestPayloadFromRecordNeedsID(t *testing.T) {
	type rec struct {
		Title string `json:"title"`
	}
	_, err := PayloadFromRecord(rec{Title: "no id"})
	assert.Error(t, err)
}

func TestTombstoneOmitsDeletedWhenFalse(t *testing.T) {
	p := Payload{ID: "aliveAAAA", Data: map[string]json.RawMessage{}}
	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "deleted")
}

func TestBsoAutoFieldLifting(t *testing.T) {
	raw := []byte(`{"id":"histAAA","title":"x","sortindex":100,"ttl":3600}`)
	p, err := PayloadFromJSON(raw)
	require.NoError(t, err)

	bso := CleartextBsoFromPayload(p, "history")
	require.NotNil(t, bso.SortIndex)
	require.NotNil(t, bso.TTL)
	assert.Equal(t, 100, *bso.SortIndex)
	assert.Equal(t, 3600, *bso.TTL)
	assert.NotContains(t, bso.Payload.Data, "sortindex")
	assert.NotContains(t, bso.Payload.Data, "ttl")
}

func TestBsoEncryptDecryptRoundtrip(t *testing.T) {
	key, err := NewRandomKeyBundle()
	require.NoError(t, err)

	raw := []byte(`{"id":"histAAA","title":"page","sortindex":25}`)
	p, err := PayloadFromJSON(raw)
	require.NoError(t, err)

	encrypted, err := CleartextBsoFromPayload(p, "history").Encrypt(key)
	require.NoError(t, err)
	assert.Equal(t, Guid("histAAA"), encrypted.ID)
	require.NotNil(t, encrypted.SortIndex)
	assert.Equal(t, 25, *encrypted.SortIndex)

	decrypted, err := encrypted.Decrypt(key)
	require.NoError(t, err)
	assert.Equal(t, Guid("histAAA"), decrypted.Payload.ID)
	// Auto fields come back inside the payload data.
	assert.Equal(t, "25", string(decrypted.Payload.Data["sortindex"]))
	assert.Equal(t, `"page"`, string(decrypted.Payload.Data["title"]))

	wrongKey, err := NewRandomKeyBundle()
	require.NoError(t, err)
	_, err = encrypted.Decrypt(wrongKey)
	assert.ErrorIs(t, err, ErrHmacMismatch)
}

func TestBsoWireFormat(t *testing.T) {
	key, err := NewRandomKeyBundle()
	require.NoError(t, err)
	p, err := PayloadFromJSON([]byte(`{"id":"wireAAA","v":1}`))
	require.NoError(t, err)
	encrypted, err := CleartextBsoFromPayload(p, "prefs").Encrypt(key)
	require.NoError(t, err)

	out, err := json.Marshal(encrypted)
	require.NoError(t, err)

	// The payload field is a JSON *string* holding the envelope object, and
	// modified is never serialized by the client.
	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &wire))
	assert.NotContains(t, wire, "modified")
	var payloadStr string
	require.NoError(t, json.Unmarshal(wire["payload"], &payloadStr))
	var ep EncryptedPayload
	require.NoError(t, json.Unmarshal([]byte(payloadStr), &ep))
	assert.NotEmpty(t, ep.Ciphertext)

	var back EncryptedBso
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, encrypted.Payload, back.Payload)
}

func TestEncryptedPayloadSerializedLen(t *testing.T) {
	ep := EncryptedPayload{IV: "aXY=", HMAC: "abcd", Ciphertext: "Y2lwaGVy"}
	b, err := json.Marshal(ep)
	require.NoError(t, err)
	assert.Equal(t, len(b), ep.SerializedLen())
}
