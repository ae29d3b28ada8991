package sync15

import "fmt"

// CollectionKeys is the decrypted content of crypto/keys: the default bundle
// plus per-collection overrides, together with the server timestamp of the
// record they came from.
type CollectionKeys struct {
	Timestamp   ServerTimestamp
	Default     *KeyBundle
	Collections map[string]*KeyBundle
}

// NewRandomCollectionKeys generates a fresh default bundle with no
// per-collection overrides, for a fresh start.
func NewRandomCollectionKeys() (*CollectionKeys, error) {
	def, err := NewRandomKeyBundle()
	if err != nil {
		return nil, err
	}
	return &CollectionKeys{
		Timestamp:   Epoch,
		Default:     def,
		Collections: map[string]*KeyBundle{},
	}, nil
}

// CollectionKeysFromEncryptedBso decrypts crypto/keys with the root key and
// parses the bundles. The record's server timestamp is kept so collection
// state can notice when keys change.
func CollectionKeysFromEncryptedBso(bso EncryptedBso, rootKey *KeyBundle) (*CollectionKeys, error) {
	timestamp := bso.Modified
	clear, err := bso.Decrypt(rootKey)
	if err != nil {
		return nil, err
	}
	var record CryptoKeysRecord
	if err := clear.IntoRecord(&record); err != nil {
		return nil, fmt.Errorf("parsing crypto/keys: %w", err)
	}
	def, err := KeyBundleFromB64(record.Default[0], record.Default[1])
	if err != nil {
		return nil, fmt.Errorf("bad default key pair: %w", err)
	}
	colls := make(map[string]*KeyBundle, len(record.Collections))
	for name, pair := range record.Collections {
		kb, err := KeyBundleFromB64(pair[0], pair[1])
		if err != nil {
			return nil, fmt.Errorf("bad key pair for %q: %w", name, err)
		}
		colls[name] = kb
	}
	return &CollectionKeys{Timestamp: timestamp, Default: def, Collections: colls}, nil
}

// ToEncryptedBso serializes and seals the bundles as the crypto/keys record.
func (ck *CollectionKeys) ToEncryptedBso(rootKey *KeyBundle) (EncryptedBso, error) {
	record := CryptoKeysRecord{
		ID:          "keys",
		Collection:  "crypto",
		Default:     ck.Default.ToB64Array(),
		Collections: make(map[string][2]string, len(ck.Collections)),
	}
	for name, kb := range ck.Collections {
		record.Collections[name] = kb.ToB64Array()
	}
	payload, err := PayloadFromRecord(record)
	if err != nil {
		return EncryptedBso{}, err
	}
	return CleartextBsoFromPayload(payload, "crypto").Encrypt(rootKey)
}

// KeyForCollection returns the collection's override bundle, or the default
// when none exists.
func (ck *CollectionKeys) KeyForCollection(collection string) *KeyBundle {
	if kb, ok := ck.Collections[collection]; ok {
		return kb
	}
	return ck.Default
}
