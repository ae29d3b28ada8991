package sync15

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHmacHex   = "b1e6c18ac30deb70236bc0d65a46f7a4dce3b8b0e02cf92182b914e3afa5eebc"
	testIvB64     = "GX8L37AAb2FZJMzIoXlX8w=="
	testHmacKey   = "MMntEfutgLTc8FlTLQFms8/xMPmCldqPlq/QQXEjx70="
	testEncKey    = "9K/wLdXdw+nrTtXo4ZpECyHFNr4d7aYHqeg3KW9+m6Q="
	testCipherB64 = "NMsdnRulLwQsVcwxKW9XwaUe7ouJk5Wn80QhbD80l0HEcZGCynh45qIbeYBik0lgcHbK" +
		"mlIxTJNwU+OeqipN+/j7MqhjKOGIlvbpiPQQLC6/ffF2vbzL0nzMUuSyvaQzyGGkSYM2" +
		"xUFt06aNivoQTvU2GgGmUK6MvadoY38hhW2LCMkoZcNfgCqJ26lO1O0sEO6zHsk3IVz6" +
		"vsKiJ2Hq6VCo7hu123wNegmujHWQSGyf8JeudZjKzfi0OFRRvvm4QAKyBWf0MgrW1F8S" +
		"FDnVfkq8amCB7NhdwhgLWbN+21NitNwWYknoEWe1m6hmGZDgDT32uxzWxCV8QqqrpH/Z" +
		"ggViEr9uMgoy4lYaWqP7G5WKvvechc62aqnsNEYhH26A5QgzmlNyvB+KPFvPsYzxDnSC" +
		"jOoRSLx7GG86wT59QZw="
	testClearB64 = "eyJpZCI6IjVxUnNnWFdSSlpYciIsImhpc3RVcmkiOiJmaWxlOi8vL1VzZXJzL2phc29u" +
		"L0xpYnJhcnkvQXBwbGljYXRpb24lMjBTdXBwb3J0L0ZpcmVmb3gvUHJvZmlsZXMva3Nn" +
		"ZDd3cGsuTG9jYWxTeW5jU2VydmVyL3dlYXZlL2xvZ3MvIiwidGl0bGUiOiJJbmRleCBv" +
		"ZiBmaWxlOi8vL1VzZXJzL2phc29uL0xpYnJhcnkvQXBwbGljYXRpb24gU3VwcG9ydC9G" +
		"aXJlZm94L1Byb2ZpbGVzL2tzZ2Q3d3BrLkxvY2FsU3luY1NlcnZlci93ZWF2ZS9sb2dz" +
		"LyIsInZpc2l0cyI6W3siZGF0ZSI6MTMxOTE0OTAxMjM3MjQyNSwidHlwZSI6MX1dfQ=="
)

func testBundle(t *testing.T) *KeyBundle {
	t.Helper()
	kb, err := KeyBundleFromB64(testEncKey, testHmacKey)
	require.NoError(t, err)
	return kb
}

func TestKeyBundleDecrypt(t *testing.T) {
	kb := testBundle(t)
	got, err := kb.Decrypt(testCipherB64, testIvB64, testHmacHex)
	require.NoError(t, err)

	want, err := base64.StdEncoding.DecodeString(testClearB64)
	require.NoError(t, err)
	assert.Equal(t, string(want), got)
}

func TestKeyBundleEncryptWithIV(t *testing.T) {
	kb := testBundle(t)
	cleartext, err := base64.StdEncoding.DecodeString(testClearB64)
	require.NoError(t, err)
	iv, err := base64.StdEncoding.DecodeString(testIvB64)
	require.NoError(t, err)

	encB64, hmacHex, err := kb.EncryptBytesWithIV(cleartext, iv)
	require.NoError(t, err)
	assert.Equal(t, testCipherB64, encB64)
	assert.Equal(t, testHmacHex, hmacHex)
}

func TestKeyBundleEncryptRandIVRoundtrip(t *testing.T) {
	kb := testBundle(t)
	cleartext, err := base64.StdEncoding.DecodeString(testClearB64)
	require.NoError(t, err)

	encB64, ivB64, hmacHex, err := kb.EncryptBytesRandIV(cleartext)
	require.NoError(t, err)
	assert.NotEqual(t, testCipherB64, encB64)

	got, err := kb.Decrypt(encB64, ivB64, hmacHex)
	require.NoError(t, err)
	assert.Equal(t, string(cleartext), got)
}

func TestKeyBundleHmacMismatch(t *testing.T) {
	kb := testBundle(t)

	tests := []struct {
		name string
		hmac string
	}{
		{"flipped nibble", "a" + testHmacHex[1:]},
		{"not hex", strings.Repeat("z", len(testHmacHex))},
		{"truncated", testHmacHex[:10]},
		{"empty", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := kb.Decrypt(testCipherB64, testIvB64, tc.hmac)
			assert.ErrorIs(t, err, ErrHmacMismatch)
		})
	}

	// Tampered ciphertext fails the same way.
	tampered := "A" + testCipherB64[1:]
	_, err := kb.Decrypt(tampered, testIvB64, testHmacHex)
	assert.ErrorIs(t, err, ErrHmacMismatch)
}

func TestKeyBundleLengths(t *testing.T) {
	var blk *BadKeyLengthError

	_, err := NewKeyBundle(make([]byte, 16), make([]byte, 32))
	require.True(t, errors.As(err, &blk))
	assert.Equal(t, "enc_key", blk.Name)

	_, err = NewKeyBundle(make([]byte, 32), make([]byte, 33))
	require.True(t, errors.As(err, &blk))
	assert.Equal(t, "mac_key", blk.Name)

	_, err = KeyBundleFromKSyncBytes(make([]byte, 63))
	assert.True(t, errors.As(err, &blk))
}

func TestKeyBundleFromKSyncSplit(t *testing.T) {
	ksync := make([]byte, 64)
	for i := range ksync {
		ksync[i] = byte(i)
	}
	kb, err := KeyBundleFromKSyncBytes(ksync)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(ksync[:32], kb.EncryptionKey()))
	assert.True(t, bytes.Equal(ksync[32:], kb.HMACKey()))

	fromB64, err := KeyBundleFromKSyncB64(base64.RawURLEncoding.EncodeToString(ksync))
	require.NoError(t, err)
	assert.Equal(t, kb, fromB64)
}

func TestKeyBundleFromKB(t *testing.T) {
	kb1, err := KeyBundleFromKB(make([]byte, 32))
	require.NoError(t, err)
	kb2, err := KeyBundleFromKB(make([]byte, 32))
	require.NoError(t, err)
	// Derivation is deterministic.
	assert.Equal(t, kb1, kb2)

	var blk *BadKeyLengthError
	_, err = KeyBundleFromKB(make([]byte, 31))
	assert.True(t, errors.As(err, &blk))
}

func TestKeyBundleRedactedStringer(t *testing.T) {
	kb := testBundle(t)
	assert.NotContains(t, kb.String(), testEncKey[:8])
	assert.Equal(t, "KeyBundle{..}", kb.String())
}
