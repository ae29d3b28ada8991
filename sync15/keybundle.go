package sync15

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/crypto/hkdf"
)

// oldSyncInfo is the HKDF info string the account layer uses to derive the
// 64-byte kSync from the 32-byte kB.
const oldSyncInfo = "identity.mozilla.com/picl/v1/oldsync"

// KeyBundle holds the encryption and HMAC keys for one collection (or the
// account default). Both keys are always exactly 32 bytes. The bundle is
// immutable after construction and must never be persisted in cleartext.
//
// Records are sealed with the legacy Sync construction: AES-256-CBC over a
// PKCS#7-padded cleartext, authenticated by HMAC-SHA256 computed over the
// base64 ciphertext *string* bytes, not the raw ciphertext.
type KeyBundle struct {
	encKey []byte
	macKey []byte
}

// NewKeyBundle constructs a bundle from already-decoded keys.
func NewKeyBundle(enc, mac []byte) (*KeyBundle, error) {
	if len(enc) != 32 {
		return nil, &BadKeyLengthError{Name: "enc_key", Got: len(enc), Want: 32}
	}
	if len(mac) != 32 {
		return nil, &BadKeyLengthError{Name: "mac_key", Got: len(mac), Want: 32}
	}
	kb := &KeyBundle{encKey: make([]byte, 32), macKey: make([]byte, 32)}
	copy(kb.encKey, enc)
	copy(kb.macKey, mac)
	return kb, nil
}

// NewRandomKeyBundle draws 64 bytes from the CSPRNG and splits them.
func NewRandomKeyBundle() (*KeyBundle, error) {
	buf := make([]byte, 64)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("reading random key material: %w", err)
	}
	return KeyBundleFromKSyncBytes(buf)
}

// KeyBundleFromKSyncBytes splits a 64-byte kSync buffer at byte 32.
func KeyBundleFromKSyncBytes(ksync []byte) (*KeyBundle, error) {
	if len(ksync) != 64 {
		return nil, &BadKeyLengthError{Name: "kSync", Got: len(ksync), Want: 64}
	}
	return NewKeyBundle(ksync[0:32], ksync[32:64])
}

// KeyBundleFromKSyncB64 decodes a urlsafe-nopad base64 kSync.
func KeyBundleFromKSyncB64(ksync string) (*KeyBundle, error) {
	bytes, err := base64.RawURLEncoding.DecodeString(ksync)
	if err != nil {
		return nil, fmt.Errorf("decoding kSync: %w", err)
	}
	return KeyBundleFromKSyncBytes(bytes)
}

// KeyBundleFromB64 decodes standard-base64 enc and mac keys.
func KeyBundleFromB64(enc, mac string) (*KeyBundle, error) {
	encBytes, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decoding enc key: %w", err)
	}
	macBytes, err := base64.StdEncoding.DecodeString(mac)
	if err != nil {
		return nil, fmt.Errorf("decoding mac key: %w", err)
	}
	return NewKeyBundle(encBytes, macBytes)
}

// KeyBundleFromKB derives kSync from a raw FxA kB via HKDF-SHA256 and builds
// the bundle from it.
func KeyBundleFromKB(kb []byte) (*KeyBundle, error) {
	if len(kb) != 32 {
		return nil, &BadKeyLengthError{Name: "kB", Got: len(kb), Want: 32}
	}
	r := hkdf.New(sha256.New, kb, nil, []byte(oldSyncInfo))
	ksync := make([]byte, 64)
	if _, err := io.ReadFull(r, ksync); err != nil {
		return nil, fmt.Errorf("deriving kSync: %w", err)
	}
	return KeyBundleFromKSyncBytes(ksync)
}

// EncryptionKey returns the raw encryption key.
func (kb *KeyBundle) EncryptionKey() []byte { return kb.encKey }

// HMACKey returns the raw HMAC key.
func (kb *KeyBundle) HMACKey() []byte { return kb.macKey }

// ToB64Array returns [enc, mac] standard-base64 encoded, the crypto/keys
// wire shape.
func (kb *KeyBundle) ToB64Array() [2]string {
	return [2]string{
		base64.StdEncoding.EncodeToString(kb.encKey),
		base64.StdEncoding.EncodeToString(kb.macKey),
	}
}

// String prints a redacted placeholder; key material never appears in logs.
func (kb *KeyBundle) String() string { return "KeyBundle{..}" }

// GoString prints a redacted placeholder for %#v as well.
func (kb *KeyBundle) GoString() string { return "sync15.KeyBundle{..}" }

// Decrypt verifies the hex HMAC over the base64 ciphertext, then decrypts
// and returns the cleartext string. Verification always happens before any
// decryption is attempted. Malformed HMAC hex yields ErrHmacMismatch, the
// same as a real mismatch, so nothing about the failure mode leaks.
func (kb *KeyBundle) Decrypt(ciphertextB64, ivB64, hmacHex string) (string, error) {
	expected := make([]byte, sha256.Size)
	if len(hmacHex) != sha256.Size*2 {
		return "", ErrHmacMismatch
	}
	if _, err := hex.Decode(expected, []byte(hmacHex)); err != nil {
		return "", ErrHmacMismatch
	}
	if !kb.verifyHMAC(expected, ciphertextB64) {
		return "", ErrHmacMismatch
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return "", fmt.Errorf("decoding IV: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	cleartext, err := decryptCBC(kb.encKey, iv, ciphertext)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(cleartext) {
		return "", fmt.Errorf("bad cleartext: not valid UTF-8")
	}
	return string(cleartext), nil
}

// EncryptBytesWithIV seals cleartext with the provided 16-byte IV and
// returns (base64 ciphertext, lowercase hex HMAC).
func (kb *KeyBundle) EncryptBytesWithIV(cleartext, iv []byte) (string, string, error) {
	ciphertext, err := encryptCBC(kb.encKey, iv, cleartext)
	if err != nil {
		return "", "", err
	}
	encB64 := base64.StdEncoding.EncodeToString(ciphertext)
	mac := hmac.New(sha256.New, kb.macKey)
	mac.Write([]byte(encB64))
	return encB64, hex.EncodeToString(mac.Sum(nil)), nil
}

// EncryptBytesRandIV draws a random IV and seals with it, returning
// (base64 ciphertext, base64 IV, hex HMAC).
func (kb *KeyBundle) EncryptBytesRandIV(cleartext []byte) (string, string, string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", "", "", fmt.Errorf("reading random IV: %w", err)
	}
	encB64, hmacHex, err := kb.EncryptBytesWithIV(cleartext, iv)
	if err != nil {
		return "", "", "", err
	}
	return encB64, base64.StdEncoding.EncodeToString(iv), hmacHex, nil
}

func (kb *KeyBundle) verifyHMAC(expected []byte, ciphertextB64 string) bool {
	mac := hmac.New(sha256.New, kb.macKey)
	mac.Write([]byte(ciphertextB64))
	return subtle.ConstantTimeCompare(mac.Sum(nil), expected) == 1
}

func encryptCBC(key, iv, cleartext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("bad IV length %d", len(iv))
	}
	padded := padPKCS7(cleartext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func decryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("bad IV length %d", len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("bad ciphertext length %d", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return unpadPKCS7(out, aes.BlockSize)
}

func padPKCS7(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpadPKCS7(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("bad PKCS#7 padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("bad PKCS#7 padding")
		}
	}
	return b[:len(b)-n], nil
}
