// Package crypto derives per-conversation symmetric keys and seals/opens
// message bodies for at-rest storage. Keys are never stored: they are
// recomputed from a membership snapshot plus a process-global master key,
// so a restarted server can decrypt history as long as the master key and
// the membership set of the time both survive.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/doroteaMonaco/ruggine-server/server/store/types"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// NonceSize is the GCM standard nonce length in bytes.
const NonceSize = 12

// hkdfSalt is fixed across the deployment: the derivation's only entropy
// source is the master key and the participant set, per the key-derivation
// contract (identical inputs must yield identical keys).
var hkdfSalt = []byte("ruggine-chat-conversation-key-v1")

// ErrOpenFailed reports an AEAD tag mismatch on Open.
var ErrOpenFailed = errors.New("crypto: open failed")

// DecryptionFailedSentinel is what callers render in place of plaintext
// when every candidate key in the fallback ladder fails to open a row.
const DecryptionFailedSentinel = "[DECRYPTION FAILED]"

// DeriveKey computes the deterministic AES-256 key for a conversation
// identified by its participant id set. participants is sorted and
// deduplicated internally, so callers may pass it in any order.
func DeriveKey(masterKey []byte, participants []string) ([]byte, error) {
	ids := append([]string(nil), participants...)
	sort.Strings(ids)
	ids = dedupe(ids)

	info := []byte(strings.Join(ids, "\x1f"))
	kdf := hkdf.New(sha256.New, masterKey, hkdfSalt, info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0:0]
	var prev string
	first := true
	for _, s := range sorted {
		if first || s != prev {
			out = append(out, s)
			prev = s
			first = false
		}
	}
	return out
}

// Seal encrypts plaintext under key with a freshly drawn random nonce.
// Associated data is empty.
func Seal(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Open decrypts ciphertext under key and nonce. Returns ErrOpenFailed on
// tag mismatch; this is a routine, expected outcome for a wrong candidate
// key in the historical fallback ladder, not a fatal condition.
func Open(ciphertext, nonce, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

// EncryptForStorage seals plaintext under key and returns the JSON storage
// envelope (base64 ciphertext + base64 nonce).
func EncryptForStorage(plaintext string, key []byte) (string, error) {
	ct, nonce, err := Seal([]byte(plaintext), key)
	if err != nil {
		return "", err
	}
	blob := types.MessageBlob{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}
	out, err := json.Marshal(blob)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DecryptFromStorage attempts to parse raw as the structured envelope and
// open it under key. ok is false if raw is not a well-formed envelope at
// all (the caller should then treat raw as legacy plaintext); err is
// non-nil only when the envelope parsed but the AEAD open failed.
func DecryptFromStorage(raw string, key []byte) (plaintext string, ok bool, err error) {
	var blob types.MessageBlob
	if jsonErr := json.Unmarshal([]byte(raw), &blob); jsonErr != nil || blob.Ciphertext == "" || blob.Nonce == "" {
		return "", false, nil
	}
	ct, dErr := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if dErr != nil {
		return "", true, ErrOpenFailed
	}
	nonce, dErr := base64.StdEncoding.DecodeString(blob.Nonce)
	if dErr != nil {
		return "", true, ErrOpenFailed
	}
	pt, openErr := Open(ct, nonce, key)
	if openErr != nil {
		return "", true, openErr
	}
	return string(pt), true, nil
}
