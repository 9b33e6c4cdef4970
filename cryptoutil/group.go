package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"github.com/agentpulse/agentpulse/apperr"
	"golang.org/x/crypto/hkdf"
)

// appIDv3 is the current app identifier mixed into HKDF derivation for
// the v2-framed AES-256-GCM group format (spec.md §4.E: the app id
// string bumped to v3 while the wire frame token stayed "v2").
const appIDv3 = "agent-p2p-group-v3"

// appIDv2 is the legacy app identifier for the pre-GCM AES-256-CBC
// group format, kept only for decrypting archival ciphertexts.
const appIDv2 = "agent-p2p-group-v2"

// MaxTopicLen is the maximum accepted topic length (spec.md §4.E).
const MaxTopicLen = 200

func validateTopic(topic string) error {
	if topic == "" || len(topic) > MaxTopicLen {
		return apperr.Newf(apperr.InvalidArgs, "topic must be 1..%d bytes, got %d", MaxTopicLen, len(topic))
	}
	return nil
}

func hkdfBytes(ikm, salt []byte, info string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "HKDF derivation failed", err)
	}
	return out, nil
}

// groupKeyV2 derives the current (v2-framed, GCM) group symmetric key:
// a first HKDF pass derives a salt from the topic, then a second pass
// derives the 32-byte encryption key using that salt.
func groupKeyV2(topic string) ([]byte, error) {
	salt, err := hkdfBytes([]byte(topic), []byte(appIDv3), "salt", 32)
	if err != nil {
		return nil, err
	}
	return hkdfBytes([]byte(topic), salt, "encryption", 32)
}

// EncryptGroup seals plaintext for the given topic using AES-256-GCM
// with a fresh 12-byte nonce and the raw topic bytes as AAD, framed as
// "v2" ":" base64(nonce) ":" base64(ciphertext) ":" base64(tag). New
// code never produces the legacy format (spec.md §4.E).
func EncryptGroup(topic string, plaintext []byte) (string, error) {
	if err := validateTopic(topic); err != nil {
		return "", err
	}
	key, err := groupKeyV2(topic)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", apperr.Wrap(apperr.InternalError, "create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperr.Wrap(apperr.InternalError, "create GCM", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperr.Wrap(apperr.InternalError, "generate nonce", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, []byte(topic))
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		"v2",
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(tag),
	}, ":"), nil
}

// DecryptGroup reverses EncryptGroup for "v2:"-prefixed frames, and
// falls back to the legacy AES-256-CBC format otherwise (any ciphertext
// not prefixed "v2:" is interpreted as legacy — spec.md §4.E).
// Authentication failures never surface partial plaintext.
func DecryptGroup(topic string, frame string) ([]byte, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}
	if strings.HasPrefix(frame, "v2:") {
		return decryptGroupV2(topic, frame)
	}
	return decryptGroupLegacy(topic, frame)
}

func decryptGroupV2(topic, frame string) ([]byte, error) {
	parts := strings.Split(frame, ":")
	if len(parts) != 4 {
		return nil, apperr.New(apperr.FileError, "malformed v2 group frame")
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(nonce) != 12 {
		return nil, apperr.New(apperr.FileError, "malformed v2 group nonce")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, apperr.New(apperr.FileError, "malformed v2 group ciphertext")
	}
	tag, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil || len(tag) != 16 {
		return nil, apperr.New(apperr.FileError, "malformed v2 group tag")
	}

	key, err := groupKeyV2(topic)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "create GCM", err)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(topic))
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidSignature, "group message authentication failed", err)
	}
	return plaintext, nil
}

// decryptGroupLegacy reverses the pre-GCM AES-256-CBC group format:
// key=HKDF(topic, salt=app_id_v2, "encryption", 32), and the IV is the
// concatenation of an 8-byte value deterministically derived from the
// topic (HKDF(topic, salt=app_id_v2, "iv", 8)) and an 8-byte value
// carried in the frame itself. Frame: base64(ivSuffix) ":" base64(ct).
// This format is never produced by new code; it remains decryptable for
// archival reads (spec.md §4.E, §9 open question (a)).
func decryptGroupLegacy(topic, frame string) ([]byte, error) {
	parts := strings.SplitN(frame, ":", 2)
	if len(parts) != 2 {
		return nil, apperr.New(apperr.FileError, "malformed legacy group frame")
	}
	ivSuffix, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(ivSuffix) != 8 {
		return nil, apperr.New(apperr.FileError, "malformed legacy group IV suffix")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, apperr.New(apperr.FileError, "malformed legacy group ciphertext")
	}

	ivPrefix, err := hkdfBytes([]byte(topic), []byte(appIDv2), "iv", 8)
	if err != nil {
		return nil, err
	}
	iv := append(append([]byte{}, ivPrefix...), ivSuffix...)

	key, err := hkdfBytes([]byte(topic), []byte(appIDv2), "encryption", 32)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "create AES cipher", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

// EncryptGroupLegacy exists only to produce fixtures for archival-read
// tests; it is never called from production code paths (spec.md §4.E:
// "legacy encryption is never produced by new code").
func EncryptGroupLegacy(topic string, plaintext []byte) (string, error) {
	if err := validateTopic(topic); err != nil {
		return "", err
	}
	ivPrefix, err := hkdfBytes([]byte(topic), []byte(appIDv2), "iv", 8)
	if err != nil {
		return "", err
	}
	ivSuffix := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, ivSuffix); err != nil {
		return "", apperr.Wrap(apperr.InternalError, "generate IV suffix", err)
	}
	iv := append(append([]byte{}, ivPrefix...), ivSuffix...)

	key, err := hkdfBytes([]byte(topic), []byte(appIDv2), "encryption", 32)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", apperr.Wrap(apperr.InternalError, "create AES cipher", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ivSuffix) + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}
