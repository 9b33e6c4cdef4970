// Package storagekey generates, persists, rotates, and serves the
// process-wide symmetric key used to encrypt AgentPulse's at-rest state
// (spec.md §4.B). The atomic-write-then-rename and permission discipline
// are grounded on the teacher pack's crypto.EncryptedKeyStore
// (opd-ai-toxcore), generalized from a password-derived PBKDF2 key to a
// random 32-byte key with an explicit rotation timestamp, since
// AgentPulse has no human passphrase in its threat model.
package storagekey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentpulse/agentpulse/apperr"
	"github.com/agentpulse/agentpulse/pathreg"
)

// DefaultRotationInterval is the recommended storage-key rotation period
// (spec.md §3: "recommended rotation interval 30 days").
const DefaultRotationInterval = 30 * 24 * time.Hour

// Material is the custodian's cached key plus its creation/rotation time.
type Material struct {
	Key       [32]byte
	CreatedAt time.Time
}

// Custodian owns the lifecycle of the storage key file. It is a value
// constructed with the paths it needs, not a package-level singleton —
// see the cyclic-global-state design note.
type Custodian struct {
	reg      pathreg.Registry
	interval time.Duration
	cached   *Material
}

// New constructs a Custodian. interval <= 0 falls back to
// DefaultRotationInterval.
func New(reg pathreg.Registry, interval time.Duration) *Custodian {
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	return &Custodian{reg: reg, interval: interval}
}

// Get returns the cached key, loading or generating it on first call.
// The key file is refused if it is a symbolic link — a swapped data
// directory could otherwise point the custodian at attacker-controlled
// key material.
func (c *Custodian) Get() (Material, error) {
	if c.cached != nil {
		return *c.cached, nil
	}

	path := c.reg.StorageKeyFile()
	info, err := os.Lstat(path)
	switch {
	case err == nil:
		if info.Mode()&os.ModeSymlink != 0 {
			return Material{}, apperr.New(apperr.PathSafety, "storage key file is a symbolic link: "+path)
		}
		m, err := c.readMaterial(path)
		if err != nil {
			return Material{}, err
		}
		c.cached = &m
		return m, nil
	case os.IsNotExist(err):
		m, err := c.generateAndPersist(path)
		if err != nil {
			return Material{}, err
		}
		c.cached = &m
		return m, nil
	default:
		return Material{}, apperr.Wrap(apperr.FileError, "stat storage key file", err)
	}
}

// ShouldRotate reports whether the cached key is older than the
// configured rotation interval.
func (c *Custodian) ShouldRotate() (bool, error) {
	m, err := c.Get()
	if err != nil {
		return false, err
	}
	return time.Since(m.CreatedAt) >= c.interval, nil
}

// Rotate generates a fresh key, atomically replaces the key file, and
// returns (old, new) so the caller can re-encrypt persisted blobs.
func (c *Custodian) Rotate() (old, new Material, err error) {
	old, err = c.Get()
	if err != nil {
		return Material{}, Material{}, err
	}

	var key [32]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return Material{}, Material{}, apperr.Wrap(apperr.InternalError, "generate rotation key", err)
	}
	new = Material{Key: key, CreatedAt: time.Now()}

	if err := writeMaterial(c.reg.StorageKeyFile(), new); err != nil {
		return Material{}, Material{}, err
	}
	c.cached = &new
	return old, new, nil
}

func (c *Custodian) generateAndPersist(path string) (Material, error) {
	var key [32]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return Material{}, apperr.Wrap(apperr.InternalError, "generate storage key", err)
	}
	m := Material{Key: key, CreatedAt: time.Now()}
	if err := writeMaterial(path, m); err != nil {
		return Material{}, err
	}
	return m, nil
}

func (c *Custodian) readMaterial(path string) (Material, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Material{}, apperr.Wrap(apperr.FileError, "read storage key file", err)
	}
	// Format: base64(key) "\n" unix-seconds-created-at
	parts := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	keyBytes, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(keyBytes) != 32 {
		return Material{}, apperr.New(apperr.FileError, "malformed storage key file")
	}
	created := time.Now()
	if len(parts) == 2 {
		if secs, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64); err == nil {
			created = time.Unix(secs, 0)
		}
	}
	var m Material
	copy(m.Key[:], keyBytes)
	m.CreatedAt = created
	return m, nil
}

// writeMaterial persists a key via write-temp-then-atomic-rename with
// owner-only (0600) permissions.
func writeMaterial(path string, m Material) error {
	content := base64.StdEncoding.EncodeToString(m.Key[:]) + "\n" + strconv.FormatInt(m.CreatedAt.Unix(), 10) + "\n"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return apperr.Wrap(apperr.FileError, "write temporary storage key file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.FileError, "rename storage key file into place", err)
	}
	return nil
}

// EncryptForStorage encrypts plaintext under key with AES-256-CBC and a
// fresh random IV, framed as base64(iv) ":" base64(ciphertext) per
// spec.md §4.B. Exposed as a free function (not a Custodian method) so a
// caller holding a raw key from Rotate's (old, new) pair can re-encrypt
// without going back through the custodian.
func EncryptForStorage(key [32]byte, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", apperr.Wrap(apperr.InternalError, "create AES cipher", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", apperr.Wrap(apperr.InternalError, "generate IV", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(iv) + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptForStorage reverses EncryptForStorage. A malformed frame fails
// with a format error.
func DecryptForStorage(key [32]byte, frame string) ([]byte, error) {
	parts := strings.SplitN(frame, ":", 2)
	if len(parts) != 2 {
		return nil, apperr.New(apperr.FileError, "malformed storage frame")
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return nil, apperr.New(apperr.FileError, "malformed storage frame IV")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, apperr.New(apperr.FileError, "malformed storage frame ciphertext")
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "create AES cipher", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, apperr.New(apperr.FileError, "empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, apperr.New(apperr.FileError, "invalid PKCS7 padding")
	}
	return data[:len(data)-padLen], nil
}
