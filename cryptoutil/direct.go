package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"strings"

	"github.com/agentpulse/agentpulse/apperr"
)

// EncryptDirect seals plaintext for recipientPubkeyHex using an
// ECDH-derived AES-256-CBC key and a fresh 16-byte IV, framed as
// base64(ciphertext) "?iv=" base64(iv) — the legacy NIP-04 framing
// spec.md §4.E pins for direct messages.
func EncryptDirect(senderSecretKeyHex, recipientPubkeyHex string, plaintext []byte) (string, error) {
	key, err := ecdhSharedSecret(senderSecretKeyHex, recipientPubkeyHex)
	if err != nil {
		return "", err
	}

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

	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// DecryptDirect reverses EncryptDirect using the recipient's own secret
// key and the sender's public key (ECDH is symmetric in the two keys
// used). A malformed frame or wrong IV length fails without partial
// decryption.
func DecryptDirect(recipientSecretKeyHex, senderPubkeyHex string, frame string) ([]byte, error) {
	key, err := ecdhSharedSecret(recipientSecretKeyHex, senderPubkeyHex)
	if err != nil {
		return nil, err
	}

	idx := strings.Index(frame, "?iv=")
	if idx < 0 {
		return nil, apperr.New(apperr.FileError, "malformed direct-message frame: missing ?iv=")
	}
	ctPart, ivPart := frame[:idx], frame[idx+len("?iv="):]

	ciphertext, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, apperr.New(apperr.FileError, "malformed direct-message ciphertext")
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, apperr.New(apperr.FileError, "malformed direct-message IV")
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
