package cryptoutil

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupRoundTrip(t *testing.T) {
	frame, err := EncryptGroup("my-topic", []byte("hello there"))
	require.NoError(t, err)
	plaintext, err := DecryptGroup("my-topic", frame)
	require.NoError(t, err)
	assert.Equal(t, "hello there", string(plaintext))
}

func TestGroupRoundTripUnicode(t *testing.T) {
	// Scenario S5.
	frame, err := EncryptGroup("unicode", []byte("Hello 🎉"))
	require.NoError(t, err)
	plaintext, err := DecryptGroup("unicode", frame)
	require.NoError(t, err)
	assert.Equal(t, "Hello 🎉", string(plaintext))
}

func TestGroupWrongTopicFails(t *testing.T) {
	frame, err := EncryptGroup("topic-one", []byte("secret"))
	require.NoError(t, err)
	_, err = DecryptGroup("topic-two", frame)
	require.Error(t, err)
}

func TestGroupEncryptionIsNondeterministic(t *testing.T) {
	frame1, err := EncryptGroup("t", []byte("same plaintext"))
	require.NoError(t, err)
	frame2, err := EncryptGroup("t", []byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, frame1, frame2)

	nonce1 := strings.Split(frame1, ":")[1]
	nonce2 := strings.Split(frame2, ":")[1]
	assert.NotEqual(t, nonce1, nonce2)
}

func TestGroupBitFlipInCiphertextFails(t *testing.T) {
	frame, err := EncryptGroup("t", []byte("tamper me"))
	require.NoError(t, err)
	parts := strings.Split(frame, ":")
	require.Len(t, parts, 4)

	flipped := flipLastBase64Byte(parts[2])
	tampered := strings.Join([]string{parts[0], parts[1], flipped, parts[3]}, ":")
	_, err = DecryptGroup("t", tampered)
	require.Error(t, err)
}

func TestGroupBitFlipInTagFails(t *testing.T) {
	frame, err := EncryptGroup("t", []byte("tamper me"))
	require.NoError(t, err)
	parts := strings.Split(frame, ":")
	require.Len(t, parts, 4)

	flipped := flipLastBase64Byte(parts[3])
	tampered := strings.Join([]string{parts[0], parts[1], parts[2], flipped}, ":")
	_, err = DecryptGroup("t", tampered)
	require.Error(t, err)
}

func TestGroupWrongNonceLengthFails(t *testing.T) {
	_, err := DecryptGroup("t", "v2:AAAA:AAAA:AAAA")
	require.Error(t, err)
}

func TestGroupLegacyDecryptSucceeds(t *testing.T) {
	frame, err := EncryptGroupLegacy("archival-topic", []byte("old message"))
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(frame, "v2:"))

	plaintext, err := DecryptGroup("archival-topic", frame)
	require.NoError(t, err)
	assert.Equal(t, "old message", string(plaintext))
}

func TestGroupRejectsOversizedTopic(t *testing.T) {
	huge := strings.Repeat("a", MaxTopicLen+1)
	_, err := EncryptGroup(huge, []byte("x"))
	require.Error(t, err)
}

func TestGroupRejectsEmptyTopic(t *testing.T) {
	_, err := EncryptGroup("", []byte("x"))
	require.Error(t, err)
}

// flipLastBase64Byte decodes-flips-reencodes the last byte of a
// base64-encoded field so the change lands inside the binary payload
// rather than in base64 padding.
func flipLastBase64Byte(b64Str string) string {
	data, err := base64.StdEncoding.DecodeString(b64Str)
	if err != nil || len(data) == 0 {
		return b64Str
	}
	data[len(data)-1] ^= 0xFF
	return base64.StdEncoding.EncodeToString(data)
}
