package identity

import (
	"testing"
	"time"

	"github.com/agentpulse/agentpulse/pathreg"
	"github.com/agentpulse/agentpulse/storagekey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesThenPersists(t *testing.T) {
	reg, err := pathreg.New(t.TempDir())
	require.NoError(t, err)
	cust := storagekey.New(reg, time.Hour)

	first, err := Load(reg, cust)
	require.NoError(t, err)
	assert.Len(t, first.PublicKeyHex, 64)
	assert.Len(t, first.SecretKeyHex, 64)

	// S6: identity persists across restart — a fresh Load call (simulating
	// a service restart) must return the same public key.
	second, err := Load(reg, cust)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKeyHex, second.PublicKeyHex)
	assert.Equal(t, first.SecretKeyHex, second.SecretKeyHex)
}

func TestLoadAcrossFreshCustodian(t *testing.T) {
	reg, err := pathreg.New(t.TempDir())
	require.NoError(t, err)

	first, err := Load(reg, storagekey.New(reg, time.Hour))
	require.NoError(t, err)

	second, err := Load(reg, storagekey.New(reg, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.PublicKeyHex, second.PublicKeyHex)
}
