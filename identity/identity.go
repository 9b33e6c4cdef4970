// Package identity loads or creates the agent's long-lived secp256k1
// keypair — the stable address every peer uses to reach this agent
// (spec.md §3/§4.C). It is encrypted at rest via storagekey.Custodian,
// grounded on the teacher's loadKeys/runKeygen (main.go, nostr.go) which
// generate a nostr keypair and persist it via nip19 bech32 encoding; this
// version persists the raw secret key encrypted, since AgentPulse has no
// interactive nsec-export flow.
package identity

import (
	"encoding/hex"
	"os"

	"github.com/agentpulse/agentpulse/apperr"
	"github.com/agentpulse/agentpulse/pathreg"
	"github.com/agentpulse/agentpulse/storagekey"
	"github.com/nbd-wtf/go-nostr"
)

// Identity is an agent's stable secp256k1 keypair.
type Identity struct {
	SecretKeyHex string
	PublicKeyHex string
}

// Load reads the identity file, decrypting it with the custodian's
// current key. If absent, a fresh keypair is generated and persisted
// encrypted. The public key returned is always 64 lowercase hex
// characters, the stable agent address (spec.md §3).
func Load(reg pathreg.Registry, cust *storagekey.Custodian) (Identity, error) {
	path := reg.IdentityFile()

	if data, err := os.ReadFile(path); err == nil {
		return decode(cust, string(data))
	} else if !os.IsNotExist(err) {
		return Identity{}, apperr.Wrap(apperr.FileError, "read identity file", err)
	}

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.InternalError, "derive public key", err)
	}
	id := Identity{SecretKeyHex: sk, PublicKeyHex: pk}

	if err := persist(reg, cust, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func decode(cust *storagekey.Custodian, frame string) (Identity, error) {
	mat, err := cust.Get()
	if err != nil {
		return Identity{}, err
	}
	plaintext, err := storagekey.DecryptForStorage(mat.Key, frame)
	if err != nil {
		return Identity{}, err
	}
	if len(plaintext) != 64 {
		return Identity{}, apperr.New(apperr.FileError, "malformed identity plaintext")
	}
	sk := string(plaintext[:64])
	skBytes, err := hex.DecodeString(sk)
	if err != nil || len(skBytes) != 32 {
		return Identity{}, apperr.New(apperr.FileError, "malformed identity secret key")
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.InternalError, "derive public key", err)
	}
	return Identity{SecretKeyHex: sk, PublicKeyHex: pk}, nil
}

func persist(reg pathreg.Registry, cust *storagekey.Custodian, id Identity) error {
	mat, err := cust.Get()
	if err != nil {
		return err
	}
	frame, err := storagekey.EncryptForStorage(mat.Key, []byte(id.SecretKeyHex))
	if err != nil {
		return err
	}
	tmp := reg.IdentityFile() + ".tmp"
	if err := os.WriteFile(tmp, []byte(frame), 0o600); err != nil {
		return apperr.Wrap(apperr.FileError, "write temporary identity file", err)
	}
	if err := os.Rename(tmp, reg.IdentityFile()); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.FileError, "rename identity file into place", err)
	}
	return nil
}

// Reencrypt rewrites the identity file under newKey, used after
// storagekey.Custodian.Rotate().
func Reencrypt(reg pathreg.Registry, id Identity, newKey [32]byte) error {
	frame, err := storagekey.EncryptForStorage(newKey, []byte(id.SecretKeyHex))
	if err != nil {
		return err
	}
	tmp := reg.IdentityFile() + ".tmp"
	if err := os.WriteFile(tmp, []byte(frame), 0o600); err != nil {
		return apperr.Wrap(apperr.FileError, "write temporary identity file", err)
	}
	if err := os.Rename(tmp, reg.IdentityFile()); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.FileError, "rename identity file into place", err)
	}
	return nil
}
