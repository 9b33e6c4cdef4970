// Package cryptoutil implements AgentPulse's message sealing: per-
// recipient direct-message encryption (ECDH-derived AES-256-CBC) and
// per-topic group encryption (HKDF-derived AES-256-GCM, with a legacy
// AES-256-CBC format kept for archival reads). It uses the same
// secp256k1 curve the teacher's Nostr stack already depends on
// transitively, so a shared secret computed here interops with any
// relay client library expecting NIP-04-style ECDH (spec.md §9's
// crypto-backend-choice design note).
package cryptoutil

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/agentpulse/agentpulse/apperr"
	"github.com/btcsuite/btcd/btcec/v2"
)

// ValidatePubkeyHex rejects anything that isn't 64 lowercase hex
// characters, backing error scenario S1 (send to invalid pubkey).
func ValidatePubkeyHex(pk string) error {
	if len(pk) != 64 {
		return apperr.Newf(apperr.InvalidPubkey, "pubkey must be 64 hex characters, got %d", len(pk))
	}
	for _, c := range pk {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return apperr.New(apperr.InvalidPubkey, "pubkey must be lowercase hex")
		}
	}
	if _, err := hex.DecodeString(pk); err != nil {
		return apperr.Wrap(apperr.InvalidPubkey, "pubkey is not valid hex", err)
	}
	return nil
}

// ecdhSharedSecret computes the ECDH shared point between secretKeyHex
// and the x-only recipientPubkeyHex, then hashes the X coordinate to a
// 32-byte symmetric key — the same derivation NIP-04 clients use, so
// AgentPulse interops with any relay-side viewer of the same scheme.
func ecdhSharedSecret(secretKeyHex, pubkeyHex string) ([32]byte, error) {
	var out [32]byte

	skBytes, err := hex.DecodeString(secretKeyHex)
	if err != nil || len(skBytes) != 32 {
		return out, apperr.New(apperr.InternalError, "malformed secret key")
	}
	priv, _ := btcec.PrivKeyFromBytes(skBytes)

	if err := ValidatePubkeyHex(pubkeyHex); err != nil {
		return out, err
	}
	pkBytes, _ := hex.DecodeString(pubkeyHex)
	// Nostr pubkeys are x-only (BIP-340); assume the even-Y point, the
	// universal convention for NIP-04/NIP-44 shared-secret derivation.
	compressed := append([]byte{0x02}, pkBytes...)
	pub, err := btcec.ParsePubKey(compressed)
	if err != nil {
		return out, apperr.Wrap(apperr.InvalidPubkey, "parse recipient public key", err)
	}

	var point, result btcec.JacobianPoint
	pub.AsJacobian(&point)
	btcec.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()

	xBytes := result.X.Bytes()
	out = sha256.Sum256(xBytes[:])
	return out, nil
}
