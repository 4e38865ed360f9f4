package escrow

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"

	"github.com/AltairaLabs/promptguard/internal/secerr"
)

// signingPrefix domain-separates recovery signatures from any other use
// of the parties' keys.
const signingPrefix = "promptguard-recovery-v1"

// SigningMessage renders the canonical byte string a party signs to
// authorize a recovery request. The signature covers the request id,
// requester, target key id and justification; the signer's identity is
// bound by their key, not by the message.
func SigningMessage(req *RecoveryRequest) []byte {
	return []byte(strings.Join([]string{
		signingPrefix,
		req.RequestID.String(),
		req.Requester,
		req.KeyID,
		req.Reason,
	}, "|"))
}

// Ed25519Verifier verifies recovery signatures as Ed25519 signatures
// over the canonical signing message, using a fixed registry of party
// public keys.
type Ed25519Verifier struct {
	keys map[string]ed25519.PublicKey
}

// NewEd25519Verifier creates a verifier over the given signer→public-key
// registry. Keys must be valid Ed25519 public keys.
func NewEd25519Verifier(keys map[string]ed25519.PublicKey) (*Ed25519Verifier, error) {
	const op = "escrow.NewEd25519Verifier"

	registry := make(map[string]ed25519.PublicKey, len(keys))
	for signer, key := range keys {
		if len(key) != ed25519.PublicKeySize {
			return nil, secerr.New(secerr.KindConfiguration, op,
				"invalid public key size for signer %s: got %d, want %d",
				signer, len(key), ed25519.PublicKeySize)
		}
		registry[signer] = append(ed25519.PublicKey(nil), key...)
	}
	return &Ed25519Verifier{keys: registry}, nil
}

// Verify checks that sig.Value is a hex-encoded Ed25519 signature by
// sig.Signer over the request's canonical signing message.
func (v *Ed25519Verifier) Verify(req *RecoveryRequest, sig Signature) error {
	const op = "escrow.Ed25519Verifier.Verify"

	pub, ok := v.keys[sig.Signer]
	if !ok {
		return secerr.New(secerr.KindAuthentication, op, "no public key registered for signer %s", sig.Signer)
	}

	raw, err := hex.DecodeString(sig.Value)
	if err != nil {
		return secerr.Wrap(secerr.KindAuthentication, op, "malformed signature encoding", err)
	}
	if len(raw) != ed25519.SignatureSize {
		return secerr.New(secerr.KindAuthentication, op,
			"invalid signature size: got %d, want %d", len(raw), ed25519.SignatureSize)
	}

	if !ed25519.Verify(pub, SigningMessage(req), raw) {
		return secerr.New(secerr.KindAuthentication, op, "invalid signature from %s", sig.Signer)
	}
	return nil
}

// Sign produces the hex-encoded signature value for a request. It is a
// convenience for operator tooling and tests; the private key never
// enters the escrow itself.
func Sign(priv ed25519.PrivateKey, req *RecoveryRequest) string {
	return hex.EncodeToString(ed25519.Sign(priv, SigningMessage(req)))
}
