package escrow

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/promptguard/internal/audit"
	"github.com/AltairaLabs/promptguard/internal/secerr"
)

type signerKeys struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func generateSigners(t *testing.T, names ...string) map[string]signerKeys {
	t.Helper()
	out := make(map[string]signerKeys, len(names))
	for _, name := range names {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
		out[name] = signerKeys{pub: pub, priv: priv}
	}
	return out
}

func verifierFor(t *testing.T, keys map[string]signerKeys) *Ed25519Verifier {
	t.Helper()
	registry := make(map[string]ed25519.PublicKey, len(keys))
	for name, k := range keys {
		registry[name] = k.pub
	}
	v, err := NewEd25519Verifier(registry)
	if err != nil {
		t.Fatalf("NewEd25519Verifier failed: %v", err)
	}
	return v
}

func signedRequest(keyID string, keys map[string]signerKeys, signers ...string) *RecoveryRequest {
	req := &RecoveryRequest{
		RequestID: uuid.New(),
		Requester: "ops-oncall",
		KeyID:     keyID,
		Reason:    "break-glass drill",
		Timestamp: time.Now().UTC(),
	}
	for _, s := range signers {
		req.Signatures = append(req.Signatures, Signature{
			Signer:    s,
			Value:     Sign(keys[s].priv, req),
			Timestamp: time.Now().UTC(),
		})
	}
	return req
}

func TestNewEd25519VerifierRejectsBadKey(t *testing.T) {
	_, err := NewEd25519Verifier(map[string]ed25519.PublicKey{"A": []byte("short")})
	if !secerr.IsKind(err, secerr.KindConfiguration) {
		t.Errorf("got %v, want configuration error", err)
	}
}

func TestEd25519VerifierVerify(t *testing.T) {
	keys := generateSigners(t, "A", "B")
	v := verifierFor(t, keys)

	req := signedRequest("key-1", keys, "A")

	if err := v.Verify(req, req.Signatures[0]); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	tests := []struct {
		name string
		sig  Signature
	}{
		{"unknown signer", Signature{Signer: "Z", Value: req.Signatures[0].Value}},
		{"non-hex value", Signature{Signer: "A", Value: "not-hex!"}},
		{"wrong size", Signature{Signer: "A", Value: "abcdef"}},
		{"signature by another party", Signature{Signer: "A", Value: Sign(keys["B"].priv, req)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.Verify(req, tt.sig); !secerr.IsKind(err, secerr.KindAuthentication) {
				t.Errorf("got %v, want authentication error", err)
			}
		})
	}
}

func TestEd25519VerifierRejectsAlteredRequest(t *testing.T) {
	keys := generateSigners(t, "A")
	v := verifierFor(t, keys)

	req := signedRequest("key-1", keys, "A")
	sig := req.Signatures[0]

	// Changing any covered field invalidates the signature.
	altered := *req
	altered.Reason = "different justification"
	if err := v.Verify(&altered, sig); !secerr.IsKind(err, secerr.KindAuthentication) {
		t.Errorf("altered reason: got %v, want authentication error", err)
	}

	altered = *req
	altered.KeyID = "key-2"
	if err := v.Verify(&altered, sig); !secerr.IsKind(err, secerr.KindAuthentication) {
		t.Errorf("altered key id: got %v, want authentication error", err)
	}
}

func TestEscrowWithEd25519Verifier(t *testing.T) {
	keys := generateSigners(t, "A", "B", "C")
	v := verifierFor(t, keys)

	auditLog := audit.NewLogger(audit.NewMemoryStore(), 30, nil)
	e, err := New([]string{"A", "B", "C"}, 2, auditLog, nil, WithSignatureVerifier(v))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if err := e.EscrowKey(ctx, "key-1", []byte("material"), nil, nil); err != nil {
		t.Fatalf("EscrowKey failed: %v", err)
	}

	// Properly signed request is granted.
	got, err := e.RecoverKey(ctx, signedRequest("key-1", keys, "A", "B"))
	if err != nil {
		t.Fatalf("RecoverKey failed: %v", err)
	}
	if !bytes.Equal(got, []byte("material")) {
		t.Errorf("recovered %q, want stored ciphertext", got)
	}

	// Authorized signers with a forged signature value are rejected.
	forged := signedRequest("key-1", keys, "A", "B")
	forged.Signatures[1].Value = Sign(keys["C"].priv, forged)
	if _, err := e.RecoverKey(ctx, forged); !secerr.IsKind(err, secerr.KindAuthentication) {
		t.Errorf("forged signature: got %v, want authentication error", err)
	}
}
