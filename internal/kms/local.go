package kms

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/AltairaLabs/promptguard/internal/secerr"
)

// AlgorithmChaCha20Poly1305 is the algorithm tag stamped on envelopes
// produced by the local backend.
const AlgorithmChaCha20Poly1305 = "CHACHA20_POLY1305"

// minRootSecretLen is the minimum accepted root secret size in bytes.
const minRootSecretLen = 16

// connectionProbe is the fixed value round-tripped by TestConnection.
var connectionProbe = []byte("promptguard-kms-probe")

// LocalKeyService is a KeyService backed by a locally derived
// ChaCha20-Poly1305 key. The AEAD key is derived from a root secret with
// HKDF-SHA256, bound to the key's resource name so that services
// configured with different key identifiers cannot open each other's
// ciphertext.
type LocalKeyService struct {
	keyID  KeyID
	aead   cipher.AEAD
	logger *slog.Logger
}

// NewLocalKeyService validates the key identifier, derives the AEAD key
// and returns a ready service.
func NewLocalKeyService(keyID KeyID, rootSecret []byte, logger *slog.Logger) (*LocalKeyService, error) {
	const op = "kms.NewLocalKeyService"

	if err := keyID.Validate(); err != nil {
		return nil, err
	}
	if len(rootSecret) < minRootSecretLen {
		return nil, secerr.New(secerr.KindConfiguration, op,
			"root secret too short: need at least %d bytes, got %d", minRootSecretLen, len(rootSecret))
	}
	if logger == nil {
		logger = slog.Default()
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, rootSecret, nil, []byte(keyID.ResourceName()))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, secerr.Wrap(secerr.KindConfiguration, op, "deriving key", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, secerr.Wrap(secerr.KindConfiguration, op, "initialising cipher", err)
	}

	return &LocalKeyService{
		keyID:  keyID,
		aead:   aead,
		logger: logger.With("component", "kms", "key", keyID.ResourceName()),
	}, nil
}

// ID returns the key identifier this service is bound to.
func (s *LocalKeyService) ID() KeyID { return s.keyID }

// Encrypt seals plaintext and returns a fresh envelope. The nonce is
// prepended to the ciphertext; the key resource name is bound as
// additional authenticated data.
func (s *LocalKeyService) Encrypt(ctx context.Context, plaintext []byte) (*Envelope, error) {
	const op = "kms.Encrypt"

	if err := ctx.Err(); err != nil {
		return nil, secerr.Wrap(secerr.KindKeyService, op, "context cancelled", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, secerr.Wrap(secerr.KindKeyService, op, "generating nonce", err)
	}

	sealed := s.aead.Seal(nonce, nonce, plaintext, []byte(s.keyID.ResourceName()))

	return &Envelope{
		Ciphertext: sealed,
		KeyID:      s.keyID.ResourceName(),
		Algorithm:  AlgorithmChaCha20Poly1305,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// Decrypt opens ciphertext produced by Encrypt. Truncated, malformed or
// forged input fails authentication and reports a key-service error.
func (s *LocalKeyService) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	const op = "kms.Decrypt"

	if err := ctx.Err(); err != nil {
		return nil, secerr.Wrap(secerr.KindKeyService, op, "context cancelled", err)
	}

	minLen := s.aead.NonceSize() + s.aead.Overhead()
	if len(ciphertext) < minLen {
		return nil, secerr.New(secerr.KindKeyService, op,
			"ciphertext too short: need at least %d bytes, got %d", minLen, len(ciphertext))
	}

	nonce := ciphertext[:s.aead.NonceSize()]
	sealed := ciphertext[s.aead.NonceSize():]

	plaintext, err := s.aead.Open(nil, nonce, sealed, []byte(s.keyID.ResourceName()))
	if err != nil {
		return nil, secerr.Wrap(secerr.KindKeyService, op, "ciphertext rejected", err)
	}
	return plaintext, nil
}

// TestConnection round-trips a fixed probe value through the cipher and
// reports a key-service error if the recovered plaintext differs.
func (s *LocalKeyService) TestConnection(ctx context.Context) error {
	const op = "kms.TestConnection"

	env, err := s.Encrypt(ctx, connectionProbe)
	if err != nil {
		return err
	}
	plaintext, err := s.Decrypt(ctx, env.Ciphertext)
	if err != nil {
		return err
	}
	if !bytes.Equal(plaintext, connectionProbe) {
		return secerr.New(secerr.KindKeyService, op, "probe round trip mismatch")
	}

	s.logger.DebugContext(ctx, "key service connection verified")
	return nil
}
