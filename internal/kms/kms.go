// Package kms provides the key-management abstraction used by the prompt
// and response pipelines and by escrow recovery. The core depends only on
// the KeyService contract; the backing implementation (local AEAD, cloud
// KMS) is injected at construction time.
package kms

import (
	"context"
	"fmt"
	"time"

	"github.com/AltairaLabs/promptguard/internal/secerr"
)

// KeyID is the fully-qualified identifier of an encryption key.
type KeyID struct {
	Project  string
	Location string
	KeyRing  string
	Key      string
	Version  string
}

// Validate checks that every identifying field is non-empty. The returned
// error names the first empty field.
func (k KeyID) Validate() error {
	const op = "kms.KeyID.Validate"
	switch {
	case k.Project == "":
		return secerr.New(secerr.KindConfiguration, op, "project cannot be empty")
	case k.Location == "":
		return secerr.New(secerr.KindConfiguration, op, "location cannot be empty")
	case k.KeyRing == "":
		return secerr.New(secerr.KindConfiguration, op, "key ring cannot be empty")
	case k.Key == "":
		return secerr.New(secerr.KindConfiguration, op, "key name cannot be empty")
	case k.Version == "":
		return secerr.New(secerr.KindConfiguration, op, "key version cannot be empty")
	}
	return nil
}

// ResourceName renders the canonical resource path for this key version.
func (k KeyID) ResourceName() string {
	return fmt.Sprintf(
		"projects/%s/locations/%s/keyRings/%s/cryptoKeys/%s/cryptoKeyVersions/%s",
		k.Project, k.Location, k.KeyRing, k.Key, k.Version,
	)
}

// Envelope is the result of a single encrypt call. It is produced fresh
// per call and never mutated after creation.
type Envelope struct {
	Ciphertext []byte
	KeyID      string
	Algorithm  string
	Timestamp  time.Time
}

// KeyService is the capability boundary between the security core and a
// key-management backend. Implementations must be safe for concurrent use.
type KeyService interface {
	// Encrypt seals plaintext under the service's key.
	Encrypt(ctx context.Context, plaintext []byte) (*Envelope, error)

	// Decrypt opens ciphertext previously produced by Encrypt. Malformed
	// or forged ciphertext fails with a key-service error; it never
	// returns garbage.
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)

	// ID returns the key identifier this service is bound to.
	ID() KeyID

	// TestConnection performs a round-trip encrypt/decrypt of a fixed
	// probe value. This is the health-check contract polled by the
	// observer.
	TestConnection(ctx context.Context) error
}
