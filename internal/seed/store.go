// Package seed persists the 32-byte secret every device identity is
// derived from.
package seed

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ComUnity/web3analytics/internal/storage"
	"github.com/ComUnity/web3analytics/internal/util/logger"
)

const (
	Size = 32

	// SeedKey and DIDKey are the fixed storage keys.
	SeedKey = "ceramicSeed"
	DIDKey  = "authenticatedDID"

	sealedPrefix = "kms:"
)

// Seed is the device's root key material.
type Seed [Size]byte

// Bytes returns a copy of the seed as a slice.
func (s Seed) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, s[:])
	return b
}

// Sealer encrypts the seed at rest. pkg/security.SeedSealer implements it.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte) ([]byte, error)
	Open(ctx context.Context, sealed []byte) ([]byte, error)
}

type Store struct {
	kv     storage.KV
	sealer Sealer
	rand   io.Reader
}

type Option func(*Store)

// WithSealer stores the seed envelope-encrypted.
func WithSealer(s Sealer) Option {
	return func(st *Store) { st.sealer = s }
}

// WithRand replaces crypto/rand, for tests.
func WithRand(r io.Reader) Option {
	return func(st *Store) { st.rand = r }
}

func NewStore(kv storage.KV, opts ...Option) *Store {
	s := &Store{kv: kv, rand: rand.Reader}
	for _, o := range opts {
		o(s)
	}
	return s
}

// LoadOrCreate returns the persisted seed, generating and saving a new one
// on first run. A stored value that cannot be decoded is an error; it is
// never replaced because that would silently change the device identity.
func (s *Store) LoadOrCreate(ctx context.Context) (Seed, bool, error) {
	var seed Seed

	raw, err := s.kv.Get(ctx, SeedKey)
	switch {
	case err == nil:
		seed, err = s.decode(ctx, raw)
		if err != nil {
			return Seed{}, false, err
		}
		logger.Debug("Using existing seed")
		return seed, false, nil
	case !errors.Is(err, storage.ErrNotFound):
		return Seed{}, false, fmt.Errorf("seed: load: %w", err)
	}

	if _, err := io.ReadFull(s.rand, seed[:]); err != nil {
		return Seed{}, false, fmt.Errorf("seed: generate: %w", err)
	}
	encoded, err := s.encode(ctx, seed)
	if err != nil {
		return Seed{}, false, err
	}
	if err := s.kv.Set(ctx, SeedKey, encoded); err != nil {
		return Seed{}, false, fmt.Errorf("seed: save: %w", err)
	}
	logger.Info("Created new device seed")
	return seed, true, nil
}

// SaveDID caches the authenticated DID next to the seed.
func (s *Store) SaveDID(ctx context.Context, did string) error {
	return s.kv.Set(ctx, DIDKey, did)
}

// LoadDID returns the cached DID, or storage.ErrNotFound.
func (s *Store) LoadDID(ctx context.Context) (string, error) {
	return s.kv.Get(ctx, DIDKey)
}

// encode writes the seed as a JSON array of byte values, the layout the
// browser plugin used in local storage.
func (s *Store) encode(ctx context.Context, seed Seed) (string, error) {
	ints := make([]int, Size)
	for i, b := range seed {
		ints[i] = int(b)
	}
	plain, err := json.Marshal(ints)
	if err != nil {
		return "", err
	}
	if s.sealer == nil {
		return string(plain), nil
	}
	sealed, err := s.sealer.Seal(ctx, plain)
	if err != nil {
		return "", fmt.Errorf("seed: seal: %w", err)
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) decode(ctx context.Context, raw string) (Seed, error) {
	var seed Seed
	plain := []byte(raw)

	if strings.HasPrefix(raw, sealedPrefix) {
		if s.sealer == nil {
			return seed, errors.New("seed: stored seed is sealed but no sealer is configured")
		}
		blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, sealedPrefix))
		if err != nil {
			return seed, fmt.Errorf("seed: decode sealed value: %w", err)
		}
		plain, err = s.sealer.Open(ctx, blob)
		if err != nil {
			return seed, fmt.Errorf("seed: open: %w", err)
		}
	}

	var ints []int
	if err := json.Unmarshal(plain, &ints); err != nil {
		return seed, fmt.Errorf("seed: decode: %w", err)
	}
	if len(ints) != Size {
		return seed, fmt.Errorf("seed: expected %d bytes, found %d", Size, len(ints))
	}
	for i, v := range ints {
		if v < 0 || v > 255 {
			return seed, fmt.Errorf("seed: byte %d out of range: %d", i, v)
		}
		seed[i] = byte(v)
	}
	return seed, nil
}
