package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v4"

	"github.com/ComUnity/web3analytics/internal/util/logger"
)

// AuthenticationError reports a failed identity derivation or handshake.
// Instrumentation stays disabled when it is returned.
type AuthenticationError struct {
	Stage string
	Err   error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed at %s: %v", e.Stage, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

var errChallengeMismatch = errors.New("challenge response does not match")

type Bootstrap struct {
	resolver Resolver
	binder   Binder
	rand     io.Reader
}

func NewBootstrap(resolver Resolver, binder Binder) *Bootstrap {
	if resolver == nil {
		resolver = KeyResolver{}
	}
	return &Bootstrap{resolver: resolver, binder: binder, rand: rand.Reader}
}

// Authenticate derives the identity from seed, proves control of its key
// through a signed challenge verified against the resolved DID document,
// and binds the result to the document store.
func (b *Bootstrap) Authenticate(ctx context.Context, seed []byte) (*Identity, error) {
	provider, err := NewSecp256k1Provider(seed)
	if err != nil {
		return nil, &AuthenticationError{Stage: "provider", Err: err}
	}
	logger.Debug("Derived DID %s", provider.DID())

	nonceBytes := make([]byte, 16)
	if _, err := io.ReadFull(b.rand, nonceBytes); err != nil {
		return nil, &AuthenticationError{Stage: "challenge", Err: err}
	}
	nonce := hex.EncodeToString(nonceBytes)

	token, err := provider.SignChallenge(nonce)
	if err != nil {
		return nil, &AuthenticationError{Stage: "sign", Err: err}
	}
	if err := b.verifyChallenge(ctx, token, provider.DID(), nonce); err != nil {
		return nil, &AuthenticationError{Stage: "verify", Err: err}
	}

	ident := &Identity{
		provider:      provider,
		address:       crypto.PubkeyToAddress(provider.key.PublicKey),
		authenticated: true,
	}
	if b.binder != nil {
		b.binder.Bind(ident)
	}
	logger.Debug("Authenticated DID %s", ident.DID())
	return ident, nil
}

func (b *Bootstrap) verifyChallenge(ctx context.Context, token, did, nonce string) error {
	claims := &challengeClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		doc, err := b.resolver.Resolve(ctx, did)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", did, err)
		}
		key, ok := doc.Key(kid)
		if !ok {
			return nil, fmt.Errorf("no verification method %q", kid)
		}
		return key, nil
	}, jwt.WithValidMethods([]string{SigningMethodES256K.Alg()}))
	if err != nil {
		return err
	}
	if claims.Nonce != nonce || claims.Issuer != did || !claims.VerifyAudience(challengeAudience, true) {
		return errChallengeMismatch
	}
	return nil
}
