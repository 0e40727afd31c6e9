package identity

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v4"
)

const challengeAudience = "did:authenticate"

// Provider holds the secp256k1 key derived from the seed and signs on
// behalf of its did:key.
type Provider struct {
	key *ecdsa.PrivateKey
	did string
}

// NewSecp256k1Provider uses the seed bytes directly as the private key.
func NewSecp256k1Provider(seed []byte) (*Provider, error) {
	key, err := crypto.ToECDSA(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid key material: %w", err)
	}
	return &Provider{key: key, did: DIDFromPublicKey(&key.PublicKey)}, nil
}

func (p *Provider) DID() string { return p.did }

func (p *Provider) kid() string { return p.did + "#" + keyFragment(p.did) }

type challengeClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// SignChallenge answers an authentication challenge with a short-lived JWS.
func (p *Provider) SignChallenge(nonce string) (string, error) {
	now := time.Now()
	claims := challengeClaims{
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.did,
			Audience:  jwt.ClaimStrings{challengeAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
	}
	tok := jwt.NewWithClaims(SigningMethodES256K, claims)
	tok.Header["kid"] = p.kid()
	return tok.SignedString(p.key)
}

// SignPayload returns a compact JWS over payload.
func (p *Provider) SignPayload(payload []byte) (string, error) {
	header, err := json.Marshal(map[string]string{
		"alg": SigningMethodES256K.Alg(),
		"kid": p.kid(),
	})
	if err != nil {
		return "", err
	}
	signingString := jwt.EncodeSegment(header) + "." + jwt.EncodeSegment(payload)
	sig, err := SigningMethodES256K.Sign(signingString, p.key)
	if err != nil {
		return "", err
	}
	return signingString + "." + sig, nil
}
