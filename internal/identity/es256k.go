package identity

import (
	"crypto/ecdsa"
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v4"
)

// SigningMethodES256K is the JOSE ES256K algorithm (ECDSA over secp256k1
// with SHA-256), which golang-jwt does not ship.
var SigningMethodES256K = &signingMethodES256K{}

func init() {
	jwt.RegisterSigningMethod(SigningMethodES256K.Alg(), func() jwt.SigningMethod {
		return SigningMethodES256K
	})
}

type signingMethodES256K struct{}

func (m *signingMethodES256K) Alg() string { return "ES256K" }

// Sign produces the 64-byte r||s JOSE signature, base64url encoded.
func (m *signingMethodES256K) Sign(signingString string, key interface{}) (string, error) {
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return "", jwt.ErrInvalidKeyType
	}
	digest := sha256.Sum256([]byte(signingString))
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return "", err
	}
	return jwt.EncodeSegment(sig[:64]), nil
}

func (m *signingMethodES256K) Verify(signingString, signature string, key interface{}) error {
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	sig, err := jwt.DecodeSegment(signature)
	if err != nil {
		return err
	}
	if len(sig) != 64 {
		return jwt.ErrSignatureInvalid
	}
	digest := sha256.Sum256([]byte(signingString))
	if !crypto.VerifySignature(crypto.CompressPubkey(pub), digest[:], sig) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}
