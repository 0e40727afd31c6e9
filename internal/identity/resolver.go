package identity

import (
	"context"
	"crypto/ecdsa"
	"fmt"
)

const verificationKeyType = "EcdsaSecp256k1VerificationKey2019"

// VerificationMethod is the subset of a DID document's verification method
// the handshake needs.
type VerificationMethod struct {
	ID         string
	Type       string
	Controller string
	PublicKey  *ecdsa.PublicKey
}

type Document struct {
	ID                 string
	VerificationMethod []VerificationMethod
}

// Key returns the verification key with the given id (full DID URL).
func (d *Document) Key(id string) (*ecdsa.PublicKey, bool) {
	for _, vm := range d.VerificationMethod {
		if vm.ID == id {
			return vm.PublicKey, true
		}
	}
	return nil, false
}

type Resolver interface {
	Resolve(ctx context.Context, did string) (*Document, error)
}

// KeyResolver resolves secp256k1 did:key identifiers. Resolution is pure:
// the key is encoded in the identifier itself.
type KeyResolver struct{}

func (KeyResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	pub, err := PublicKeyFromDID(did)
	if err != nil {
		return nil, err
	}
	vmID := fmt.Sprintf("%s#%s", did, keyFragment(did))
	return &Document{
		ID: did,
		VerificationMethod: []VerificationMethod{{
			ID:         vmID,
			Type:       verificationKeyType,
			Controller: did,
			PublicKey:  pub,
		}},
	}, nil
}
