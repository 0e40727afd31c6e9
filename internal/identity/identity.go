// Package identity turns the device seed into an authenticated did:key
// identity and binds it to the document store.
package identity

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer attributes document-store writes to a DID.
type Signer interface {
	DID() string
	SignPayload(payload []byte) (string, error)
}

// Binder is the single identity slot of a document-store client. Binding
// again replaces the previous signer.
type Binder interface {
	Bind(signer Signer)
}

// Identity is an authenticated device identity. It is immutable once
// returned by Bootstrap.Authenticate.
type Identity struct {
	provider      *Provider
	address       common.Address
	authenticated bool
}

func (i *Identity) DID() string { return i.provider.DID() }

// Address is the chain address of the same secp256k1 key.
func (i *Identity) Address() common.Address { return i.address }

func (i *Identity) PrivateKey() *ecdsa.PrivateKey { return i.provider.key }

// PrivateKeyHex is the 0x-prefixed raw private key.
func (i *Identity) PrivateKeyHex() string {
	return hexutil.Encode(crypto.FromECDSA(i.provider.key))
}

func (i *Identity) Authenticated() bool { return i.authenticated }

func (i *Identity) SignPayload(payload []byte) (string, error) {
	return i.provider.SignPayload(payload)
}
