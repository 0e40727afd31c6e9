package identity

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

const (
	didKeyPrefix = "did:key:"
	// multibase prefix for base58btc
	base58btc = 'z'
)

// secp256k1-pub multicodec, varint encoded.
var secp256k1Codec = []byte{0xe7, 0x01}

var ErrUnsupportedDID = errors.New("identity: unsupported DID")

// DIDFromPublicKey renders a secp256k1 public key as a did:key identifier.
func DIDFromPublicKey(pub *ecdsa.PublicKey) string {
	buf := make([]byte, 0, len(secp256k1Codec)+33)
	buf = append(buf, secp256k1Codec...)
	buf = append(buf, crypto.CompressPubkey(pub)...)
	return didKeyPrefix + string(base58btc) + base58.Encode(buf)
}

// PublicKeyFromDID parses a secp256k1 did:key back into its public key. A
// DID URL fragment (did:key:z...#z...) is ignored.
func PublicKeyFromDID(did string) (*ecdsa.PublicKey, error) {
	if i := strings.IndexByte(did, '#'); i >= 0 {
		did = did[:i]
	}
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDID, did)
	}
	id := strings.TrimPrefix(did, didKeyPrefix)
	if len(id) < 2 || id[0] != base58btc {
		return nil, fmt.Errorf("%w: not base58btc multibase", ErrUnsupportedDID)
	}
	raw, err := base58.Decode(id[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDID, err)
	}
	if len(raw) != len(secp256k1Codec)+33 || raw[0] != secp256k1Codec[0] || raw[1] != secp256k1Codec[1] {
		return nil, fmt.Errorf("%w: not a secp256k1 key", ErrUnsupportedDID)
	}
	pub, err := crypto.DecompressPubkey(raw[len(secp256k1Codec):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDID, err)
	}
	return pub, nil
}

// keyFragment is the verification method fragment did:key uses: the
// method-specific id repeated after '#'.
func keyFragment(did string) string {
	return strings.TrimPrefix(did, didKeyPrefix)
}
