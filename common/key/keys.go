package key

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/group/edwards25519"
	"github.com/drand/kyber/sign/schnorr"
	"golang.org/x/crypto/blake2b"
)

// Suite is the group every key of the node lives in. Identity keys and the
// single-use account keys share it so one signature scheme serves both.
var Suite = edwards25519.NewBlakeSHA256Ed25519()

// HashSize is the size of a key hash.
const HashSize = blake2b.Size256

// Hash identifies a public key in local tables.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a copy of the hash as a slice, suitable as a database key.
func (h Hash) Bytes() []byte {
	return append([]byte(nil), h[:]...)
}

// HashFromBytes copies b into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid key hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// PublicKey is the canonical binary encoding of a point of Suite. It is kept
// encoded so that it can travel in messages and be compared cheaply.
type PublicKey []byte

// ErrInvalidKey is returned when bytes do not decode to a point of Suite.
var ErrInvalidKey = errors.New("invalid public key")

// PublicKeyFromPoint encodes p.
func PublicKeyFromPoint(p kyber.Point) (PublicKey, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ParsePublicKey decodes a hex encoded public key and checks it is a point.
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	k := PublicKey(b)
	if _, err := k.Point(); err != nil {
		return nil, err
	}
	return k, nil
}

// Point decodes the key.
func (k PublicKey) Point() (kyber.Point, error) {
	p := Suite.Point()
	if err := p.UnmarshalBinary(k); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return p, nil
}

// Hash returns the blake2b-256 digest of the encoded key.
func (k PublicKey) Hash() Hash {
	return blake2b.Sum256(k)
}

// Equal reports whether both keys encode the same point.
func (k PublicKey) Equal(o PublicKey) bool {
	return bytes.Equal(k, o)
}

func (k PublicKey) String() string {
	return hex.EncodeToString(k)
}

// Pair is a wrapper around a random scalar and the corresponding public key.
type Pair struct {
	Key    kyber.Scalar
	Public PublicKey
}

// NewKeyPair returns a freshly created private / public key pair.
func NewKeyPair() (*Pair, error) {
	secret := Suite.Scalar().Pick(Suite.RandomStream())
	return pairFromScalar(secret)
}

// PairFromSecret rebuilds a pair from the binary encoding of its scalar.
func PairFromSecret(b []byte) (*Pair, error) {
	secret := Suite.Scalar()
	if err := secret.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	return pairFromScalar(secret)
}

func pairFromScalar(secret kyber.Scalar) (*Pair, error) {
	pub, err := PublicKeyFromPoint(Suite.Point().Mul(secret, nil))
	if err != nil {
		return nil, err
	}
	return &Pair{Key: secret, Public: pub}, nil
}

// Secret returns the binary encoding of the private scalar.
func (p *Pair) Secret() ([]byte, error) {
	return p.Key.MarshalBinary()
}

// Sign produces a schnorr signature of msg.
func (p *Pair) Sign(msg []byte) ([]byte, error) {
	return schnorr.Sign(Suite, p.Key, msg)
}

// Verify checks a schnorr signature of msg under pub.
func Verify(pub PublicKey, msg, sig []byte) error {
	point, err := pub.Point()
	if err != nil {
		return err
	}
	return schnorr.Verify(Suite, point, msg, sig)
}
