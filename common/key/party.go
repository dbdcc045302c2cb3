package key

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// PartyName is the well-known name of a network participant.
type PartyName string

// Party is a well-known participant: a name and its identity key.
type Party struct {
	Name PartyName
	Key  PublicKey
}

func (p Party) String() string {
	return string(p.Name)
}

// Equal reports whether both parties have the same name and identity key.
func (p Party) Equal(o Party) bool {
	return p.Name == o.Name && p.Key.Equal(o.Key)
}

// Anonymous hides the name of the party.
func (p Party) Anonymous() AnonymousParty {
	return AnonymousParty{Key: p.Key}
}

// AnonymousParty addresses a party or an account by a key only. Resolving it
// back to a name requires a binding in the local identity tables.
type AnonymousParty struct {
	Key PublicKey
}

func (a AnonymousParty) String() string {
	return "Anonymous(" + a.Key.Hash().String()[:16] + ")"
}

// canonical is shared by every payload that gets signed: two encodings of the
// same value must be byte-identical.
var canonical = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// CertificateChain proves that Key belongs to Party: the party's identity key
// signed the anonymous key under the party's name.
type CertificateChain struct {
	Party         Party
	Key           PublicKey
	HostSignature []byte
}

var ErrInvalidCertificate = errors.New("certificate chain does not verify")

type certificatePayload struct {
	Domain string
	Name   PartyName
	Host   []byte
	Key    []byte
}

func certificateMessage(party Party, k PublicKey) ([]byte, error) {
	return canonical.Marshal(certificatePayload{
		Domain: "accounts/certificate/v1",
		Name:   party.Name,
		Host:   party.Key,
		Key:    k,
	})
}

// Certify issues a chain for k signed with the identity pair of party.
func Certify(identity *Pair, name PartyName, k PublicKey) (*CertificateChain, error) {
	party := Party{Name: name, Key: identity.Public}
	msg, err := certificateMessage(party, k)
	if err != nil {
		return nil, err
	}
	sig, err := identity.Sign(msg)
	if err != nil {
		return nil, err
	}
	return &CertificateChain{Party: party, Key: k, HostSignature: sig}, nil
}

// Verify checks the host signature.
func (c *CertificateChain) Verify() error {
	if c == nil {
		return ErrInvalidCertificate
	}
	msg, err := certificateMessage(c.Party, c.Key)
	if err != nil {
		return err
	}
	if err := Verify(c.Party.Key, msg, c.HostSignature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return nil
}

// IdentityAssertion binds a fresh key to a well-known name. It is signed by
// the private half of OwningKey, proving possession.
type IdentityAssertion struct {
	Name      PartyName
	OwningKey PublicKey
}

// Payload is the canonical encoding that gets signed.
func (a IdentityAssertion) Payload() ([]byte, error) {
	return canonical.Marshal(struct {
		Domain string
		Name   PartyName
		Key    []byte
	}{"accounts/assertion/v1", a.Name, a.OwningKey})
}

// Verify checks that sig is a signature of the payload by OwningKey.
func (a IdentityAssertion) Verify(sig []byte) error {
	msg, err := a.Payload()
	if err != nil {
		return err
	}
	return Verify(a.OwningKey, msg, sig)
}
