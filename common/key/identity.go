package key

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Identity is the public, self-signed description of a participant: its
// well-known name, identity key and the address its session listener binds.
type Identity struct {
	Name      PartyName
	Key       PublicKey
	Addr      string
	Signature []byte
}

// Address implements the net.Peer interface
func (i *Identity) Address() string {
	return i.Addr
}

// Party returns the well-known party of this identity.
func (i *Identity) Party() Party {
	return Party{Name: i.Name, Key: i.Key}
}

func (i *Identity) String() string {
	return fmt.Sprintf("{%s - %s - %s}", i.Name, i.Addr, i.Key)
}

// selfSignedMessage does _not_ include the address, which may change while
// the node keeps the same key and name.
func (i *Identity) selfSignedMessage() ([]byte, error) {
	return canonical.Marshal(struct {
		Domain string
		Name   PartyName
		Key    []byte
	}{"accounts/identity/v1", i.Name, i.Key})
}

// ValidSignature returns an error if the self signature is not correct.
func (i *Identity) ValidSignature() error {
	msg, err := i.selfSignedMessage()
	if err != nil {
		return err
	}
	return Verify(i.Key, msg, i.Signature)
}

// Node holds the identity key pair of this participant.
type Node struct {
	Pair   *Pair
	Public *Identity
}

// NewNode creates a fresh, self-signed node identity.
func NewNode(name PartyName, addr string) (*Node, error) {
	if name == "" {
		return nil, errors.New("a node needs a name")
	}
	pair, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	n := &Node{
		Pair:   pair,
		Public: &Identity{Name: name, Key: pair.Public, Addr: addr},
	}
	return n, n.SelfSign()
}

// SelfSign signs the public identity with the key pair.
func (n *Node) SelfSign() error {
	msg, err := n.Public.selfSignedMessage()
	if err != nil {
		return err
	}
	sig, err := n.Pair.Sign(msg)
	if err != nil {
		return err
	}
	n.Public.Signature = sig
	return nil
}

// Party returns the well-known party of this node.
func (n *Node) Party() Party {
	return n.Public.Party()
}

// NodeTOML is the TOML-able version of the private node identity.
type NodeTOML struct {
	Name    string
	Address string
	Secret  string
}

// IdentityTOML is the TOML-able version of a public identity.
type IdentityTOML struct {
	Name      string
	Address   string
	Key       string
	Signature string
}

// TOML returns a struct that can be marshalled using a TOML-encoding library
func (n *Node) TOML() (*NodeTOML, error) {
	secret, err := n.Pair.Secret()
	if err != nil {
		return nil, err
	}
	return &NodeTOML{
		Name:    string(n.Public.Name),
		Address: n.Public.Addr,
		Secret:  hex.EncodeToString(secret),
	}, nil
}

// NodeFromTOML rebuilds the node identity and re-signs it.
func NodeFromTOML(t *NodeTOML) (*Node, error) {
	secret, err := hex.DecodeString(t.Secret)
	if err != nil {
		return nil, fmt.Errorf("invalid node secret: %w", err)
	}
	pair, err := PairFromSecret(secret)
	if err != nil {
		return nil, err
	}
	n := &Node{
		Pair:   pair,
		Public: &Identity{Name: PartyName(t.Name), Key: pair.Public, Addr: t.Address},
	}
	return n, n.SelfSign()
}

// TOML returns the TOML-able version of the identity.
func (i *Identity) TOML() *IdentityTOML {
	return &IdentityTOML{
		Name:      string(i.Name),
		Address:   i.Addr,
		Key:       i.Key.String(),
		Signature: hex.EncodeToString(i.Signature),
	}
}

// IdentityFromTOML decodes and verifies a public identity.
func IdentityFromTOML(t *IdentityTOML) (*Identity, error) {
	k, err := ParsePublicKey(t.Key)
	if err != nil {
		return nil, err
	}
	sig, err := hex.DecodeString(t.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid identity signature: %w", err)
	}
	i := &Identity{Name: PartyName(t.Name), Key: k, Addr: t.Address, Signature: sig}
	if err := i.ValidSignature(); err != nil {
		return nil, fmt.Errorf("identity of %s is not self-signed: %w", t.Name, err)
	}
	return i, nil
}
