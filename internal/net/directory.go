package net

import (
	"sort"
	"sync"

	"github.com/ledgeraccounts/accounts/common/key"
)

// Peer is a well-known party and the address its session listener binds.
type Peer struct {
	Party   key.Party
	Address string
}

// Directory is the list of well-known parties of the network.
type Directory struct {
	sync.RWMutex
	self   key.Party
	byName map[key.PartyName]Peer
	byKey  map[key.Hash]key.PartyName
}

// NewDirectory returns a directory that knows self.
func NewDirectory(self *key.Identity) *Directory {
	d := &Directory{
		self:   self.Party(),
		byName: make(map[key.PartyName]Peer),
		byKey:  make(map[key.Hash]key.PartyName),
	}
	d.Add(self.Party(), self.Address())
	return d
}

// Self is the party of this node.
func (d *Directory) Self() key.Party {
	return d.self
}

// Add records p, replacing a previous entry with the same name.
func (d *Directory) Add(p key.Party, address string) {
	d.Lock()
	defer d.Unlock()
	if old, ok := d.byName[p.Name]; ok {
		delete(d.byKey, old.Party.Key.Hash())
	}
	d.byName[p.Name] = Peer{Party: p, Address: address}
	d.byKey[p.Key.Hash()] = p.Name
}

// Lookup returns the peer with the given name.
func (d *Directory) Lookup(name key.PartyName) (Peer, bool) {
	d.RLock()
	defer d.RUnlock()
	p, ok := d.byName[name]
	return p, ok
}

// PartyByName returns the well-known party with the given name.
func (d *Directory) PartyByName(name key.PartyName) (key.Party, bool) {
	p, ok := d.Lookup(name)
	return p.Party, ok
}

// PartyByKey returns the party whose identity key is k.
func (d *Directory) PartyByKey(k key.PublicKey) (key.Party, bool) {
	d.RLock()
	defer d.RUnlock()
	name, ok := d.byKey[k.Hash()]
	if !ok {
		return key.Party{}, false
	}
	return d.byName[name].Party, true
}

// Peers returns every known peer, sorted by name.
func (d *Directory) Peers() []Peer {
	d.RLock()
	defer d.RUnlock()
	peers := make([]Peer, 0, len(d.byName))
	for _, p := range d.byName {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Party.Name < peers[j].Party.Name })
	return peers
}
