// Package identity tracks which connections are live and which account owns
// each of them.
package identity

import (
	"sync"
)

// Binding is the account bound to a connection.
type Binding struct {
	Nick     string
	PublicID string
}

// Directory maps live connections to account nicks and public ids, with
// reverse indexes for nick and public id lookups.
//
// Invariant: every reverse index entry points at a live connection whose
// forward binding carries that key.
type Directory struct {
	mu       sync.RWMutex
	live     map[string]struct{}
	bindings map[string]Binding
	byNick   map[string]string
	byPublic map[string]string
}

// New returns an empty Directory.
func New() *Directory {
	return &Directory{
		live:     make(map[string]struct{}),
		bindings: make(map[string]Binding),
		byNick:   make(map[string]string),
		byPublic: make(map[string]string),
	}
}

// Attach marks connID live.
func (d *Directory) Attach(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live[connID] = struct{}{}
}

// IsLive reports whether connID is currently attached.
func (d *Directory) IsLive(connID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.live[connID]
	return ok
}

// Live returns a snapshot of every attached connection id.
func (d *Directory) Live() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.live))
	for id := range d.live {
		out = append(out, id)
	}
	return out
}

// Register binds connID to nick and publicID, replacing any earlier binding
// for connID. A nick or public id previously owned by another connection now
// resolves to connID.
//
// Precondition: connID must be attached; registering an unknown connection
// attaches it.
// Postcondition: LookupConnection(nick) == connID and LookupNick(connID) == nick.
func (d *Directory) Register(connID, nick, publicID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.live[connID] = struct{}{}
	if prev, ok := d.bindings[connID]; ok {
		d.dropReverse(connID, prev)
	}
	b := Binding{Nick: nick, PublicID: publicID}
	d.bindings[connID] = b
	if nick != "" {
		d.byNick[nick] = connID
	}
	if publicID != "" {
		d.byPublic[publicID] = connID
	}
}

// LookupConnection resolves nick to the connection that owns it.
func (d *Directory) LookupConnection(nick string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byNick[nick]
	return id, ok
}

// LookupConnectionByPublicID resolves an account public id to its connection.
func (d *Directory) LookupConnectionByPublicID(publicID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byPublic[publicID]
	return id, ok
}

// LookupNick resolves connID to the nick bound to it.
func (d *Directory) LookupNick(connID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.bindings[connID]
	if !ok || b.Nick == "" {
		return "", false
	}
	return b.Nick, true
}

// Binding returns the full binding for connID.
func (d *Directory) Binding(connID string) (Binding, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.bindings[connID]
	return b, ok
}

// Online reports whether nick is bound to a live connection.
func (d *Directory) Online(nick string) bool {
	_, ok := d.LookupConnection(nick)
	return ok
}

// Unbind forgets the binding for connID but keeps the connection live.
// It returns the binding that was removed.
func (d *Directory) Unbind(connID string) (Binding, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bindings[connID]
	if !ok {
		return Binding{}, false
	}
	delete(d.bindings, connID)
	d.dropReverse(connID, b)
	return b, true
}

// Remove forgets connID entirely. It returns the binding the connection held,
// if any.
func (d *Directory) Remove(connID string) (Binding, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.live, connID)
	b, ok := d.bindings[connID]
	if !ok {
		return Binding{}, false
	}
	delete(d.bindings, connID)
	d.dropReverse(connID, b)
	return b, true
}

// dropReverse removes reverse entries for b only where they still point at
// connID. A newer connection that took over the nick keeps its entry.
//
// Precondition: d.mu is held for writing.
func (d *Directory) dropReverse(connID string, b Binding) {
	if d.byNick[b.Nick] == connID {
		delete(d.byNick, b.Nick)
	}
	if d.byPublic[b.PublicID] == connID {
		delete(d.byPublic, b.PublicID)
	}
}

// Len returns the number of live connections and the number of bound ones.
func (d *Directory) Len() (live, bound int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.live), len(d.bindings)
}
