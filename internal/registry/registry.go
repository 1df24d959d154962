// Package registry holds the bus's subscriptions, keyed by the scope of
// messages each one wants to see.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type scopeKind uint8

const (
	kindGlobal scopeKind = iota
	kindSite
	kindChannel
	kindSiteChannel
)

// Scope selects messages by site and channel. The empty site is a concrete
// value (single-tenant messages), distinct from matching any site.
type Scope struct {
	kind    scopeKind
	site    string
	channel string
}

// Global matches every message.
func Global() Scope { return Scope{kind: kindGlobal} }

// Site matches every channel of one site.
func Site(site string) Scope { return Scope{kind: kindSite, site: site} }

// Channel matches one channel on every site.
func Channel(channel string) Scope { return Scope{kind: kindChannel, channel: channel} }

func SiteChannel(site, channel string) Scope {
	return Scope{kind: kindSiteChannel, site: site, channel: channel}
}

func (s Scope) String() string {
	switch s.kind {
	case kindSite:
		return fmt.Sprintf("site(%q)", s.site)
	case kindChannel:
		return fmt.Sprintf("channel(%q)", s.channel)
	case kindSiteChannel:
		return fmt.Sprintf("site(%q)/channel(%q)", s.site, s.channel)
	default:
		return "global"
	}
}

type Subscription[M any] struct {
	ID      string
	Scope   Scope
	Handler func(M) error
}

type Registry[M any] struct {
	mu   sync.RWMutex
	subs map[Scope][]*Subscription[M]
	n    int
}

func New[M any]() *Registry[M] {
	return &Registry[M]{subs: map[Scope][]*Subscription[M]{}}
}

func (r *Registry[M]) Add(scope Scope, h func(M) error) *Subscription[M] {
	sub := &Subscription[M]{ID: uuid.NewString(), Scope: scope, Handler: h}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[scope] = append(r.subs[scope], sub)
	r.n++
	return sub
}

func (r *Registry[M]) Remove(sub *Subscription[M]) bool {
	if sub == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[sub.Scope]
	for i, s := range list {
		if s != sub {
			continue
		}
		next := make([]*Subscription[M], 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.subs, sub.Scope)
		} else {
			r.subs[sub.Scope] = next
		}
		r.n--
		return true
	}
	return false
}

// Lookup returns the subscriptions matching a message, most specific scope
// first. Slices stored in the map are never mutated in place, so the result
// stays valid after the read lock is released.
func (r *Registry[M]) Lookup(site, channel string) []*Subscription[M] {
	r.mu.RLock()
	a := r.subs[SiteChannel(site, channel)]
	b := r.subs[Site(site)]
	c := r.subs[Channel(channel)]
	d := r.subs[Global()]
	r.mu.RUnlock()

	out := make([]*Subscription[M], 0, len(a)+len(b)+len(c)+len(d))
	out = append(out, a...)
	out = append(out, b...)
	out = append(out, c...)
	return append(out, d...)
}

func (r *Registry[M]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}
