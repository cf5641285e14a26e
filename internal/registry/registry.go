// Package registry is the subscription registry: three scope maps
// (global, guild, channel) from subscriber name to callback, plus a
// fetch map of subscribers opted into backfill catch-up.
package registry

import (
	"sync"

	"golang.org/x/text/cases"

	"github.com/relaybot/tracker/internal/model"
	"github.com/relaybot/tracker/internal/snowflake"
)

var fold = cases.Fold()

// normalize case-folds a subscriber name so two callers differing
// only by case address the same subscription, closing a latent
// collision bug present in the original's plain string-keyed dict.
func normalize(name string) string { return fold.String(name) }

// Registry holds the live subscriber maps. All methods are safe for
// concurrent use, though in practice only the executor goroutine
// mutates it; readers (planner, router) may call from other goroutines.
type Registry struct {
	mu sync.RWMutex

	global  map[string]model.Callback
	byGuild map[guildKey]model.Callback
	byChan  map[channelKey]model.Callback

	fetch map[string]fetchEntry
}

type guildKey struct {
	guild snowflake.ID
	name  string
}

type channelKey struct {
	channel snowflake.ID
	name    string
}

type fetchEntry struct {
	callback model.Callback
	scope    model.Scope
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		global:  make(map[string]model.Callback),
		byGuild: make(map[guildKey]model.Callback),
		byChan:  make(map[channelKey]model.Callback),
		fetch:   make(map[string]fetchEntry),
	}
}

// Put registers name's callback in the scope map matching scope, and,
// if fetch is true, also in the fetch map. It is the caller's
// responsibility (the executor) to serialize calls to Put/Remove
// against concurrent subscribe/unsubscribe for the same name.
func (r *Registry) Put(name string, scope model.Scope, callback model.Callback, fetch bool) {
	name = normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()

	switch scope.Kind {
	case model.ScopeGlobal:
		r.global[name] = callback
	case model.ScopeGuild:
		r.byGuild[guildKey{guild: scope.GuildID, name: name}] = callback
	case model.ScopeChannel:
		r.byChan[channelKey{channel: scope.ChannelID, name: name}] = callback
	}

	if fetch {
		r.fetch[name] = fetchEntry{callback: callback, scope: scope}
	}
}

// Remove unregisters name from both the scope map matching scope and
// the fetch map.
func (r *Registry) Remove(name string, scope model.Scope) {
	name = normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()

	switch scope.Kind {
	case model.ScopeGlobal:
		delete(r.global, name)
	case model.ScopeGuild:
		delete(r.byGuild, guildKey{guild: scope.GuildID, name: name})
	case model.ScopeChannel:
		delete(r.byChan, channelKey{channel: scope.ChannelID, name: name})
	}
	delete(r.fetch, name)
}

// Subscriber is one registered subscriber's name and callback,
// returned by the lookup methods below.
type Subscriber struct {
	Name     string
	Callback model.Callback
}

// ForMessage returns the union of subscribers registered globally, at
// the message's guild scope, and at its channel scope — the fan-out
// set for a live message arriving in channelID within guildID.
func (r *Registry) ForMessage(guildID, channelID snowflake.ID) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Subscriber
	add := func(name string, cb model.Callback) {
		if !seen[name] {
			seen[name] = true
			out = append(out, Subscriber{Name: name, Callback: cb})
		}
	}
	for name, cb := range r.global {
		add(name, cb)
	}
	for k, cb := range r.byGuild {
		if k.guild == guildID {
			add(k.name, cb)
		}
	}
	for k, cb := range r.byChan {
		if k.channel == channelID {
			add(k.name, cb)
		}
	}
	return out
}

// ActiveNames returns every subscriber name present in the fetch map —
// the set the planner and worker are allowed to do persisted work for.
func (r *Registry) ActiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.fetch))
	for name := range r.fetch {
		out = append(out, name)
	}
	return out
}

// FetchScope reports the scope a fetch-registered subscriber opted
// into, used by the router's channel-created handler and the engine's
// ready handler to decide which new channels it owns.
func (r *Registry) FetchScope(name string) (model.Scope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.fetch[normalize(name)]
	return e.scope, ok
}

// Callback looks up a fetch-registered subscriber's callback by name,
// used by the worker to invoke backfill deliveries.
func (r *Registry) Callback(name string) (model.Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.fetch[normalize(name)]
	return e.callback, ok
}
