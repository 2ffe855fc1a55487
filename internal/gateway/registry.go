package gateway

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
)

// Registry holds the federations the gateway serves. The payment path reads
// from an in-memory cache; administrative registration and removal write
// through to the store and refresh the cache.
type Registry struct {
	store  FederationStore
	logger *log.Logger

	mu   sync.RWMutex
	regs map[string]FederationRegistration
}

func NewRegistry(store FederationStore, logger *log.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		regs:   make(map[string]FederationRegistration),
	}
}

// Load populates the cache from the store. Called once at startup.
func (r *Registry) Load(ctx context.Context) error {
	regs, err := r.store.ListFederations(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.regs = make(map[string]FederationRegistration, len(regs))
	for _, reg := range regs {
		r.regs[reg.ID] = reg
	}
	count := len(r.regs)
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Printf("registry: loaded %d federation(s)", count)
	}
	return nil
}

// Lookup returns the registration for a federation id.
func (r *Registry) Lookup(id string) (FederationRegistration, error) {
	r.mu.RLock()
	reg, ok := r.regs[id]
	r.mu.RUnlock()
	if !ok {
		return FederationRegistration{}, ErrUnknownFederation
	}
	return reg, nil
}

func (r *Registry) Register(ctx context.Context, reg FederationRegistration) error {
	reg.ID = strings.TrimSpace(reg.ID)
	reg.Endpoint = strings.TrimSpace(reg.Endpoint)
	if err := r.store.UpsertFederation(ctx, reg); err != nil {
		return err
	}

	stored, err := r.store.ListFederations(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.regs = make(map[string]FederationRegistration, len(stored))
	for _, s := range stored {
		r.regs[s.ID] = s
	}
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Printf("registry: registered federation %s at %s", reg.ID, reg.Endpoint)
	}
	return nil
}

func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.store.RemoveFederation(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.regs, id)
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Printf("registry: removed federation %s", id)
	}
	return nil
}

func (r *Registry) List() []FederationRegistration {
	r.mu.RLock()
	out := make([]FederationRegistration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
