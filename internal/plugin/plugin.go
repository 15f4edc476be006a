// Package plugin defines the lister abstraction used by discovery.
package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// Listing is what one lister returned for one account/region.
// Issues are instance-level problems found while extracting records.
type Listing struct {
	Records []inventory.InstanceRecord
	Issues  []inventory.ScanError
}

// Merge appends another listing.
func (l *Listing) Merge(other Listing) {
	l.Records = append(l.Records, other.Records...)
	l.Issues = append(l.Issues, other.Issues...)
}

// Lister enumerates managed databases of one engine family.
// An error means the listing as a whole failed; List must not panic on
// malformed provider objects.
type Lister interface {
	Engine() string
	List(ctx context.Context) (Listing, error)
}

// Factory builds a lister bound to brokered credentials and one region.
type Factory func(cfg aws.Config, accountID, region string) Lister

// Registry holds lister factories keyed by engine name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for an engine.
func (r *Registry) Register(engine string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[engine] = f
}

// Get returns the factory for an engine.
func (r *Registry) Get(engine string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[engine]
	return f, ok
}

// Listers builds one lister per requested engine.
func (r *Registry) Listers(cfg aws.Config, accountID, region string, engines []string) ([]Lister, error) {
	listers := make([]Lister, 0, len(engines))
	for _, engine := range engines {
		f, ok := r.Get(engine)
		if !ok {
			return nil, fmt.Errorf("no lister registered for engine %q", engine)
		}
		listers = append(listers, f(cfg, accountID, region))
	}
	return listers, nil
}
