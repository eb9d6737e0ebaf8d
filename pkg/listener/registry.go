package listener

import (
	"errors"
	"fmt"
	"sync"

	"github.com/josephjohncox/vectorwing/pkg/connector"
)

// Registry is the process-wide table of listener specs. Lookups take a read
// lock and may run concurrently; Register and Deregister take the write lock.
// Fan-out order is registration order and is stable across lookups.
type Registry struct {
	mu           sync.RWMutex
	specs        map[string]connector.ListenerSpec
	byCollection map[string][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:        make(map[string]connector.ListenerSpec),
		byCollection: make(map[string][]string),
	}
}

// Register adds a spec. It fails with ErrDuplicateListener when the
// identifier is already present.
func (r *Registry) Register(spec connector.ListenerSpec) error {
	if err := validate(spec); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.Identifier]; exists {
		return fmt.Errorf("register %s: %w", spec.Identifier, connector.ErrDuplicateListener)
	}
	r.specs[spec.Identifier] = spec
	r.byCollection[spec.Collection] = append(r.byCollection[spec.Collection], spec.Identifier)
	return nil
}

// Deregister removes a spec. Removing an absent identifier is a no-op.
func (r *Registry) Deregister(identifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	spec, exists := r.specs[identifier]
	if !exists {
		return
	}
	delete(r.specs, identifier)

	ids := r.byCollection[spec.Collection]
	for i, id := range ids {
		if id == identifier {
			r.byCollection[spec.Collection] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byCollection[spec.Collection]) == 0 {
		delete(r.byCollection, spec.Collection)
	}
}

// Get returns the spec for an identifier.
func (r *Registry) Get(identifier string) (connector.ListenerSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[identifier]
	return spec, ok
}

// Lookup returns every listener on the collection whose input fields
// intersect changedFields, in registration order. A nil changedFields matches
// every listener on the collection (full-document changes).
func (r *Registry) Lookup(collection string, changedFields []string) []connector.ListenerSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byCollection[collection]
	if len(ids) == 0 {
		return nil
	}

	var changed map[string]bool
	if changedFields != nil {
		changed = make(map[string]bool, len(changedFields))
		for _, field := range changedFields {
			changed[field] = true
		}
	}

	matched := make([]connector.ListenerSpec, 0, len(ids))
	for _, id := range ids {
		spec := r.specs[id]
		if changed == nil || intersects(spec.InputFields, changed) {
			matched = append(matched, spec)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	return matched
}

// ForCollection returns every listener on the collection in registration
// order, regardless of fields. Used for delete fan-out.
func (r *Registry) ForCollection(collection string) []connector.ListenerSpec {
	return r.Lookup(collection, nil)
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

func intersects(fields []string, changed map[string]bool) bool {
	for _, field := range fields {
		if changed[field] {
			return true
		}
	}
	return false
}

func validate(spec connector.ListenerSpec) error {
	if spec.Identifier == "" {
		return errors.New("listener identifier is required")
	}
	if spec.Collection == "" {
		return errors.New("listener collection is required")
	}
	if len(spec.InputFields) == 0 {
		return errors.New("listener input fields are required")
	}
	if spec.ModelRef == "" {
		return errors.New("listener model reference is required")
	}
	switch spec.Destination {
	case connector.DestinationStoreField:
		if spec.TargetField == "" {
			return errors.New("listener target field is required for store destination")
		}
	case connector.DestinationVectorIndex:
	default:
		return fmt.Errorf("unknown listener destination %q", spec.Destination)
	}
	switch spec.Compute {
	case connector.ComputeInline, connector.ComputeDistributed:
	default:
		return fmt.Errorf("unknown listener compute kind %q", spec.Compute)
	}
	return nil
}
