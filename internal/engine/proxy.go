package engine

import (
	"context"
	"sync"

	"github.com/roach88/ccmrt/internal/ir"
)

// Proxy occupies the slot of a lazily created instance. It is pending
// until Materialize renders the target, after which it is resolved to
// that instance and the slot holds the instance instead of the proxy.
type Proxy struct {
	ir.Extension

	engine *Engine
	ref    ir.IRValue
	config ir.IRValue
	parent *Instance
	slot   slot

	mu   sync.Mutex
	inst *Instance
}

// DisplayName implements ir.Named.
func (p *Proxy) DisplayName() string { return "proxy" }

// Ref returns the component reference the proxy will instantiate.
func (p *Proxy) Ref() ir.IRValue { return p.ref }

// Parent returns the instance the proxy was created for.
func (p *Proxy) Parent() *Instance { return p.parent }

// Resolved returns the materialized instance, if any.
func (p *Proxy) Resolved() (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inst, p.inst != nil
}

// Materialize renders the target with the proxy's config, puts the
// instance into the proxy's slot and returns it. Later calls return the
// same instance.
func (p *Proxy) Materialize(ctx context.Context) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inst != nil {
		return p.inst, nil
	}

	def, err := p.engine.define(ctx, p.ref)
	if err != nil {
		return nil, err
	}
	inst, err := p.engine.run(ctx, def, ir.Clone(p.config), true, p.parent)
	if err != nil {
		return nil, err
	}
	p.slot.set(inst)
	p.inst = inst
	return inst, nil
}

// slot is a position in an object or array that a dependency resolves
// into.
type slot struct {
	obj ir.IRObject
	key string
	arr ir.IRArray
	idx int
}

func (s slot) set(v ir.IRValue) {
	switch {
	case s.obj != nil:
		s.obj[s.key] = v
	case s.arr != nil:
		s.arr[s.idx] = v
	}
}
