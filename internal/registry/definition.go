package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roach88/ccmrt/internal/ir"
)

// Constructor returns the behavior of a new instance. The instantiation
// engine calls the optional hook methods it finds on the value.
type Constructor func() any

// Component is the code side of a component, looked up by name when a
// data-only manifest is registered.
type Component struct {
	New    Constructor
	Config ir.IRObject
	// Setup runs once when the component's definition is registered.
	Setup func(ctx context.Context, def *Definition) error
}

// Catalog maps component names to their code.
type Catalog map[string]Component

// Instantiator builds instances for bound factories. The instantiation
// engine implements it.
type Instantiator interface {
	Instantiate(ctx context.Context, def *Definition, config ir.IRValue, render bool) (ir.IRValue, error)
}

// Definition is a registered component.
type Definition struct {
	ir.Extension

	Index   string
	Name    string
	Version []int
	// Config holds the default configuration. Variants carry the override
	// merged over the base defaults.
	Config ir.IRObject
	New    Constructor

	// Base is the registered definition a variant was derived from.
	Base *Definition

	registry  *Registry
	setup     func(ctx context.Context, def *Definition) error
	setupOnce sync.Once
	setupErr  error
	instances atomic.Int64
}

// DisplayName implements ir.Named.
func (d *Definition) DisplayName() string { return "component " + d.Index }

// Root returns the registered definition behind a variant, or d itself.
func (d *Definition) Root() *Definition {
	for d.Base != nil {
		d = d.Base
	}
	return d
}

// NextID assigns the next instance id. Ids start at 1 and are shared by
// a definition and all its variants.
func (d *Definition) NextID() int64 {
	return d.Root().instances.Add(1)
}

// Instances returns the number of instances created so far.
func (d *Definition) Instances() int64 {
	return d.Root().instances.Load()
}

// Instance creates an instance of the definition.
func (d *Definition) Instance(ctx context.Context, config ir.IRValue) (ir.IRValue, error) {
	return d.registry.instantiator().Instantiate(ctx, d, config, false)
}

// Render creates an instance and renders it.
func (d *Definition) Render(ctx context.Context, config ir.IRValue) (ir.IRValue, error) {
	return d.registry.instantiator().Instantiate(ctx, d, config, true)
}

// Variant returns a definition whose defaults are override merged over
// d's defaults, override winning. Instances created through the variant
// reference the variant.
func (d *Definition) Variant(override ir.IRObject) *Definition {
	return &Definition{
		Index:    d.Index,
		Name:     d.Name,
		Version:  d.Version,
		Config:   ir.Integrate(ir.CloneObject(override), ir.CloneObject(d.Config)),
		New:      d.New,
		Base:     d,
		registry: d.registry,
	}
}

// Defaults returns a copy of the default configuration.
func (d *Definition) Defaults() ir.IRObject {
	return ir.CloneObject(d.Config)
}

func (d *Definition) runSetup(ctx context.Context) error {
	d.setupOnce.Do(func() {
		if d.setup != nil {
			d.setupErr = d.setup(ctx, d)
		}
	})
	return d.setupErr
}
