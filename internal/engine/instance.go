package engine

import (
	"context"
	"strconv"
	"sync"

	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/registry"
)

// Initializer is implemented by behaviors with an init hook. Init runs
// once per instance, after every dependency of the flow is resolved.
type Initializer interface {
	Init(ctx context.Context, inst *Instance) error
}

// Readier is implemented by behaviors with a ready hook. Ready runs once,
// after every instance of the flow is initialized, children first.
type Readier interface {
	Ready(ctx context.Context, inst *Instance) error
}

// Renderer is implemented by behaviors that draw into their element.
type Renderer interface {
	Render(ctx context.Context, inst *Instance) error
}

// Instance is a configured, live use of a component.
type Instance struct {
	ir.Extension

	// ID is 1-based and counted per component.
	ID int64
	// Index is "<component index>-<id>".
	Index string
	// Component is the definition (or variant) the instance was made from.
	Component *registry.Definition
	// Fields is the merged configuration with dependencies resolved.
	Fields ir.IRObject
	// Behavior is the constructor's result; nil for data-only components.
	Behavior any

	parent string
	arena  *Arena

	mu          sync.Mutex
	initialized bool
	ready       bool
}

// DisplayName implements ir.Named.
func (i *Instance) DisplayName() string { return "instance " + i.Index }

// Parent returns the instance this one was created for, or nil for a root.
func (i *Instance) Parent() *Instance {
	if i.parent == "" || i.arena == nil {
		return nil
	}
	p, _ := i.arena.Get(i.parent)
	return p
}

// Root returns the topmost ancestor, or i itself when it has no parent.
func (i *Instance) Root() *Instance {
	root := i
	for p := root.Parent(); p != nil; p = p.Parent() {
		root = p
	}
	return root
}

// Find walks up the parents and returns the field at path of the nearest
// ancestor that sets it. A field holding i itself is skipped, so a child
// never finds itself through the parent that embeds it.
func (i *Instance) Find(path string) (ir.IRValue, bool) {
	for p := i.Parent(); p != nil; p = p.Parent() {
		v, ok := p.Get(path)
		if _, null := v.(ir.IRNull); !ok || v == nil || null {
			continue
		}
		if inst, isInst := v.(*Instance); isInst && inst == i {
			continue
		}
		return v, true
	}
	return nil, false
}

// Get reads a field by dotted path.
func (i *Instance) Get(path string) (ir.IRValue, bool) {
	return ir.GetPath(i.Fields, path)
}

// Element returns the host node the instance renders into, if any.
func (i *Instance) Element() ir.Node {
	n, _ := i.Fields["element"].(ir.Node)
	return n
}

// Initialized reports whether the init pass has reached the instance.
func (i *Instance) Initialized() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.initialized
}

// Ready reports whether the ready pass has reached the instance.
func (i *Instance) Ready() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ready
}

// markInit flips the init flag and reports whether it was unset.
func (i *Instance) markInit() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.initialized {
		return false
	}
	i.initialized = true
	return true
}

func (i *Instance) markReady() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ready {
		return false
	}
	i.ready = true
	return true
}

func instanceIndex(def *registry.Definition, id int64) string {
	return def.Index + "-" + strconv.FormatInt(id, 10)
}

// Arena owns every instance of a runtime, by index. Parent links are
// arena lookups, so instances are never removed: an arena grows with
// every instance its runtime creates and is released with the runtime.
//
// Thread-safety: Arena is safe for concurrent use.
type Arena struct {
	mu      sync.RWMutex
	byIndex map[string]*Instance
	order   []*Instance
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{byIndex: make(map[string]*Instance)}
}

// Add stores inst under its index.
func (a *Arena) Add(inst *Instance) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inst.arena = a
	a.byIndex[inst.Index] = inst
	a.order = append(a.order, inst)
}

// Get looks an instance up by index.
func (a *Arena) Get(index string) (*Instance, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	inst, ok := a.byIndex[index]
	return inst, ok
}

// Len returns the number of instances.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.order)
}

// All returns every instance in creation order.
func (a *Arena) All() []*Instance {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*Instance(nil), a.order...)
}
