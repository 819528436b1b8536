package engine

import (
	"context"

	"github.com/roach88/ccmrt/internal/datastore"
	"github.com/roach88/ccmrt/internal/ir"
)

// discover lists the root and every instance and datastore reachable
// through fields, breadth-first, each once. Proxies, nodes and component
// definitions are not entered; parents are never followed.
func (f *flow) discover(root *Instance) []ir.IRValue {
	seen := map[any]struct{}{root: {}}
	found := []ir.IRValue{root}
	queue := []ir.IRValue{root.Fields}

	visit := func(v ir.IRValue) {
		switch x := v.(type) {
		case *Instance:
			if _, ok := seen[x]; ok {
				return
			}
			seen[x] = struct{}{}
			found = append(found, x)
			queue = append(queue, x.Fields)
		case *datastore.Datastore:
			if _, ok := seen[x]; ok {
				return
			}
			seen[x] = struct{}{}
			found = append(found, x)
		case ir.IRObject, ir.IRArray:
			queue = append(queue, x)
		}
	}

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		switch val := c.(type) {
		case ir.IRObject:
			for _, k := range val.SortedKeys() {
				visit(val[k])
			}
		case ir.IRArray:
			for _, v := range val {
				visit(v)
			}
		}
	}
	return found
}

// initPass runs each pending init once, in discovery order.
func (f *flow) initPass(ctx context.Context, found []ir.IRValue) error {
	for _, v := range found {
		switch x := v.(type) {
		case *Instance:
			if !x.markInit() {
				continue
			}
			if h, ok := x.Behavior.(Initializer); ok {
				if err := h.Init(ctx, x); err != nil {
					return newHookError(f.token, x.Index, "init", err)
				}
			}
			f.emit(EventInit, x.Index, x.parent)
		case *datastore.Datastore:
			if x.Initialized() {
				continue
			}
			if err := x.Init(ctx); err != nil {
				return newHookError(f.token, x.Source(), "init", err)
			}
			f.emit(EventInit, x.Source(), "")
		}
	}
	return nil
}

// readyPass runs each pending ready hook once, in reverse discovery order.
func (f *flow) readyPass(ctx context.Context, found []ir.IRValue) error {
	for i := len(found) - 1; i >= 0; i-- {
		x, ok := found[i].(*Instance)
		if !ok || !x.markReady() {
			continue
		}
		if h, ok := x.Behavior.(Readier); ok {
			if err := h.Ready(ctx, x); err != nil {
				return newHookError(f.token, x.Index, "ready", err)
			}
		}
		f.emit(EventReady, x.Index, x.parent)
	}
	return nil
}

func (f *flow) render(ctx context.Context, inst *Instance) error {
	if h, ok := inst.Behavior.(Renderer); ok {
		if err := h.Render(ctx, inst); err != nil {
			return newHookError(f.token, inst.Index, "render", err)
		}
	}
	f.emit(EventRender, inst.Index, inst.parent)
	return nil
}
