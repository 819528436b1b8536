package datastore

import (
	"context"
	"fmt"

	"github.com/roach88/ccmrt/internal/dep"
	"github.com/roach88/ccmrt/internal/ir"
)

// visited holds the records on the current resolution path, as
// source + NUL + key.
type visited map[string]struct{}

func (v visited) with(id string) visited {
	out := make(visited, len(v)+1)
	for k := range v {
		out[k] = struct{}{}
	}
	out[id] = struct{}{}
	return out
}

// resolveRecord replaces the data dependencies inside rec with their
// results. rec must be a private copy.
func (m *Manager) resolveRecord(ctx context.Context, owner *Datastore, rec ir.IRObject, path visited) error {
	id := owner.source + "\x00" + ir.KeyString(rec["key"])
	if _, seen := path[id]; seen {
		return nil
	}
	return m.resolveIn(ctx, rec, path.with(id))
}

// resolveIn walks objects and arrays, replacing each record dependency
// slot in place. Other descriptors are left for the instantiation engine.
func (m *Manager) resolveIn(ctx context.Context, v ir.IRValue, path visited) error {
	switch val := v.(type) {
	case ir.IRObject:
		for _, k := range val.SortedKeys() {
			res, replace, err := m.resolveSlot(ctx, val[k], path)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			if replace {
				val[k] = res
			}
		}
	case ir.IRArray:
		for i := range val {
			res, replace, err := m.resolveSlot(ctx, val[i], path)
			if err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
			if replace {
				val[i] = res
			}
		}
	}
	return nil
}

func (m *Manager) resolveSlot(ctx context.Context, v ir.IRValue, path visited) (ir.IRValue, bool, error) {
	d, err := dep.Parse(v)
	if err != nil {
		// a malformed descriptor in stored data is kept as data
		m.logger.Debug("leaving malformed descriptor", "error", err)
		return nil, false, nil
	}

	switch d := d.(type) {
	case nil:
		return nil, false, m.resolveIn(ctx, v, path)

	case *dep.FetchRecord:
		ds, err := m.Open(ctx, d.Settings)
		if err != nil {
			return nil, false, err
		}
		res, err := ds.fetch(ctx, d.Lookup, path)
		if err != nil {
			return nil, false, err
		}
		if res == nil {
			res = ir.IRNull{}
		}
		return res, true, nil

	case *dep.OpenStore:
		ds, err := m.Open(ctx, d.Settings)
		if err != nil {
			return nil, false, err
		}
		return ds, true, nil

	case *dep.LoadResource:
		if m.loader == nil {
			return nil, false, fmt.Errorf("no resource loader")
		}
		res, err := m.loader.LoadArgs(ctx, d.Resources)
		if err != nil {
			return nil, false, err
		}
		return res, true, nil
	}
	return nil, false, nil
}
