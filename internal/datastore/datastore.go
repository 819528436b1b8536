// Package datastore implements tiered record stores.
//
// A datastore reads and writes through exactly one tier, chosen from its
// settings: a remote store when url is set, else a persistent object store
// when store is set, else only its in-memory cache. Every tier fills the
// cache, so keyed reads of cached records never leave the process.
//
// Records handed out are deep copies. Before a record is returned, the
// FetchRecord, OpenStore and LoadResource descriptors inside it are
// resolved, recursively; a record met again along the same resolution
// path is returned with its own references left unresolved.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/remote"
)

// ErrInvalidKey is returned for a record key that is neither a string
// matching ^[a-z_0-9][a-zA-Z_0-9]*$ nor a non-negative integer. Nothing
// is written.
var ErrInvalidKey = errors.New("invalid record key")

// ChangeHandler observes records changed by another client: the updated
// record, or the deleted record (nil if it was not cached).
type ChangeHandler func(key ir.IRValue, rec ir.IRObject)

// Datastore is one interned record store.
type Datastore struct {
	ir.Extension

	manager   *Manager
	source    string
	digest    string
	settings  settings
	level     Level
	transport remote.Transport
	socket    *remote.SocketTransport
	user      Authenticator

	mu          sync.Mutex
	local       map[string]ir.IRObject
	onChange    ChangeHandler
	initialized bool
}

// Source returns the interning key.
func (d *Datastore) Source() string { return d.source }

// Level returns the tier the datastore works through.
func (d *Datastore) Level() Level { return d.level }

// Settings returns a copy of the settings the datastore was opened with.
func (d *Datastore) Settings() ir.IRObject { return ir.CloneObject(d.settings.raw) }

// DisplayName implements ir.Named.
func (d *Datastore) DisplayName() string { return "datastore " + d.source }

// OnChange installs the handler for pushed changes.
func (d *Datastore) OnChange(fn ChangeHandler) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// Init completes a datastore: pushed changes start flowing into the
// cache. Only the first call has an effect.
func (d *Datastore) Init(ctx context.Context) error {
	d.mu.Lock()
	if d.initialized {
		d.mu.Unlock()
		return nil
	}
	d.initialized = true
	d.mu.Unlock()

	if d.socket != nil {
		d.socket.OnPush(d.applyPush)
	}
	return nil
}

// Initialized reports whether Init ran.
func (d *Datastore) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized
}

// seed fills the cache with initial records: an object of records by key,
// a list of records, or the URL of a resource holding either.
func (d *Datastore) seed(ctx context.Context, local ir.IRValue) error {
	if u, ok := local.(ir.IRString); ok {
		if d.manager.loader == nil {
			return fmt.Errorf("no resource loader for %s", u)
		}
		v, err := d.manager.loader.LoadArgs(ctx, ir.IRArray{u})
		if err != nil {
			return err
		}
		local = v
	}

	switch recs := local.(type) {
	case nil, ir.IRNull:
	case ir.IRObject:
		for _, k := range recs.SortedKeys() {
			rec, ok := recs[k].(ir.IRObject)
			if !ok {
				continue
			}
			rec = ir.CloneObject(rec)
			if _, has := rec["key"]; !has {
				rec["key"] = ir.IRString(k)
			}
			d.cacheRecord(rec)
		}
	case ir.IRArray:
		for _, v := range recs {
			if rec, ok := v.(ir.IRObject); ok {
				d.cacheRecord(ir.CloneObject(rec))
			}
		}
	default:
		return fmt.Errorf("initial records must be an object or a list, got %T", local)
	}
	return nil
}

// Get returns the record at key with its dependencies resolved, or nil.
func (d *Datastore) Get(ctx context.Context, key ir.IRValue) (ir.IRObject, error) {
	return d.get(ctx, key, nil)
}

// Query returns every record containing all fields of query, ordered by
// key. A nil query matches every record.
func (d *Datastore) Query(ctx context.Context, query ir.IRObject) ([]ir.IRObject, error) {
	return d.query(ctx, query, nil)
}

// Fetch is Get for a key and Query for an object or nil. A missing record
// is returned as nil.
func (d *Datastore) Fetch(ctx context.Context, lookup ir.IRValue) (ir.IRValue, error) {
	return d.fetch(ctx, lookup, nil)
}

func (d *Datastore) fetch(ctx context.Context, lookup ir.IRValue, path visited) (ir.IRValue, error) {
	switch q := lookup.(type) {
	case nil, ir.IRNull:
		return recordList(d.query(ctx, nil, path))
	case ir.IRObject:
		return recordList(d.query(ctx, q, path))
	}
	rec, err := d.get(ctx, lookup, path)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec, nil
}

func recordList(recs []ir.IRObject, err error) (ir.IRValue, error) {
	if err != nil {
		return nil, err
	}
	out := make(ir.IRArray, len(recs))
	for i, r := range recs {
		out[i] = r
	}
	return out, nil
}

func (d *Datastore) get(ctx context.Context, key ir.IRValue, path visited) (ir.IRObject, error) {
	if !ir.ValidKey(key) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, key)
	}
	d.manager.metrics.StoreOp("get", d.level.String(), d.digest)

	rec := d.cached(key)
	if rec == nil {
		var err error
		switch d.level {
		case LevelRemote:
			rec, err = d.remoteGet(ctx, key)
		case LevelPersistent:
			rec, err = d.manager.db.Get(ctx, d.settings.db, d.settings.store, key)
			if rec != nil {
				d.cacheRecord(ir.CloneObject(rec))
			}
		}
		if err != nil || rec == nil {
			return nil, err
		}
	}

	if err := d.manager.resolveRecord(ctx, d, rec, path); err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *Datastore) remoteGet(ctx context.Context, key ir.IRValue) (ir.IRObject, error) {
	resp, err := d.transport.Do(ctx, d.request(remote.OpGet, key))
	if err != nil {
		return nil, err
	}
	rec, ok := resp.(ir.IRObject)
	if !ok || !ir.ValidKey(rec["key"]) {
		return nil, nil
	}
	d.cacheRecord(ir.CloneObject(rec))
	return rec, nil
}

func (d *Datastore) query(ctx context.Context, query ir.IRObject, path visited) ([]ir.IRObject, error) {
	d.manager.metrics.StoreOp("query", d.level.String(), d.digest)

	var (
		recs []ir.IRObject
		err  error
	)
	switch d.level {
	case LevelRemote:
		var q ir.IRValue = ir.IRObject{}
		if query != nil {
			q = query
		}
		var resp ir.IRValue
		if resp, err = d.transport.Do(ctx, d.request(remote.OpGet, q)); err != nil {
			return nil, err
		}
		list, _ := resp.(ir.IRArray)
		for _, v := range list {
			if rec, ok := v.(ir.IRObject); ok && ir.ValidKey(rec["key"]) {
				d.cacheRecord(ir.CloneObject(rec))
				recs = append(recs, rec)
			}
		}
	case LevelPersistent:
		if recs, err = d.manager.db.Query(ctx, d.settings.db, d.settings.store, query); err != nil {
			return nil, err
		}
		for _, rec := range recs {
			d.cacheRecord(ir.CloneObject(rec))
		}
	default:
		recs = d.matchLocal(query)
	}

	for _, rec := range recs {
		if err := d.manager.resolveRecord(ctx, d, rec, path); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// Set writes a copy of rec, generating a key when it has none, and
// returns the stored record. In the cache an existing record is updated
// field by field (dotted field names address nested fields).
func (d *Datastore) Set(ctx context.Context, rec ir.IRObject) (ir.IRObject, error) {
	prio := ir.CloneObject(rec)
	if prio == nil {
		prio = ir.IRObject{}
	}
	key, ok := prio["key"]
	if !ok {
		key = ir.GenerateKey()
		prio["key"] = key
	}
	if !ir.ValidKey(key) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, key)
	}
	d.manager.metrics.StoreOp("set", d.level.String(), d.digest)

	switch d.level {
	case LevelRemote:
		resp, err := d.transport.Do(ctx, d.request(remote.OpSet, prio))
		if err != nil {
			return nil, err
		}
		saved, ok := resp.(ir.IRObject)
		if !ok || !ir.ValidKey(saved["key"]) {
			return nil, fmt.Errorf("%w: set answered with %v", remote.ErrRemote, ir.ToGo(resp))
		}
		// the server may have assigned its own key
		key = saved["key"]
		d.updateLocal(ir.CloneObject(saved))

	case LevelPersistent:
		existing, err := d.manager.db.Get(ctx, d.settings.db, d.settings.store, key)
		if err != nil {
			return nil, err
		}
		merged := ir.Integrate(ir.CloneObject(prio), existing)
		if err := d.manager.db.Put(ctx, d.settings.db, d.settings.store, merged); err != nil {
			return nil, err
		}
		d.cacheRecord(ir.CloneObject(merged))

	default:
		d.updateLocal(prio)
	}

	return d.get(ctx, key, nil)
}

// Delete removes the record at key from the tier and the cache and
// returns it, or nil when there was none. A nil key clears the datastore
// like Clear and returns the cleared records as an object keyed by
// record key.
func (d *Datastore) Delete(ctx context.Context, key ir.IRValue) (ir.IRObject, error) {
	if key == nil {
		cleared, err := d.Clear(ctx)
		if err != nil {
			return nil, err
		}
		byKey := make(ir.IRObject, len(cleared))
		for _, rec := range cleared {
			byKey[ir.KeyString(rec["key"])] = rec
		}
		return byKey, nil
	}
	if !ir.ValidKey(key) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, key)
	}
	d.manager.metrics.StoreOp("del", d.level.String(), d.digest)

	var deleted ir.IRObject
	switch d.level {
	case LevelRemote:
		resp, err := d.transport.Do(ctx, d.request(remote.OpDel, key))
		if err != nil {
			return nil, err
		}
		deleted, _ = resp.(ir.IRObject)
	case LevelPersistent:
		var err error
		if deleted, err = d.manager.db.Delete(ctx, d.settings.db, d.settings.store, key); err != nil {
			return nil, err
		}
	}

	if local := d.delLocal(key); deleted == nil {
		deleted = local
	}
	return deleted, nil
}

// Clear removes every record and returns them ordered by key. A remote
// datastore only forgets its cache; the remote records stay.
func (d *Datastore) Clear(ctx context.Context) ([]ir.IRObject, error) {
	d.manager.metrics.StoreOp("clear", d.level.String(), d.digest)

	var cleared []ir.IRObject
	if d.level == LevelPersistent {
		var err error
		if cleared, err = d.manager.db.Clear(ctx, d.settings.db, d.settings.store); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	local := d.local
	d.local = make(map[string]ir.IRObject)
	d.mu.Unlock()

	seen := make(map[string]bool, len(cleared))
	for _, rec := range cleared {
		seen[ir.KeyString(rec["key"])] = true
	}
	for k, rec := range local {
		if !seen[k] {
			cleared = append(cleared, rec)
		}
	}
	sortByKey(cleared)
	return cleared, nil
}

// Cached returns a copy of the cached record at key without resolving its
// dependencies.
func (d *Datastore) Cached(key ir.IRValue) ir.IRObject {
	return d.cached(key)
}

func (d *Datastore) request(op remote.Op, arg ir.IRValue) remote.Request {
	req := remote.Request{DB: d.settings.raw.String("db"), Store: d.settings.store, Op: op, Arg: arg}
	if d.user != nil && d.user.LoggedIn() {
		req.User, req.Token = d.user.Key(), d.user.Token()
	}
	return req
}

func (d *Datastore) cached(key ir.IRValue) ir.IRObject {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ir.CloneObject(d.local[ir.KeyString(key)])
}

func (d *Datastore) cacheRecord(rec ir.IRObject) {
	if !ir.ValidKey(rec["key"]) {
		return
	}
	d.mu.Lock()
	d.local[ir.KeyString(rec["key"])] = rec
	d.mu.Unlock()
}

// updateLocal integrates prio into the cached record with the same key,
// or caches prio when there is none.
func (d *Datastore) updateLocal(prio ir.IRObject) {
	k := ir.KeyString(prio["key"])
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.local[k]; ok {
		ir.Integrate(prio, existing)
		return
	}
	d.local[k] = prio
}

func (d *Datastore) delLocal(key ir.IRValue) ir.IRObject {
	k := ir.KeyString(key)
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := d.local[k]
	delete(d.local, k)
	return rec
}

func (d *Datastore) matchLocal(query ir.IRObject) []ir.IRObject {
	d.mu.Lock()
	var out []ir.IRObject
	for _, rec := range d.local {
		if ir.IsSubset(query, rec) {
			out = append(out, ir.CloneObject(rec))
		}
	}
	d.mu.Unlock()
	sortByKey(out)
	return out
}

func sortByKey(recs []ir.IRObject) {
	slices.SortFunc(recs, func(a, b ir.IRObject) int {
		ka, kb := ir.KeyString(a["key"]), ir.KeyString(b["key"])
		switch {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		}
		return 0
	})
}

// applyPush applies a change pushed by the server: an object updates the
// cache, anything else is the key of a deleted record.
func (d *Datastore) applyPush(msg ir.IRValue) {
	var (
		key ir.IRValue
		rec ir.IRObject
	)
	if obj, ok := msg.(ir.IRObject); ok {
		if !ir.ValidKey(obj["key"]) {
			d.manager.logger.Debug("dropping push without key", "source", d.source)
			return
		}
		key = obj["key"]
		d.updateLocal(ir.CloneObject(obj))
		rec = d.cached(key)
	} else {
		if !ir.ValidKey(msg) {
			d.manager.logger.Debug("dropping malformed push", "source", d.source)
			return
		}
		key = msg
		rec = d.delLocal(key)
	}

	d.mu.Lock()
	fn := d.onChange
	d.mu.Unlock()
	if fn != nil {
		fn(key, rec)
	}
}
