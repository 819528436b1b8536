// Package dep defines dependency descriptors: instructions embedded in a
// configuration tree or a stored record that say "replace this slot with
// the result of operation X".
//
// On the wire a descriptor is a tuple whose first element is a tag:
//
//	["ccm.load", "style.css", ["data.json", {"q": 1}]]
//	["ccm.component", "chat-2.1.0", {"color": "red"}]
//	["ccm.instance", "ccm.chat.json", {"user": ["ccm.instance", "user"]}]
//	["ccm.proxy", "chat", {"title": "later"}]
//	["ccm.store", {"store": "notes", "url": "ws://host/db"}]
//	["ccm.dataset", {"store": "notes"}, "note_1"]
//
// Parse turns such a tuple into one of the closed set of variants below.
// Variants embed ir.Extension so Go code can also place them in a config
// directly.
package dep

import (
	"errors"
	"fmt"

	"github.com/roach88/ccmrt/internal/ir"
)

// Tag identifies a descriptor's operation.
type Tag string

const (
	TagLoad      Tag = "ccm.load"
	TagComponent Tag = "ccm.component"
	TagInstance  Tag = "ccm.instance"
	TagStart     Tag = "ccm.start" // instance, rendered right after creation
	TagProxy     Tag = "ccm.proxy"
	TagStore     Tag = "ccm.store"
	TagDataset   Tag = "ccm.dataset"
	TagGet       Tag = "ccm.get" // alias of ccm.dataset
)

// ErrInvalid is returned for a recognized tag with malformed arguments.
var ErrInvalid = errors.New("invalid dependency descriptor")

// Descriptor is the closed set of dependency operations.
type Descriptor interface {
	ir.IRValue
	Tag() Tag
	// Encode returns the wire tuple.
	Encode() ir.IRArray
	descriptor()
}

// LoadResource loads one or more resources through the resource loader.
// Each element is a URL, a [url, payload] exchange pair or a nested list
// loaded serially.
type LoadResource struct {
	ir.Extension
	Resources ir.IRArray
}

// RegisterComponent registers a component, optionally as a variant with
// overridden default configuration.
type RegisterComponent struct {
	ir.Extension
	Ref      ir.IRValue // index string, manifest URL or *registry.Definition
	Defaults ir.IRValue // nil, object or host node
}

// CreateInstance builds a nested instance of Ref.
type CreateInstance struct {
	ir.Extension
	Ref    ir.IRValue
	Config ir.IRValue // nil, object, host node or FetchRecord
	Render bool
}

// CreateLazyProxy defers instantiation until the proxy is materialized.
type CreateLazyProxy struct {
	ir.Extension
	Ref    ir.IRValue
	Config ir.IRValue
}

// OpenStore opens (or reuses) the datastore described by Settings.
type OpenStore struct {
	ir.Extension
	Settings ir.IRObject
}

// FetchRecord reads a record, or the records matching a query, from the
// datastore described by Settings.
type FetchRecord struct {
	ir.Extension
	Settings ir.IRObject
	Lookup   ir.IRValue // key, query object or nil for everything
}

func (*LoadResource) descriptor()      {}
func (*RegisterComponent) descriptor() {}
func (*CreateInstance) descriptor()    {}
func (*CreateLazyProxy) descriptor()   {}
func (*OpenStore) descriptor()         {}
func (*FetchRecord) descriptor()       {}

func (*LoadResource) Tag() Tag      { return TagLoad }
func (*RegisterComponent) Tag() Tag { return TagComponent }
func (*CreateLazyProxy) Tag() Tag   { return TagProxy }
func (*OpenStore) Tag() Tag         { return TagStore }
func (*FetchRecord) Tag() Tag       { return TagDataset }

func (d *CreateInstance) Tag() Tag {
	if d.Render {
		return TagStart
	}
	return TagInstance
}

func (d *LoadResource) Encode() ir.IRArray {
	return append(ir.IRArray{ir.IRString(TagLoad)}, d.Resources...)
}

func (d *RegisterComponent) Encode() ir.IRArray {
	return encodeTuple(d.Tag(), d.Ref, d.Defaults)
}

func (d *CreateInstance) Encode() ir.IRArray {
	return encodeTuple(d.Tag(), d.Ref, d.Config)
}

func (d *CreateLazyProxy) Encode() ir.IRArray {
	return encodeTuple(d.Tag(), d.Ref, d.Config)
}

func (d *OpenStore) Encode() ir.IRArray {
	return encodeTuple(d.Tag(), settingsOrEmpty(d.Settings))
}

func (d *FetchRecord) Encode() ir.IRArray {
	return encodeTuple(d.Tag(), settingsOrEmpty(d.Settings), d.Lookup)
}

// DisplayName renders the descriptor in trace and CLI output.
func (d *LoadResource) DisplayName() string      { return display(d) }
func (d *RegisterComponent) DisplayName() string { return display(d) }
func (d *CreateInstance) DisplayName() string    { return display(d) }
func (d *CreateLazyProxy) DisplayName() string   { return display(d) }
func (d *OpenStore) DisplayName() string         { return display(d) }
func (d *FetchRecord) DisplayName() string       { return display(d) }

func display(d Descriptor) string {
	b, err := ir.Marshal(d.Encode())
	if err != nil {
		return string(d.Tag())
	}
	return string(b)
}

func encodeTuple(tag Tag, args ...ir.IRValue) ir.IRArray {
	// trailing nil arguments are dropped, inner nils become null
	for len(args) > 0 && args[len(args)-1] == nil {
		args = args[:len(args)-1]
	}
	out := ir.IRArray{ir.IRString(tag)}
	for _, a := range args {
		if a == nil {
			a = ir.IRNull{}
		}
		out = append(out, a)
	}
	return out
}

func settingsOrEmpty(s ir.IRObject) ir.IRObject {
	if s == nil {
		return ir.IRObject{}
	}
	return s
}

// Parse recognizes a descriptor in a value slot. It returns (nil, nil) for
// values that are not descriptors, including arrays whose first element is
// an unknown tag, and ErrInvalid for a known tag with bad arguments.
func Parse(v ir.IRValue) (Descriptor, error) {
	switch val := v.(type) {
	case Descriptor:
		return val, nil
	case ir.IRArray:
		return parseTuple(val)
	}
	return nil, nil
}

// Is reports whether v is a descriptor (well-formed or not).
func Is(v ir.IRValue) bool {
	if _, ok := v.(Descriptor); ok {
		return true
	}
	arr, ok := v.(ir.IRArray)
	if !ok || len(arr) == 0 {
		return false
	}
	tag, ok := arr[0].(ir.IRString)
	return ok && known(Tag(tag))
}

func known(t Tag) bool {
	switch t {
	case TagLoad, TagComponent, TagInstance, TagStart, TagProxy, TagStore, TagDataset, TagGet:
		return true
	}
	return false
}

func parseTuple(arr ir.IRArray) (Descriptor, error) {
	if len(arr) == 0 {
		return nil, nil
	}
	s, ok := arr[0].(ir.IRString)
	if !ok || !known(Tag(s)) {
		return nil, nil
	}
	tag := Tag(s)
	args := arr[1:]
	arg := func(i int) ir.IRValue {
		if i < len(args) {
			if _, null := args[i].(ir.IRNull); !null {
				return args[i]
			}
		}
		return nil
	}

	switch tag {
	case TagLoad:
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: %s needs at least one resource", ErrInvalid, tag)
		}
		return &LoadResource{Resources: append(ir.IRArray(nil), args...)}, nil

	case TagComponent, TagInstance, TagStart, TagProxy:
		ref := arg(0)
		if ref == nil {
			return nil, fmt.Errorf("%w: %s needs a component reference", ErrInvalid, tag)
		}
		if _, isArr := ref.(ir.IRArray); isArr {
			return nil, fmt.Errorf("%w: %s reference must not be a list", ErrInvalid, tag)
		}
		switch tag {
		case TagComponent:
			return &RegisterComponent{Ref: ref, Defaults: arg(1)}, nil
		case TagProxy:
			return &CreateLazyProxy{Ref: ref, Config: arg(1)}, nil
		default:
			cfg := arg(1)
			if cfg != nil {
				if d, err := Parse(cfg); err != nil {
					return nil, err
				} else if d != nil {
					cfg = d
				}
			}
			return &CreateInstance{Ref: ref, Config: cfg, Render: tag == TagStart}, nil
		}

	case TagStore:
		settings, err := settingsArg(tag, arg(0))
		if err != nil {
			return nil, err
		}
		return &OpenStore{Settings: settings}, nil

	case TagDataset, TagGet:
		settings, err := settingsArg(tag, arg(0))
		if err != nil {
			return nil, err
		}
		return &FetchRecord{Settings: settings, Lookup: arg(1)}, nil
	}
	return nil, nil
}

func settingsArg(tag Tag, v ir.IRValue) (ir.IRObject, error) {
	switch s := v.(type) {
	case nil:
		return ir.IRObject{}, nil
	case ir.IRObject:
		return s, nil
	case ir.IRString:
		// a bare string names the initial data of a cache-only store
		return ir.IRObject{"local": s}, nil
	}
	return nil, fmt.Errorf("%w: %s settings must be an object, got %T", ErrInvalid, tag, v)
}
