package loader

import (
	"fmt"

	"github.com/roach88/ccmrt/internal/ir"
)

// Spec is one requested resource.
//
//	URL      "data.json"
//	Exchange ["api/notes", {"key": "n1"}]
//	Serial   ["a.json", "b.json"]  loaded one after the other
//	Parallel nested list inside a Serial, loaded concurrently
type Spec interface {
	spec()
}

// URL is a plain resource, cached by its address.
type URL string

// Exchange sends Payload to URL and yields the response. Never cached.
type Exchange struct {
	URL     string
	Payload ir.IRObject
}

// Serial loads its items in order; its result is the list of results.
type Serial []Spec

// Parallel loads its items concurrently; its result is the list of results.
type Parallel []Spec

func (URL) spec()      {}
func (Exchange) spec() {}
func (Serial) spec()   {}
func (Parallel) spec() {}

// ParseSpec reads a spec from descriptor arguments. A two-element list of
// a string and an object is an exchange; any other list is serial, and
// lists nested in it alternate to parallel and back.
func ParseSpec(v ir.IRValue) (Spec, error) {
	return parseSpec(v, false)
}

func parseSpec(v ir.IRValue, inSerial bool) (Spec, error) {
	switch val := v.(type) {
	case ir.IRString:
		if val == "" {
			return nil, fmt.Errorf("empty resource url")
		}
		return URL(val), nil
	case ir.IRArray:
		if len(val) == 2 {
			u, uok := val[0].(ir.IRString)
			p, pok := val[1].(ir.IRObject)
			if uok && pok {
				return Exchange{URL: string(u), Payload: p}, nil
			}
		}
		items := make([]Spec, len(val))
		for i, elem := range val {
			s, err := parseSpec(elem, !inSerial)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = s
		}
		if inSerial {
			return Parallel(items), nil
		}
		return Serial(items), nil
	}
	return nil, fmt.Errorf("resource must be a url or a list, got %T", v)
}

// ParseSpecs parses every element of a load descriptor.
func ParseSpecs(args ir.IRArray) ([]Spec, error) {
	specs := make([]Spec, len(args))
	for i, a := range args {
		s, err := ParseSpec(a)
		if err != nil {
			return nil, fmt.Errorf("resource %d: %w", i, err)
		}
		specs[i] = s
	}
	return specs, nil
}
