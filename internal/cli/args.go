package cli

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ccmrt/internal/ir"
)

var errNotObject = errors.New("expected a JSON object")

// parseObject decodes a JSON object argument.
func parseObject(s string) (ir.IRObject, error) {
	v, err := ir.Unmarshal([]byte(s))
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, errNotObject
	}
	return obj, nil
}

// parseKey reads a record key argument: a JSON number or string when the
// argument is valid JSON for one, the raw text otherwise.
func parseKey(s string) ir.IRValue {
	if v, err := ir.Unmarshal([]byte(s)); err == nil && ir.ValidKey(v) {
		return v
	}
	return ir.IRString(s)
}

// readObjectFile reads a YAML or JSON file holding one object.
func readObjectFile(path string) (ir.IRObject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if raw == nil {
		return ir.IRObject{}, nil
	}
	v, err := ir.FromGo(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, errNotObject)
	}
	return obj, nil
}
