package engine

import (
	"strings"
	"sync"

	"github.com/roach88/ccmrt/internal/ir"
)

// Node is a host element. See ir.Node.
type Node = ir.Node

// Element is an in-memory host node. Render hooks write markup into it;
// the CLI and the scenario harness read it back.
type Element struct {
	ir.Extension

	Tag string

	mu      sync.Mutex
	content strings.Builder
}

// NewElement returns an empty element.
func NewElement(tag string) *Element {
	return &Element{Tag: tag}
}

// NodeName implements ir.Node.
func (e *Element) NodeName() string { return e.Tag }

// DisplayName implements ir.Named.
func (e *Element) DisplayName() string { return "<" + e.Tag + ">" }

// SetContent replaces the element's markup.
func (e *Element) SetContent(html string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.content.Reset()
	e.content.WriteString(html)
}

// Content returns the element's markup.
func (e *Element) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content.String()
}
