// Package ir defines the value model shared by configurations, records and
// resolved runtime objects.
//
// Values form a sealed sum type. Data variants decode from JSON, YAML and
// CUE; runtime objects join the sum by embedding Extension so a resolved
// dependency can sit in the same slot its descriptor occupied.
//
// Records are plain IRObjects with a "key" field. The helpers in record.go
// give the copy, equality, subset and dot-path merge semantics the
// datastore builds on.
package ir
