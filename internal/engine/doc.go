// Package engine builds component instances and resolves the dependency
// descriptors in their configuration.
//
// A top-level request is a flow. The flow constructs the root instance,
// collects every descriptor in its fields and resolves loads, component
// registrations, stores and datasets concurrently. Nested instances are
// not built right away: they go onto the flow's FIFO work queue and are
// popped one at a time once the current instance's dependencies are all
// resolved. The queue makes construction breadth-first across the whole
// tree.
//
// When the queue is empty the flow discovers, breadth-first from the root,
// every instance and datastore reachable through fields. Init hooks run in
// discovery order, then ready hooks in reverse discovery order, strictly
// one at a time. A render request finally calls the root's render hook.
//
// Lazy proxies stand in for instances that are only built when
// Materialize is called, in a flow of their own.
//
// Every instance lives in the engine's Arena and refers to its parent by
// index. Each flow counts its constructions against a quota so that
// self-instantiating components terminate with QUOTA_EXCEEDED.
package engine
