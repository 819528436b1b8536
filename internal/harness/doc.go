// Package harness runs conformance scenarios against a real runtime.
//
// A scenario registers data-only components, seeds datastores, builds
// instances and then asserts on the lifecycle trace the engine emitted
// and on the records left in the stores.
//
// # Scenario Format
//
//	name: nested_lifecycle
//	description: "Children are initialized after their parent"
//	flow_token: test-flow
//	resources:
//	  ccm.card.json: '{"name": "card", "config": {"title": "card"}}'
//	components:
//	  - name: leaf
//	    config: { title: leaf }
//	stores:
//	  - settings: { store: notes }
//	    records:
//	      - { key: n1, text: hello }
//	steps:
//	  - render: ccm.card.json
//	    config:
//	      child: ["ccm.instance", "leaf"]
//	      note: ["ccm.dataset", { store: notes }, "n1"]
//	    expect: { title: card }
//	assertions:
//	  - type: trace_order
//	    events: ["init card-1", "init leaf-1"]
//	  - type: record
//	    store: { store: notes }
//	    key: n1
//	    expect: { text: hello }
//
// # Assertion Types
//
//   - trace_contains: an event of the kind (and subject, parent) occurred
//   - trace_order: the first occurrences of "kind subject" labels are ordered
//   - trace_count: the kind (and subject) occurred exactly N times
//   - record: a stored record holds the expected fields
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory database, a map fetcher and a fixed
// flow token. Event sequence numbers come from the engine's logical
// clock, so a scenario always yields the same trace and golden files
// compare byte for byte.
package harness
