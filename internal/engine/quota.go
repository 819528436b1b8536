package engine

// DefaultMaxInstances is the default number of instances one flow may
// construct. Self-referential component trees stop here.
const DefaultMaxInstances = 1000

// QuotaEnforcer counts the instances constructed by one flow.
//
// Nested instances are created breadth-first from a work queue, so a
// component whose defaults instantiate itself would never drain the queue.
// The quota bounds every flow.
type QuotaEnforcer struct {
	max     int
	current int
}

// NewQuotaEnforcer creates a new quota enforcer with the given limit.
// A limit below 1 means DefaultMaxInstances.
func NewQuotaEnforcer(max int) *QuotaEnforcer {
	if max < 1 {
		max = DefaultMaxInstances
	}
	return &QuotaEnforcer{max: max}
}

// Check counts one construction and fails once the limit is passed.
func (q *QuotaEnforcer) Check(flowToken string) error {
	q.current++
	if q.current > q.max {
		return NewQuotaError(flowToken, q.current, q.max)
	}
	return nil
}

// Current returns the number of constructions counted.
func (q *QuotaEnforcer) Current() int {
	return q.current
}

// Max returns the limit.
func (q *QuotaEnforcer) Max() int {
	return q.max
}
