package statemachine

import "sync"

// AddOp adds its value to the accumulator.
type AddOp int

// SubOp subtracts its value from the accumulator.
type SubOp int

// Counter is the integer accumulator state machine used by the spec §8
// test scenarios ("Add(10) then Sub(5)") and by the randomized simulation's
// independent oracle.
type Counter struct {
	mu    sync.Mutex
	value int
}

// NewCounter returns a Counter starting at 0.
func NewCounter() *Counter {
	return &Counter{}
}

// Apply applies an AddOp or SubOp and returns the new accumulator value.
// Unrecognized ops are a no-op returning the current value, since the
// engine treats Op as opaque and must never fail to apply (apply is total).
func (c *Counter) Apply(op interface{}) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch v := op.(type) {
	case AddOp:
		c.value += int(v)
	case SubOp:
		c.value -= int(v)
	}
	return c.value
}

// Value returns the current accumulator value.
func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
