// Package transform defines the ordered, synchronous pipeline applied to
// every decoded frame.Frame before it is re-encoded onto the opposite peer.
// Concrete business transforms are external collaborators, loaded as Go
// plugins by LoadPlugin; this package only specifies the contract and the
// chain that runs it.
package transform

import "github.com/achetronic/frameloom/frame"

// Transform mutates a frame in place. Implementations must be synchronous
// and non-blocking — the engine runs the chain inline on its single loop.
type Transform interface {
	Apply(f *frame.Frame)
}

// Chain is an ordered sequence of Transforms, owned by the chain, applied to
// the same frame in insertion order.
type Chain struct {
	stages []Transform
}

// NewChain returns an empty chain ready for Add.
func NewChain() *Chain {
	return &Chain{}
}

// Add appends t to the end of the chain.
func (c *Chain) Add(t Transform) {
	c.stages = append(c.stages, t)
}

// Len reports how many stages the chain holds.
func (c *Chain) Len() int {
	return len(c.stages)
}

// Apply runs every stage, in order, against f.
func (c *Chain) Apply(f *frame.Frame) {
	for _, stage := range c.stages {
		stage.Apply(f)
	}
}
