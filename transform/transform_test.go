package transform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/achetronic/frameloom/frame"
)

// upperStage is a minimal in-package uppercase transform, standing in for an
// out-of-scope concrete plugin — used here only to exercise the Chain
// contract.
type upperStage struct{}

func (upperStage) Apply(f *frame.Frame) {
	f.Payload = []byte(strings.ToUpper(string(f.Payload)))
}

type dropStage struct{}

func (dropStage) Apply(f *frame.Frame) {
	f.Payload = nil
}

func TestChainAppliesStagesInOrder(t *testing.T) {
	var order []string
	record := func(name string) Transform {
		return recorderStage{name: name, order: &order}
	}

	c := NewChain()
	c.Add(record("first"))
	c.Add(record("second"))
	c.Add(record("third"))

	f := frame.Frame{Payload: []byte("x")}
	c.Apply(&f)

	require.Equal(t, []string{"first", "second", "third"}, order)
}

type recorderStage struct {
	name  string
	order *[]string
}

func (r recorderStage) Apply(f *frame.Frame) {
	*r.order = append(*r.order, r.name)
}

func TestChainMutatesPayload(t *testing.T) {
	c := NewChain()
	c.Add(upperStage{})

	f := frame.Frame{Payload: []byte("abc")}
	c.Apply(&f)

	require.Equal(t, []byte("ABC"), f.Payload)
}

func TestEmptyChainLeavesFrameUntouched(t *testing.T) {
	c := NewChain()
	f := frame.Frame{Payload: []byte("abc")}
	c.Apply(&f)
	require.Equal(t, []byte("abc"), f.Payload)
}

func TestChainCanDropPayload(t *testing.T) {
	c := NewChain()
	c.Add(dropStage{})

	f := frame.Frame{Payload: []byte("abc")}
	c.Apply(&f)
	require.Empty(t, f.Payload)
}
