package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitRegistrationOrder(t *testing.T) {
	b := New()
	var order []int
	b.On("x", func(any) { order = append(order, 1) })
	b.On("x", func(any) { order = append(order, 2) })
	b.On("x", func(any) { order = append(order, 3) })

	b.Emit("x", nil)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	b := New()
	var got []string
	b.On("boom", func(any) { got = append(got, "first") })
	b.On("boom", func(any) { panic("handler failure") })
	b.On("boom", func(any) { got = append(got, "last") })

	require.NotPanics(t, func() { b.Emit("boom", nil) })
	assert.Equal(t, []string{"first", "last"}, got)
}

func TestOffRemovesOnlyThatHandler(t *testing.T) {
	b := New()
	var count int
	tok := b.On("tick", func(any) { count += 10 })
	b.On("tick", func(any) { count++ })

	b.Off("tick", tok)
	b.Emit("tick", nil)
	assert.Equal(t, 1, count)
}

func TestEmitNoSubscribers(t *testing.T) {
	b := New()
	require.NotPanics(t, func() { b.Emit("nobody", 42) })
}

func TestPayloadDelivered(t *testing.T) {
	b := New()
	var got any
	b.On("data", func(p any) { got = p })
	b.Emit("data", map[string]int{"samples": 16000})
	assert.Equal(t, map[string]int{"samples": 16000}, got)
}
