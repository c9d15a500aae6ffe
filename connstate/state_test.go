package connstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMachine(t *testing.T) {
	var m Machine
	m.Set(QuitSent)
	Init(&m)
	assert.Equal(t, Allocated, m.Get())

	assert.False(t, m.Transition(Ready, QuerySent))
	m.Set(Ready)
	assert.True(t, m.Transition(Ready, QuerySent))
	assert.Equal(t, "query_sent", m.Get().String())
	assert.Equal(t, "unknown", State(42).String())
}
