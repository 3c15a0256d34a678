package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRNG_Deterministic(t *testing.T) {
	rng := NewRNG(4711)
	a := rng.Source(32)
	rng.Reset()
	b := rng.Source(32)
	assert.Equal(t, a, b)
	assert.Contains(t, string(a), `"body":"`)
}

func TestRNG_IndexOps(t *testing.T) {
	ops := NewRNG(1).IndexOps(3, 16)
	assert.Equal(t, []any{UID("0"), UID("1"), UID("2")}, []any{ops[0].UID, ops[1].UID, ops[2].UID})
}

func TestBuilders(t *testing.T) {
	assert.Equal(t, "test#1", UID("1").String())
	assert.Equal(t, []byte(`{"value":"1"}`), CreateOp("1").Source)
	assert.Nil(t, DeleteOp("1").Source)
}
