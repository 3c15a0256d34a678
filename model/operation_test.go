package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUID(t *testing.T) {
	uid := NewUID("tweet", "1")
	typ, id := uid.Split()
	assert.Equal(t, "tweet", typ)
	assert.Equal(t, "1", id)

	typ, id = UID("bare").Split()
	assert.Empty(t, typ)
	assert.Equal(t, "bare", id)
}

func TestUID_DelimiterInType(t *testing.T) {
	assert.NotEqual(t, NewUID("a#b", "c"), NewUID("a", "b#c"))
	assert.NotEqual(t, NewUID(`a\`, "b"), NewUID("a", `\b`))

	for _, tt := range []struct{ typ, id string }{
		{"a#b", "c"},
		{"a", "b#c"},
		{`a\`, "#"},
		{`\#\`, `\`},
		{"", ""},
	} {
		typ, id := NewUID(tt.typ, tt.id).Split()
		assert.Equal(t, tt.typ, typ)
		assert.Equal(t, tt.id, id)
	}
}

func TestOperationModifiersCopy(t *testing.T) {
	base := NewIndex(NewUID("t", "1"), []byte{1})
	ext := base.WithVersion(12).WithVersionType(VersionExternal)

	assert.Equal(t, VersionUnset, base.Version)
	assert.Equal(t, VersionInternal, base.VersionType)
	assert.Equal(t, uint64(12), ext.Version)
	assert.Equal(t, VersionExternal, ext.VersionType)

	rep := ext.AsReplica(14)
	assert.Equal(t, OriginReplica, rep.Origin)
	assert.Equal(t, uint64(14), rep.Version)
	assert.Equal(t, VersionExternal, rep.VersionType)
	assert.Equal(t, OriginPrimary, ext.Origin)
}

func TestOpType(t *testing.T) {
	for _, tt := range []struct {
		op    OpType
		name  string
		valid bool
	}{
		{OpCreate, "create", true},
		{OpIndex, "index", true},
		{OpDelete, "delete", true},
		{OpType(9), "OpType(9)", false},
	} {
		assert.Equal(t, tt.name, tt.op.String())
		assert.Equal(t, tt.valid, tt.op.Valid())
	}
}
