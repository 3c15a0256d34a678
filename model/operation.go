package model

import "fmt"

// OpType tags the Operation variant.
type OpType uint8

const (
	OpCreate OpType = 1
	OpIndex  OpType = 2
	OpDelete OpType = 3
)

func (t OpType) String() string {
	switch t {
	case OpCreate:
		return "create"
	case OpIndex:
		return "index"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("OpType(%d)", uint8(t))
	}
}

// Valid reports whether t is a known operation type.
func (t OpType) Valid() bool {
	return t == OpCreate || t == OpIndex || t == OpDelete
}

// VersionType selects how a requested version is validated.
type VersionType uint8

const (
	// VersionInternal lets the engine assign versions sequentially. A requested
	// version must match the current version exactly.
	VersionInternal VersionType = iota
	// VersionExternal takes the caller's version as authoritative. It must be
	// strictly greater than the current version.
	VersionExternal
)

func (v VersionType) String() string {
	if v == VersionExternal {
		return "external"
	}
	return "internal"
}

// Origin tells whether an operation was issued on the primary or replayed on
// a replica.
type Origin uint8

const (
	OriginPrimary Origin = iota
	OriginReplica
)

func (o Origin) String() string {
	if o == OriginReplica {
		return "replica"
	}
	return "primary"
}

// VersionUnset marks an operation without a requested version.
const VersionUnset uint64 = 0

// Operation is a single document mutation. It is a value type: modifiers
// return a copy, and an appended operation is never mutated again.
type Operation struct {
	Type        OpType
	UID         UID
	Source      []byte // nil for deletes
	Version     uint64 // requested version, or VersionUnset
	VersionType VersionType
	Origin      Origin
}

// NewCreate returns a create operation for uid.
func NewCreate(uid UID, source []byte) Operation {
	return Operation{Type: OpCreate, UID: uid, Source: source}
}

// NewIndex returns an index (create-or-replace) operation for uid.
func NewIndex(uid UID, source []byte) Operation {
	return Operation{Type: OpIndex, UID: uid, Source: source}
}

// NewDelete returns a delete operation for uid.
func NewDelete(uid UID) Operation {
	return Operation{Type: OpDelete, UID: uid}
}

// WithVersion returns a copy with the requested version set.
func (op Operation) WithVersion(v uint64) Operation {
	op.Version = v
	return op
}

// WithVersionType returns a copy with the versioning mode set.
func (op Operation) WithVersionType(vt VersionType) Operation {
	op.VersionType = vt
	return op
}

// WithOrigin returns a copy with the origin set.
func (op Operation) WithOrigin(o Origin) Operation {
	op.Origin = o
	return op
}

// AsReplica returns a copy of op as the replica receives it: origin replica
// carrying the version the primary assigned.
func (op Operation) AsReplica(assigned uint64) Operation {
	op.Origin = OriginReplica
	op.Version = assigned
	return op
}

// String returns a compact description of the operation.
func (op Operation) String() string {
	return fmt.Sprintf("%s[%s v=%d %s/%s]", op.Type, op.UID, op.Version, op.VersionType, op.Origin)
}
