// Package model defines the core types shared by the shard engine.
//
// # Identity Types
//
//   - UID: opaque document key derived from a (type, id) pair
//   - Document: a live document with its version and source
//
// # Operations
//
// Operation is a tagged union over Create, Index and Delete. Use the
// constructors and the copy-returning modifiers:
//
//	op := model.NewIndex(model.NewUID("tweet", "1"), source).
//	    WithVersion(3).
//	    WithVersionType(model.VersionExternal)
package model
