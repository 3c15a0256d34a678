package version

import "github.com/hupe1980/docshard/model"

// Record is the tracked state of one key.
type Record struct {
	Version uint64
	Exists  bool
}

// Resolve computes the version op is assigned given the key's current state.
// found is false when the key has never been tracked.
//
// Rules:
//   - replica origin: the primary's version is kept as-is and must be
//     strictly greater than the current one
//   - internal, no version: current+1 (1 for a new key)
//   - internal, explicit version: must equal the current version
//   - external: must be strictly greater than the current version
//   - primary creates additionally fail on a live document
func Resolve(cur Record, found bool, op model.Operation) (uint64, error) {
	current := uint64(0)
	if found {
		current = cur.Version
	}

	if op.Origin == model.OriginReplica {
		if op.Version == model.VersionUnset {
			return 0, ErrVersionRequired
		}
		if found && op.Version <= current {
			return 0, &ConflictError{UID: op.UID, Current: current, Provided: op.Version}
		}
		return op.Version, nil
	}

	var assigned uint64
	switch op.VersionType {
	case model.VersionExternal:
		if op.Version == model.VersionUnset {
			return 0, ErrVersionRequired
		}
		if found && op.Version <= current {
			return 0, &ConflictError{UID: op.UID, Current: current, Provided: op.Version}
		}
		assigned = op.Version
	default:
		if op.Version != model.VersionUnset && (!found || op.Version != current) {
			return 0, &ConflictError{UID: op.UID, Current: current, Provided: op.Version}
		}
		assigned = current + 1
	}

	if op.Type == model.OpCreate && found && cur.Exists {
		return 0, &AlreadyExistsError{UID: op.UID}
	}
	return assigned, nil
}
