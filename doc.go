// Package docshard provides an embedded, versioned document shard for Go.
//
// A shard accepts create, index and delete operations under optimistic
// concurrency control, makes every accepted operation durable in a
// translog before acknowledging it, and periodically flushes to immutable
// index segments. It can hand a consistent copy of itself to a second
// shard while writers keep going.
//
// # Quick Start
//
//	ctx := context.Background()
//	s, _ := docshard.Open("./data/shard-0")
//	defer s.Close()
//
//	res, _ := s.Index(ctx, docshard.NewUID("user", "42"), []byte(`{"name":"ada"}`))
//	fmt.Println(res.Version) // 1
//
// # Versioning
//
// Every document carries a version. A write may name the version it
// expects; a mismatch fails with ErrVersionConflict:
//
//	s.Index(ctx, uid, src, docshard.IfVersion(1))
//	s.Index(ctx, uid, src, docshard.ExternalVersion(17))
//
// # Durability
//
// Writes are acknowledged after they reach the translog. Flush writes a
// new commit point and trims the translog:
//
//	s.Flush(ctx)
//
// # Snapshots and Recovery
//
// Shard copies live in the gateway and replica packages:
//
//	repo := gateway.NewRepository(store)
//	m, _, _ := repo.Snapshot(ctx, s.Engine())
//	restored, _, _ := repo.Restore(ctx, m.ID, "./data/shard-1")
//
//	copy, _, _ := replica.Recover(ctx, s.Engine(), "./data/shard-2")
package docshard
