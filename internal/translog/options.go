package translog

import (
	"log/slog"
	"time"
)

// Durability controls when appended operations reach stable storage.
type Durability int

const (
	// DurabilityAsync relies on the OS page cache. Add returns once the frame
	// is handed to the OS. SyncInterval bounds the window of loss.
	DurabilityAsync Durability = iota
	// DurabilitySync fsyncs before Add returns.
	DurabilitySync
)

func (d Durability) String() string {
	if d == DurabilitySync {
		return "sync"
	}
	return "async"
}

// Options configures a Translog.
type Options struct {
	Durability Durability

	// Compression is applied to operation payloads of at least
	// MinCompressSize bytes.
	Compression     Compression
	MinCompressSize int

	// SyncInterval enables a periodic background fsync in async mode.
	SyncInterval time.Duration

	// MinGeneration is the lowest generation new writes may go to. A shard
	// restored from copied index files sets it to the generation its
	// commit expects.
	MinGeneration uint64

	Logger *slog.Logger
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		Durability:      DurabilitySync,
		Compression:     CompressionNone,
		MinCompressSize: 512,
	}
}
