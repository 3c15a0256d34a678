// Package translog implements the shard's write-ahead operation log.
//
// The log is a sequence of generation files (translog-<gen>.tlog). Writes
// always go to the newest generation; NewGeneration rolls to a fresh file
// when the engine commits its index. Generations older than the last
// committed one are deleted as soon as no Snapshot references them.
//
// Each generation file starts with a 20 byte header:
//
//	[Magic: 8 bytes "DOCSHTLG"] [Version: 4 bytes] [Generation: 8 bytes]
//
// followed by frames:
//
//	[CRC32C: 4] [Type: 1] [Codec: 1] [Length: 4] [Payload: Length]
//
// The CRC covers everything after itself. Payloads larger than
// Options.MinCompressSize are compressed with the configured codec when
// that actually saves space.
//
// In DurabilitySync mode Add returns only after the frame is on stable
// storage. Concurrent writers share fsyncs through a single background
// syncer (group commit).
package translog
