// Package hash provides the CRC32-Castagnoli checksum used for translog
// frames and S3 upload integrity checks.
//
// For one-shot checksums:
//
//	checksum := hash.CRC32C(data)
//
// For streaming checksums:
//
//	h := hash.NewCRC32C()
//	h.Write(header)
//	h.Write(payload)
//	checksum := h.Sum32()
//
// Go's crc32 package uses hardware instructions (SSE4.2, ARM CRC) when
// available.
package hash
