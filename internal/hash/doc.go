// Package hash provides CRC32-Castagnoli checksums for segment footers,
// manifest payloads and S3 upload integrity headers.
//
//	checksum := hash.CRC32C(data)
//
//	h := hash.NewCRC32C()
//	h.Write(chunk1)
//	h.Write(chunk2)
//	checksum := h.Sum32()
package hash
