package binarycodec

import (
	"crypto/md5"
	"encoding/binary"
)

// ChecksumSize is the width of the trailing checksum field.
const ChecksumSize = 4

// Checksum returns the first four bytes of the MD5 digest of data, read
// big-endian. Despite living where a CRC32 would, it is not one; stored
// files depend on this exact value. It detects accidental damage only and
// carries no security guarantee.
func Checksum(data []byte) uint32 {
	sum := md5.Sum(data)
	return binary.BigEndian.Uint32(sum[:ChecksumSize])
}

// AppendChecksum appends Checksum(dst) to dst, covering everything already
// written.
func AppendChecksum(dst []byte) []byte {
	return AppendUint32(dst, Checksum(dst))
}
