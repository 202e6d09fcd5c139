// Package hash computes the content address used to identify source
// archives and compiled code: a 32-byte Blake2b digest.
package hash

import "golang.org/x/crypto/blake2b"

// Sum256 returns the Blake2b-256 digest of data.
func Sum256(data []byte) [32]byte {
	return blake2b.Sum256(data)
}
