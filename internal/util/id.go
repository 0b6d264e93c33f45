package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier such as "blk_9f0c2a…". An empty
// prefix yields the bare hex string.
func NewID(prefix string) string {
	bytes := make([]byte, 12)
	_, _ = rand.Read(bytes)
	id := hex.EncodeToString(bytes)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
