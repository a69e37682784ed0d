package outcome

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// StreamID derives a correlation id from a broker stream position. The same
// stored message always redelivers with the same stream sequence, so the id
// is stable across redeliveries.
func StreamID(stream string, sequence uint64) string {
	return fmt.Sprintf("%s:%d", stream, sequence)
}

// ContentID derives a correlation id from the message payload itself, for
// paths that have no broker position (the HTTP sync endpoint, the submit
// CLI). Identical payloads map to the identical id, which is what makes
// resubmission idempotent.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:16])
}
