package history

import (
	"crypto/sha256"
	"net/netip"
)

// ComputeEventID hashes the raw UPDATE body together with the prefix and
// action, so each route in one UPDATE gets its own ID while a re-sent
// identical UPDATE maps to the same IDs. Returns a 32-byte digest.
func ComputeEventID(updateBody []byte, prefix netip.Prefix, action string) []byte {
	h := sha256.New()
	h.Write(updateBody)
	h.Write([]byte(prefix.String()))
	h.Write([]byte(action))
	return h.Sum(nil)
}
