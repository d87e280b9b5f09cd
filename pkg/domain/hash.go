package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// ContentHash returns the SHA-224 digest of the type and canonical field text.
// Two entities with equal hashes carry identical content.
func ContentHash(t EntityType, fields Fields) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New224()
	h.Write([]byte(t))
	for _, name := range names {
		kind, text := FormatValue(fields[name])
		h.Write([]byte{0})
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(kind))
		h.Write([]byte{0})
		h.Write([]byte(text))
	}
	return hex.EncodeToString(h.Sum(nil))
}
