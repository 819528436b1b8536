package ir

import (
	"crypto/sha256"
	"encoding/hex"
)

// sourceDomain prefixes source digests.
const sourceDomain = "ccmrt/source/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SourceKey returns the normalized identity of a datastore: the canonical
// JSON of its db, store and url fields. Absent fields are omitted, so a
// store with none of them yields "{}".
func SourceKey(settings IRObject) string {
	ident := IRObject{}
	for _, f := range []string{"db", "store", "url"} {
		if s, ok := settings[f].(IRString); ok && s != "" {
			ident[f] = s
		}
	}
	b, err := MarshalCanonical(ident)
	if err != nil {
		// only strings go in, canonicalization cannot fail
		panic(err)
	}
	return string(b)
}

// SourceDigest is the hashed form of SourceKey, short enough for a
// metrics label.
func SourceDigest(source string) string {
	return hashWithDomain(sourceDomain, []byte(source))[:16]
}
