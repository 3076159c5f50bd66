package mirrorsync

import (
	"crypto/rand"
	"encoding/hex"
)

// Ref is the opaque, globally-unique token tagging every message of
// one sync round. A fresh Ref is minted per round and never reused;
// messages carrying a stale Ref are dropped wherever they're observed.
type Ref string

// NewRef mints a fresh round token.
func NewRef() Ref {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand failing indicates a broken host, not a recoverable condition
	}
	return Ref(hex.EncodeToString(b[:]))
}
