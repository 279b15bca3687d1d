package store

import (
	"crypto/rand"
	"sync"
	"time"
)

// Push key alphabet, ordered by ASCII value so that generated keys sort
// lexically by generation time.
const pushChars = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

var pushMu sync.Mutex
var pushLastMs int64
var pushLastRand [12]int

// PushID returns a 20-character key: 8 characters of timestamp followed by
// 12 random characters. Keys generated within the same millisecond reuse the
// previous random suffix incremented by one, so ordering holds even under
// bursts.
func PushID() string {
	pushMu.Lock()
	defer pushMu.Unlock()

	now := time.Now().UnixMilli()
	dup := now == pushLastMs
	pushLastMs = now

	var id [20]byte
	for i := 7; i >= 0; i-- {
		id[i] = pushChars[now%64]
		now /= 64
	}

	if dup {
		// Increment the previous suffix to keep same-millisecond keys ordered.
		for i := 11; i >= 0; i-- {
			if pushLastRand[i] != 63 {
				pushLastRand[i]++
				break
			}
			pushLastRand[i] = 0
		}
	} else {
		var b [12]byte
		if _, err := rand.Read(b[:]); err != nil {
			// Fall back to the clock; uniqueness still holds via the
			// same-millisecond increment above.
			for i := range b {
				b[i] = byte(time.Now().UnixNano() >> (i * 5))
			}
		}
		for i := range pushLastRand {
			pushLastRand[i] = int(b[i] % 64)
		}
	}

	for i := 0; i < 12; i++ {
		id[8+i] = pushChars[pushLastRand[i]]
	}

	return string(id[:])
}
