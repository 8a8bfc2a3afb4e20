package store

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// pushChars is ordered by ASCII value so that push keys sort the same way
// byte-wise and by generation time.
const pushChars = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

// PushKeyTimePrefixLen is the number of leading key characters that encode
// the generation timestamp. Consumers filtering history by age compare only
// this prefix.
const PushKeyTimePrefixLen = 8

// KeyGen mints push keys. The zero value is ready to use; implementations
// of Store embed one, and clients that mint keys locally (the wire client)
// hold their own.
type KeyGen struct {
	mu       sync.Mutex
	lastMs   int64
	lastRand [12]int
}

// Next returns a fresh 20-character push key: 8 chars of base-64 encoded
// wall-clock milliseconds followed by 12 random chars. Keys minted within
// the same millisecond increment the random tail so ordering still holds.
func (g *KeyGen) Next() string {
	return g.next(time.Now())
}

func (g *KeyGen) next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := now.UnixMilli()
	if ms != g.lastMs {
		g.lastMs = ms
		for i := range g.lastRand {
			g.lastRand[i] = rand.Intn(64)
		}
	} else {
		for i := len(g.lastRand) - 1; i >= 0; i-- {
			if g.lastRand[i] < 63 {
				g.lastRand[i]++
				break
			}
			g.lastRand[i] = 0
		}
	}

	var b strings.Builder
	b.Grow(20)
	b.WriteString(EncodePushTime(ms))
	for _, r := range g.lastRand {
		b.WriteByte(pushChars[r])
	}
	return b.String()
}

// EncodePushTime renders a millisecond timestamp as the 8-character prefix a
// push key minted at that instant would start with.
func EncodePushTime(ms int64) string {
	var buf [PushKeyTimePrefixLen]byte
	for i := PushKeyTimePrefixLen - 1; i >= 0; i-- {
		buf[i] = pushChars[ms%64]
		ms /= 64
	}
	return string(buf[:])
}
