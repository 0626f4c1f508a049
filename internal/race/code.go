package race

import (
	"math/rand"
	"strings"
	"sync"

	"github.com/teris-io/shortid"
)

// codeAlphabet excludes nothing: room codes are plain uppercase alphanumerics
// per the lobby UI contract.
const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
)

// codeGenerator produces 6-character room codes and shortid invite tokens
// for private races.
type codeGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
	sid *shortid.Shortid
}

func newCodeGenerator(seed int64) *codeGenerator {
	sid, err := shortid.New(1, shortid.DefaultABC, uint64(seed))
	if err != nil {
		sid = shortid.GetDefault()
	}
	return &codeGenerator{
		rng: rand.New(rand.NewSource(seed)),
		sid: sid,
	}
}

// roomCode returns a fresh 6-character uppercase alphanumeric code. The
// caller is responsible for uniqueness checks against live races.
func (g *codeGenerator) roomCode() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var b strings.Builder
	b.Grow(codeLength)
	for i := 0; i < codeLength; i++ {
		b.WriteByte(codeAlphabet[g.rng.Intn(len(codeAlphabet))])
	}
	return b.String()
}

// inviteToken returns an opaque token gating private-race joins.
func (g *codeGenerator) inviteToken() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	token, err := g.sid.Generate()
	if err != nil {
		// shortid only errors on clock regression; fall back to a 12-character
		// token drawn from the room-code alphabet.
		var b strings.Builder
		for i := 0; i < 2*codeLength; i++ {
			b.WriteByte(codeAlphabet[g.rng.Intn(len(codeAlphabet))])
		}
		return b.String()
	}
	return token
}
