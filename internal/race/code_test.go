package race

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoomCodeShape(t *testing.T) {
	g := newCodeGenerator(1)

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		code := g.roomCode()
		require.Len(t, code, 6)
		for _, ch := range code {
			require.True(t, strings.ContainsRune(codeAlphabet, ch))
		}
		seen[code] = true
	}
	// 36^6 codes make collisions across 200 draws vanishingly unlikely.
	require.Greater(t, len(seen), 190)
}

func TestInviteTokensAreOpaqueAndDistinct(t *testing.T) {
	g := newCodeGenerator(1)

	a := g.inviteToken()
	b := g.inviteToken()
	require.NotEmpty(t, a)
	require.NotEmpty(t, b)
	require.NotEqual(t, a, b)
}
