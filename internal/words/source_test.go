package words

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/typerush/typerush/pkg/errors"
)

func TestStaticSourceFetchCount(t *testing.T) {
	src := NewStaticSource(1)

	tokens, err := src.Fetch(context.Background(), Request{Language: "english", Count: 45, Mode: ModeTime})
	require.NoError(t, err)
	require.Len(t, tokens, 45)
	for _, tok := range tokens {
		require.NotEmpty(t, tok)
	}
}

func TestStaticSourceDeterministicWithSeed(t *testing.T) {
	a, err := NewStaticSource(42).Fetch(context.Background(), Request{Count: 20})
	require.NoError(t, err)
	b, err := NewStaticSource(42).Fetch(context.Background(), Request{Count: 20})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestStaticSourceUnknownList(t *testing.T) {
	src := NewStaticSource(1)

	_, err := src.Fetch(context.Background(), Request{ListID: "klingon-top100", Count: 10})
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, apperrors.ErrNoWordlists.Code, appErr.Code)
}

func TestStaticSourceRegisteredList(t *testing.T) {
	src := NewStaticSource(1)
	src.Register("quotes", []string{"to", "be", "or", "not"})

	tokens, err := src.Fetch(context.Background(), Request{ListID: "quotes", Count: 8})
	require.NoError(t, err)
	require.Len(t, tokens, 8)
	for _, tok := range tokens {
		require.Contains(t, []string{"to", "be", "or", "not"}, tok)
	}
}

func TestReferenceText(t *testing.T) {
	ref := NewReferenceText([]string{"the", "quick", "fox"})

	require.Equal(t, "the quick fox", ref.Joined)
	require.Equal(t, 13, ref.Len())

	ch, ok := ref.CharAt(0)
	require.True(t, ok)
	require.Equal(t, byte('t'), ch)

	ch, ok = ref.CharAt(3)
	require.True(t, ok)
	require.Equal(t, byte(' '), ch)

	_, ok = ref.CharAt(13)
	require.False(t, ok)
	_, ok = ref.CharAt(-1)
	require.False(t, ok)
}
