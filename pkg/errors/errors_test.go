package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppErrorMessageFormatting(t *testing.T) {
	require.Equal(t, "Race not found", ErrRaceNotFound.Error())

	wrapped := ErrRaceNotFound.WithInternal(fmt.Errorf("lookup failed"))
	require.Equal(t, "Race not found: lookup failed", wrapped.Error())
	// The sentinel itself must stay untouched.
	require.Nil(t, ErrRaceNotFound.Internal)
}

func TestWithDetailsCopies(t *testing.T) {
	detailed := ErrValidation.WithDetails("name too long")
	require.Equal(t, "name too long", detailed.Details)
	require.Nil(t, ErrValidation.Details)
	require.Equal(t, ErrValidation.Code, detailed.Code)
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("boom")
	wrapped := Wrap(inner, "engine failed")

	require.True(t, errors.Is(wrapped, inner))
	require.Equal(t, 5001, wrapped.Code)
	require.Equal(t, "SERVER_ERROR", wrapped.Kind)
}

func TestFromError(t *testing.T) {
	require.Nil(t, FromError(nil))

	var appErr *AppError
	require.True(t, errors.As(FromError(ErrRaceFull), &appErr))
	require.Equal(t, 2002, appErr.Code)

	generic := FromError(errors.New("unexpected"))
	require.Equal(t, ErrInternalServer.Code, generic.Code)
	require.Equal(t, ErrInternalServer.Kind, generic.Kind)
}

func TestTaxonomyCodes(t *testing.T) {
	cases := []struct {
		err  *AppError
		code int
		kind string
	}{
		{ErrAuthRequired, 1001, "AUTH_REQUIRED"},
		{ErrAuthInvalid, 1002, "AUTH_INVALID"},
		{ErrAuthForbidden, 1003, "AUTH_FORBIDDEN"},
		{ErrTooManyConnections, 1004, "TOO_MANY_CONNECTIONS"},
		{ErrRaceNotFound, 2001, "RACE_NOT_FOUND"},
		{ErrRaceFull, 2002, "RACE_FULL"},
		{ErrRaceStarted, 2003, "RACE_STARTED"},
		{ErrRaceFinished, 2004, "RACE_FINISHED"},
		{ErrNotInRace, 2005, "NOT_IN_RACE"},
		{ErrTestNotFound, 3001, "TEST_NOT_FOUND"},
		{ErrTestExpired, 3002, "TEST_EXPIRED"},
		{ErrTestCompleted, 3003, "TEST_COMPLETED"},
		{ErrNoWordlists, 3004, "NO_WORDLISTS_AVAILABLE"},
		{ErrRateLimited, 4001, "RATE_LIMITED"},
		{ErrValidation, 4002, "VALIDATION_ERROR"},
		{ErrInternalServer, 5001, "SERVER_ERROR"},
		{ErrSlowConsumer, 5002, "SLOW_CONSUMER"},
	}

	for _, tc := range cases {
		require.Equal(t, tc.code, tc.err.Code, tc.kind)
		require.Equal(t, tc.kind, tc.err.Kind)
	}
}
