package apperr

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestIsAuth(t *testing.T) {
	require.True(t, IsAuth(&AuthError{Reason: "token expired"}))
	require.True(t, IsAuth(errors.Wrap(&AuthError{Reason: "rejected"}, "connect")))
	require.True(t, IsAuth(Request("history", http.StatusUnauthorized, nil)))
	require.False(t, IsAuth(Request("history", http.StatusInternalServerError, nil)))
	require.False(t, IsAuth(errors.New("boom")))
}

func TestTaxonomyPredicates(t *testing.T) {
	connErr := &ConnectionError{Attempts: 3, Final: true, Err: errors.New("refused")}
	require.True(t, IsConnection(connErr))
	require.True(t, connErr.Terminal())
	require.Contains(t, connErr.Error(), "after 3 attempts")

	require.True(t, IsValidation(Validation("content", "empty")))
	require.EqualError(t, Validation("content", "empty"), "invalid content: empty")

	reqErr := Request("mark read", http.StatusBadGateway, nil)
	require.True(t, IsRequest(reqErr))
	require.EqualError(t, reqErr, "mark read: status 502: Bad Gateway")
}
