package authcore_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authcore"
)

func TestRefreshConcurrencySingleWinner(t *testing.T) {
	h := newHarness(t, nil)
	h.addUser(t, "u1", "alice@example.com", "correct-horse")
	refresh := h.login(t, "alice@example.com", "correct-horse", false).Tokens.RefreshToken

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Refresh(context.Background(), refresh)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var success, reused, revoked int
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, authcore.ErrSessionReused):
			reused++
		case errors.Is(err, authcore.ErrSessionRevoked):
			revoked++
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, 1, reused, "the first replay revokes, the rest find a revoked row")
	assert.Equal(t, n-2, revoked)

	sessions, err := h.engine.ListSessions(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
