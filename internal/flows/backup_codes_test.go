package flows

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errInvalid     = errors.New("invalid")
	errUnavailable = errors.New("unavailable")
)

func TestGenerateBackupCodeBatch(t *testing.T) {
	batch, err := GenerateBackupCodeBatch("u1", 10, 10, nil)
	require.NoError(t, err)
	require.Len(t, batch.Codes, 10)
	require.Len(t, batch.Hashes, 10)

	for i, code := range batch.Codes {
		assert.Len(t, code, 11)
		assert.Equal(t, byte('-'), code[5])
		assert.Equal(t, BackupCodeHash("u1", CanonicalizeBackupCode(code)), batch.Hashes[i])
	}
}

func TestCanonicalizeBackupCode(t *testing.T) {
	assert.Equal(t, "ABCDE23456", CanonicalizeBackupCode(" abcde-23456 "))
	assert.Equal(t, "ABCDE23456", CanonicalizeBackupCode("ABCDE 23456"))
}

func TestBackupCodeHashIsOwnerScoped(t *testing.T) {
	assert.NotEqual(t, BackupCodeHash("u1", "ABCDEFGH"), BackupCodeHash("u2", "ABCDEFGH"))
}

func TestRunConsumeBackupCodeSingleUse(t *testing.T) {
	var mu sync.Mutex
	unused := map[[32]byte]bool{BackupCodeHash("u1", "ABCDE23456"): true}

	deps := BackupCodeDeps{
		ConsumeBackupCode: func(_ context.Context, _ string, h [32]byte) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			if !unused[h] {
				return false, nil
			}
			unused[h] = false
			return true, nil
		},
		Errors: BackupCodeErrors{
			EngineNotReady:        errUnavailable,
			BackupCodeInvalid:     errInvalid,
			BackupCodeUnavailable: errUnavailable,
		},
	}

	const n = 10
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- RunConsumeBackupCode(context.Background(), "u1", "abcde-23456", deps)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, errInvalid)
	}
	assert.Equal(t, 1, wins)
}

func TestRunConsumeBackupCodeRejectsForeignCharacters(t *testing.T) {
	called := false
	deps := BackupCodeDeps{
		ConsumeBackupCode: func(context.Context, string, [32]byte) (bool, error) {
			called = true
			return true, nil
		},
		Errors: BackupCodeErrors{BackupCodeInvalid: errInvalid},
	}
	err := RunConsumeBackupCode(context.Background(), "u1", strings.Repeat("0", 10), deps)
	assert.ErrorIs(t, err, errInvalid)
	assert.False(t, called)
}
