package flows

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"strings"
)

// BackupCodeAlphabet omits characters that are easy to misread (0/O, 1/I).
const BackupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// BackupCodeBatch is a freshly generated set of codes. Codes are shown to
// the user once; only Hashes are persisted.
type BackupCodeBatch struct {
	Codes  []string
	Hashes [][32]byte
}

type BackupCodeMetrics struct {
	BackupCodeUsed   int
	BackupCodeFailed int
}

type BackupCodeEvents struct {
	BackupCodeUsed   string
	BackupCodeFailed string
}

type BackupCodeErrors struct {
	EngineNotReady        error
	BackupCodeInvalid     error
	BackupCodeUnavailable error
}

// BackupCodeDeps wires the consume flow to the engine's stores.
type BackupCodeDeps struct {
	ConsumeBackupCode func(context.Context, string, [32]byte) (bool, error)

	MetricInc func(int)
	EmitAudit func(context.Context, string, bool, string, string, string, error, func() map[string]string)

	Metrics BackupCodeMetrics
	Events  BackupCodeEvents
	Errors  BackupCodeErrors
}

// GenerateBackupCodeBatch creates count codes of length characters for
// identityID.
func GenerateBackupCodeBatch(identityID string, count, length int, randomIndex func(int) (int, error)) (BackupCodeBatch, error) {
	batch := BackupCodeBatch{
		Codes:  make([]string, 0, count),
		Hashes: make([][32]byte, 0, count),
	}
	seen := make(map[[32]byte]struct{}, count)
	for len(batch.Codes) < count {
		raw, err := NewBackupCode(length, randomIndex)
		if err != nil {
			return BackupCodeBatch{}, err
		}
		h := BackupCodeHash(identityID, CanonicalizeBackupCode(raw))
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		batch.Codes = append(batch.Codes, FormatBackupCode(raw))
		batch.Hashes = append(batch.Hashes, h)
	}
	return batch, nil
}

// RunConsumeBackupCode canonicalises code and spends it. The store's
// compare-and-set decides the winner when the same code races.
func RunConsumeBackupCode(ctx context.Context, identityID, code string, deps BackupCodeDeps) error {
	normalizeBackupCodeDeps(&deps)

	if deps.ConsumeBackupCode == nil {
		return deps.Errors.EngineNotReady
	}

	canonical := CanonicalizeBackupCode(code)
	if canonical == "" || !inAlphabet(canonical) {
		deps.MetricInc(deps.Metrics.BackupCodeFailed)
		deps.EmitAudit(ctx, deps.Events.BackupCodeFailed, false, identityID, "", "", deps.Errors.BackupCodeInvalid, nil)
		return deps.Errors.BackupCodeInvalid
	}

	ok, err := deps.ConsumeBackupCode(ctx, identityID, BackupCodeHash(identityID, canonical))
	if err != nil {
		return deps.Errors.BackupCodeUnavailable
	}
	if !ok {
		deps.MetricInc(deps.Metrics.BackupCodeFailed)
		deps.EmitAudit(ctx, deps.Events.BackupCodeFailed, false, identityID, "", "", deps.Errors.BackupCodeInvalid, nil)
		return deps.Errors.BackupCodeInvalid
	}

	deps.MetricInc(deps.Metrics.BackupCodeUsed)
	deps.EmitAudit(ctx, deps.Events.BackupCodeUsed, true, identityID, "", "", nil, nil)
	return nil
}

func NewBackupCode(length int, randomIndex func(int) (int, error)) (string, error) {
	if randomIndex == nil {
		randomIndex = cryptoRandomIndex
	}
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := randomIndex(len(BackupCodeAlphabet))
		if err != nil {
			return "", err
		}
		b.WriteByte(BackupCodeAlphabet[n])
	}
	return b.String(), nil
}

// FormatBackupCode splits the code in two halves for display.
func FormatBackupCode(code string) string {
	n := len(code)
	if n < 8 {
		return code
	}
	mid := n / 2
	return code[:mid] + "-" + code[mid:]
}

func CanonicalizeBackupCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// BackupCodeHash binds the code to its owner so identical codes of two
// identities never collide.
func BackupCodeHash(identityID, canonicalCode string) [32]byte {
	data := make([]byte, 0, len(identityID)+1+len(canonicalCode))
	data = append(data, identityID...)
	data = append(data, 0)
	data = append(data, canonicalCode...)
	return sha256.Sum256(data)
}

func inAlphabet(s string) bool {
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(BackupCodeAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}

func cryptoRandomIndex(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}

func normalizeBackupCodeDeps(deps *BackupCodeDeps) {
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, string, string, string, error, func() map[string]string) {}
	}
}
