package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Policy is a budget of Max hits per Window. Max <= 0 disables the policy.
type Policy struct {
	Max    int
	Window time.Duration
}

// Config holds the per-scope policies.
type Config struct {
	LoginPerEmail Policy
	LoginPerIP    Policy
	ResetPerEmail Policy
	ResetPerIP    Policy

	// MFAPerIdentity bounds wrong TOTP or backup codes per identity across
	// setup confirmation and direct challenges.
	MFAPerIdentity Policy
}

// Limiter enforces fixed-window budgets using Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// CheckLogin reports ErrRateLimited when either the email or the IP has
// spent its failed-login budget. It does not count the attempt.
func (l *Limiter) CheckLogin(ctx context.Context, email, ip string) error {
	if err := l.check(ctx, loginEmailKey(email), l.config.LoginPerEmail); err != nil {
		return err
	}
	if ip != "" {
		if err := l.check(ctx, loginIPKey(ip), l.config.LoginPerIP); err != nil {
			return err
		}
	}
	return nil
}

// IncrementLogin counts one failed login against email and ip.
func (l *Limiter) IncrementLogin(ctx context.Context, email, ip string) error {
	if _, err := l.hit(ctx, loginEmailKey(email), l.config.LoginPerEmail); err != nil {
		return err
	}
	if ip != "" {
		if _, err := l.hit(ctx, loginIPKey(ip), l.config.LoginPerIP); err != nil {
			return err
		}
	}
	return nil
}

// ResetLogin clears the per-email login window after a successful login.
// The per-IP window is left to expire on its own.
func (l *Limiter) ResetLogin(ctx context.Context, email string) error {
	if err := l.redis.Del(ctx, loginEmailKey(email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// AllowReset counts one forgot-password request and reports ErrRateLimited
// when either the email or the IP is over budget.
func (l *Limiter) AllowReset(ctx context.Context, email, ip string) error {
	over, err := l.hit(ctx, resetEmailKey(email), l.config.ResetPerEmail)
	if err != nil {
		return err
	}
	if ip != "" {
		ipOver, err := l.hit(ctx, resetIPKey(ip), l.config.ResetPerIP)
		if err != nil {
			return err
		}
		over = over || ipOver
	}
	if over {
		return ErrRateLimited
	}
	return nil
}

// CheckMFA reports ErrRateLimited once identityID has spent its MFA
// failure budget.
func (l *Limiter) CheckMFA(ctx context.Context, identityID string) error {
	return l.check(ctx, mfaKey(identityID), l.config.MFAPerIdentity)
}

// RecordMFAFailure counts one wrong code for identityID.
func (l *Limiter) RecordMFAFailure(ctx context.Context, identityID string) error {
	over, err := l.hit(ctx, mfaKey(identityID), l.config.MFAPerIdentity)
	if err != nil {
		return err
	}
	if over {
		return ErrRateLimited
	}
	return nil
}

// ResetMFA clears the MFA failure window after a correct code.
func (l *Limiter) ResetMFA(ctx context.Context, identityID string) error {
	if err := l.redis.Del(ctx, mfaKey(identityID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) check(ctx context.Context, key string, p Policy) error {
	if p.Max <= 0 {
		return nil
	}
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count >= int64(p.Max) {
		return ErrRateLimited
	}
	return nil
}

// hit increments key and reports whether the window is now over budget.
func (l *Limiter) hit(ctx context.Context, key string, p Policy) (bool, error) {
	if p.Max <= 0 {
		return false, nil
	}
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, p.Window).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return count > int64(p.Max), nil
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func loginEmailKey(email string) string { return "rl:login:e:" + normalize(email) }
func loginIPKey(ip string) string       { return "rl:login:i:" + ip }
func resetEmailKey(email string) string { return "rl:reset:e:" + normalize(email) }
func resetIPKey(ip string) string       { return "rl:reset:i:" + ip }
func mfaKey(identityID string) string   { return "rl:mfa:" + identityID }
