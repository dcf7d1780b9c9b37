// Package memory implements the authcore store interfaces in process. Every
// conditional operation runs under one mutex, so the atomicity guarantees
// match store/postgres. It backs tests and `authd serve --memory`.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/authcore"
)

type backupCode struct {
	hash   authcore.BackupCodeHash
	usedAt time.Time
}

type enrollment struct {
	row   authcore.MFAEnrollment
	codes []backupCode
}

// Store holds identities, memberships, MFA enrollments and reset tokens.
type Store struct {
	mu sync.Mutex

	identities map[string]authcore.Identity
	byEmail    map[string]string
	orgs       map[string]authcore.Organization
	// members maps identity id -> tenant id -> role.
	members     map[string]map[string]authcore.Role
	enrollments map[string]*enrollment
	resets      map[[32]byte]authcore.ResetToken
}

var (
	_ authcore.IdentityStore   = (*Store)(nil)
	_ authcore.MembershipStore = (*Store)(nil)
	_ authcore.EnrollmentStore = (*Store)(nil)
	_ authcore.ResetTokenStore = (*Store)(nil)
)

func New() *Store {
	return &Store{
		identities:  make(map[string]authcore.Identity),
		byEmail:     make(map[string]string),
		orgs:        make(map[string]authcore.Organization),
		members:     make(map[string]map[string]authcore.Role),
		enrollments: make(map[string]*enrollment),
		resets:      make(map[[32]byte]authcore.ResetToken),
	}
}

// PutIdentity inserts or replaces an identity. Emails are matched
// case-insensitively.
func (s *Store) PutIdentity(identity authcore.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.identities[identity.ID]; ok {
		delete(s.byEmail, normalize(prev.Email))
	}
	s.identities[identity.ID] = identity
	s.byEmail[normalize(identity.Email)] = identity.ID
}

func (s *Store) PutOrganization(org authcore.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = org
}

// Grant adds or updates identityID's role in tenantID.
func (s *Store) Grant(identityID, tenantID string, role authcore.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[identityID]
	if !ok {
		m = make(map[string]authcore.Role)
		s.members[identityID] = m
	}
	m[tenantID] = role
}

func (s *Store) Revoke(identityID, tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[identityID], tenantID)
}

func (s *Store) IdentityByEmail(_ context.Context, email string) (authcore.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[normalize(email)]
	if !ok {
		return authcore.Identity{}, authcore.ErrIdentityNotFound
	}
	return s.identities[id], nil
}

func (s *Store) IdentityByID(_ context.Context, id string) (authcore.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return authcore.Identity{}, authcore.ErrIdentityNotFound
	}
	return identity, nil
}

func (s *Store) RecordLoginFailure(_ context.Context, id string, threshold int, lockUntil time.Time) (authcore.LockoutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return authcore.LockoutResult{}, authcore.ErrIdentityNotFound
	}

	identity.FailedLogins++
	res := authcore.LockoutResult{FailedLogins: identity.FailedLogins}
	if threshold > 0 && identity.FailedLogins >= threshold {
		identity.FailedLogins = 0
		identity.LockedUntil = lockUntil
		res.Locked = true
		res.LockedUntil = lockUntil
	}
	s.identities[id] = identity
	return res, nil
}

func (s *Store) ResetLoginFailures(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return authcore.ErrIdentityNotFound
	}
	identity.FailedLogins = 0
	identity.LockedUntil = time.Time{}
	s.identities[id] = identity
	return nil
}

func (s *Store) UpdatePasswordHash(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return authcore.ErrIdentityNotFound
	}
	identity.PasswordHash = hash
	s.identities[id] = identity
	return nil
}

// Memberships returns identityID's organizations ordered by name.
func (s *Store) Memberships(_ context.Context, identityID string) ([]authcore.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]authcore.Membership, 0, len(s.members[identityID]))
	for tenantID, role := range s.members[identityID] {
		out = append(out, authcore.Membership{
			IdentityID: identityID,
			Org:        s.org(tenantID),
			Role:       role,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Org.Name != out[j].Org.Name {
			return out[i].Org.Name < out[j].Org.Name
		}
		return out[i].Org.ID < out[j].Org.ID
	})
	return out, nil
}

func (s *Store) Membership(_ context.Context, identityID, tenantID string) (authcore.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.members[identityID][tenantID]
	if !ok {
		return authcore.Membership{}, authcore.ErrMembershipNotFound
	}
	return authcore.Membership{IdentityID: identityID, Org: s.org(tenantID), Role: role}, nil
}

func (s *Store) org(tenantID string) authcore.Organization {
	if org, ok := s.orgs[tenantID]; ok {
		return org
	}
	return authcore.Organization{ID: tenantID, Name: tenantID}
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
