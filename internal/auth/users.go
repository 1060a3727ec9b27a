// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package auth

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/resonance-pipeline/resonance/internal/config"
)

// ErrInvalidCredentials is returned on any authentication failure. The
// message never distinguishes unknown user from wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Roles assignable to users.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// UserStore holds credentials in memory with bcrypt-hashed passwords.
// The admin user from configuration is seeded at startup.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]userEntry
}

type userEntry struct {
	passwordHash []byte
	role         string
}

// NewUserStore creates a store seeded with the configured admin user, if set.
func NewUserStore(cfg *config.SecurityConfig) (*UserStore, error) {
	s := &UserStore{
		users: make(map[string]userEntry),
	}

	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		if err := s.AddUser(cfg.AdminUsername, cfg.AdminPassword, RoleAdmin); err != nil {
			return nil, fmt.Errorf("seed admin user: %w", err)
		}
	}

	return s, nil
}

// AddUser registers a user with a bcrypt-hashed password.
func (s *UserStore) AddUser(username, password, role string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = userEntry{passwordHash: hash, role: role}
	return nil
}

// Authenticate verifies a username/password pair and returns the user's role.
func (s *UserStore) Authenticate(username, password string) (string, error) {
	s.mu.RLock()
	entry, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		// Burn comparable time for unknown users to blunt timing probes.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$0000000000000000000000000000000000000000000000000000"),
			[]byte(password))
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(entry.passwordHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return entry.role, nil
}
