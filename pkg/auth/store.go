// Package auth implements the credential store used by the server and the
// user-provisioning command. The on-disk format is one "username:hash" line
// per user, with bcrypt hashes.
package auth

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrRejected is returned for every failed verification. The caller must not
// be able to tell a missing user from a wrong password.
var ErrRejected = errors.New("authentication rejected")

// dummyHash keeps Verify doing bcrypt work even for unknown users, so timing
// does not reveal whether the username exists.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// Store is a file-backed credential store.
type Store struct {
	path string

	mu    sync.RWMutex
	users map[string]string
}

// NewStore loads the store at path. A missing file yields an empty store;
// Save will create it.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, users: make(map[string]string)}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		name, hash, ok := strings.Cut(text, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("%s:%d: malformed entry", path, line)
		}
		s.users[name] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// Verify checks a username/secret pair. Any failure returns ErrRejected.
func (s *Store) Verify(username, secret string) error {
	s.mu.RLock()
	hash, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return ErrRejected
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrRejected
	}
	return nil
}

// Add hashes the secret and registers the user. Existing users are rejected;
// use Remove first to rotate a credential.
func (s *Store) Add(username, secret string) error {
	if username == "" || strings.Contains(username, ":") {
		return fmt.Errorf("invalid username %q", username)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return fmt.Errorf("user %q already exists", username)
	}
	s.users[username] = string(hash)
	return nil
}

// Remove deletes a user. Removing an unknown user is an error so typos
// surface in the provisioning tool.
func (s *Store) Remove(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; !ok {
		return fmt.Errorf("user %q does not exist", username)
	}
	delete(s.users, username)
	return nil
}

// List returns all usernames, sorted.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save writes the store back to its file atomically.
func (s *Store) Save() error {
	s.mu.RLock()
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(s.users[name])
		sb.WriteByte('\n')
	}
	s.mu.RUnlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
