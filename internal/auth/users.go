// Package auth manages the admin accounts and their session tokens.
package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrRegistrationClosed = errors.New("registration disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingCredentials = errors.New("missing username or password")
)

type user struct {
	Hash string `json:"hash"`
}

// Users is the admin account file. Only the first account can register;
// everyone after that is added by hand.
type Users struct {
	fs   afero.Fs
	path string
	cost int

	mu    sync.RWMutex
	users map[string]user
}

// LoadUsers reads the account file at path. A missing file means no
// accounts yet.
func LoadUsers(fs afero.Fs, path string) (*Users, error) {
	u := &Users{
		fs:    fs,
		path:  path,
		cost:  bcrypt.DefaultCost,
		users: make(map[string]user),
	}
	data, err := afero.ReadFile(fs, path)
	if os.IsNotExist(err) {
		return u, nil
	} else if err != nil {
		return nil, errors.WithMessagef(err, "reading %s", path)
	}
	if err := json.Unmarshal(data, &u.users); err != nil {
		return nil, errors.WithMessagef(err, "decoding %s", path)
	}
	return u, nil
}

// Count returns the number of accounts.
func (u *Users) Count() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.users)
}

// Register creates the first account.
func (u *Users) Register(username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrMissingCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), u.cost)
	if err != nil {
		return errors.WithMessage(err, "hashing password")
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.users) > 0 {
		return ErrRegistrationClosed
	}
	u.users[username] = user{Hash: string(hash)}
	if err := u.saveLocked(); err != nil {
		delete(u.users, username)
		return err
	}
	return nil
}

// Verify checks a username and password.
func (u *Users) Verify(username, password string) error {
	u.mu.RLock()
	acct, ok := u.users[strings.TrimSpace(username)]
	u.mu.RUnlock()

	if !ok {
		return ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.Hash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (u *Users) saveLocked() error {
	data, err := json.Marshal(u.users)
	if err != nil {
		return errors.WithMessage(err, "encoding users")
	}
	if err := u.fs.MkdirAll(filepath.Dir(u.path), 0755); err != nil {
		return errors.WithMessage(err, "creating users directory")
	}
	tmp := u.path + ".tmp"
	if err := afero.WriteFile(u.fs, tmp, data, 0600); err != nil {
		return errors.WithMessagef(err, "writing %s", tmp)
	}
	return errors.WithMessagef(u.fs.Rename(tmp, u.path), "renaming %s", tmp)
}
