// Package credentials holds the bearer and refresh tokens the client
// authenticates with.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/adwski/courtchat/model"
)

var (
	ErrLoad  = errors.New("unable to load credentials")
	ErrStore = errors.New("unable to store credentials")
)

type Store interface {
	Token() string
	RefreshToken() string
	// UserID is the identity the tokens belong to, empty if unknown.
	UserID() string
	Save(model.Tokens) error
	Clear() error
}

type MemStore struct {
	mx     *sync.RWMutex
	tokens model.Tokens
}

func NewMemStore(tokens model.Tokens) *MemStore {
	return &MemStore{
		mx:     &sync.RWMutex{},
		tokens: tokens,
	}
}

func (ms *MemStore) Token() string {
	ms.mx.RLock()
	defer ms.mx.RUnlock()
	return ms.tokens.AccessToken
}

func (ms *MemStore) RefreshToken() string {
	ms.mx.RLock()
	defer ms.mx.RUnlock()
	return ms.tokens.RefreshToken
}

func (ms *MemStore) UserID() string {
	ms.mx.RLock()
	defer ms.mx.RUnlock()
	return ms.tokens.UserID
}

func (ms *MemStore) Save(t model.Tokens) error {
	ms.mx.Lock()
	ms.tokens = t
	ms.mx.Unlock()
	return nil
}

func (ms *MemStore) Clear() error {
	return ms.Save(model.Tokens{})
}

type fileTokens struct {
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
	UserID       string `toml:"user_id,omitempty"`
}

// FileStore keeps tokens in memory and mirrors every change to a TOML file
// readable only by the owner.
type FileStore struct {
	*MemStore
	path string
}

// OpenFileStore loads path if it exists. A missing file yields an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{MemStore: NewMemStore(model.Tokens{}), path: path}

	var ft fileTokens
	if _, err := toml.DecodeFile(path, &ft); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fs, nil
		}
		return nil, errors.Join(ErrLoad, err)
	}
	fs.tokens = model.Tokens{AccessToken: ft.AccessToken, RefreshToken: ft.RefreshToken, UserID: ft.UserID}
	return fs, nil
}

func (fs *FileStore) Save(t model.Tokens) error {
	if err := fs.MemStore.Save(t); err != nil {
		return err
	}
	if err := fs.write(t); err != nil {
		return errors.Join(ErrStore, err)
	}
	return nil
}

func (fs *FileStore) Clear() error {
	_ = fs.MemStore.Clear()
	if err := os.Remove(fs.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(ErrStore, err)
	}
	return nil
}

func (fs *FileStore) write(t model.Tokens) error {
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(fs.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(fileTokens{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		UserID:       t.UserID,
	})
	if err = f.Close(); encErr != nil {
		return fmt.Errorf("encode: %w", encErr)
	}
	return err
}
