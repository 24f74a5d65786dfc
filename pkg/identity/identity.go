// Package identity persists the device identity issued by the fleet backend.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/kioskd/pkg/types"
)

// ErrMissing is returned when the device has not been provisioned
var ErrMissing = errors.New("device identity missing")

// Store reads and writes the id, private key and API URL files
type Store struct {
	idFile     string
	keyFile    string
	apiURLFile string
}

// NewStore creates a store over the given files
func NewStore(idFile, keyFile, apiURLFile string) *Store {
	return &Store{
		idFile:     idFile,
		keyFile:    keyFile,
		apiURLFile: apiURLFile,
	}
}

// Load returns the persisted identity. A missing or empty id or private key
// yields ErrMissing. The API URL is optional.
func (s *Store) Load() (*types.DeviceIdentity, error) {
	id, err := readTrimmed(s.idFile)
	if err != nil {
		return nil, err
	}
	key, err := readTrimmed(s.keyFile)
	if err != nil {
		return nil, err
	}
	if id == "" || key == "" {
		return nil, ErrMissing
	}

	apiURL, err := readTrimmed(s.apiURLFile)
	if err != nil {
		return nil, err
	}

	return &types.DeviceIdentity{
		DeviceID:   id,
		PrivateKey: key,
		APIURL:     apiURL,
	}, nil
}

// Exists reports whether a complete identity is persisted
func (s *Store) Exists() bool {
	_, err := s.Load()
	return err == nil
}

// Save persists identity. The private key file is readable by the owner only.
// An empty APIURL leaves any existing api-url file untouched.
func (s *Store) Save(identity *types.DeviceIdentity) error {
	if identity.DeviceID == "" || identity.PrivateKey == "" {
		return fmt.Errorf("incomplete identity: %w", ErrMissing)
	}

	if err := writeFile(s.idFile, identity.DeviceID, 0644); err != nil {
		return fmt.Errorf("failed to save device id: %w", err)
	}
	if err := writeFile(s.keyFile, identity.PrivateKey, 0600); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}
	if identity.APIURL != "" {
		if err := writeFile(s.apiURLFile, identity.APIURL, 0644); err != nil {
			return fmt.Errorf("failed to save api url: %w", err)
		}
	}
	return nil
}

// Clear removes the id and private key so the next load reports ErrMissing
func (s *Store) Clear() error {
	for _, path := range []string{s.idFile, s.keyFile} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func writeFile(path, content string, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
