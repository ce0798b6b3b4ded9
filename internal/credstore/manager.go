// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package credstore provides centralized, thread-safe OS-keychain storage
// for storage-node Target credentials. This lets a Target be referenced
// by a short label instead of embedding a password in every DSN passed
// around the process or written to shell history.
//
// The package supports multiple operating systems including macOS Keychain
// and Windows Credential Manager, with thread-safe operations and proper
// error handling.
package credstore

import (
	"encoding/json"
	"errors"
	"runtime"
	"sync"

	"github.com/99designs/keyring"
)

// Global credential-store manager instance.
var (
	globalManager *Manager
	globalError   error
	mu            sync.Mutex
)

// Manager provides centralized, thread-safe operations for the OS keychain.
type Manager struct {
	mu      sync.RWMutex
	ring    keyring.Keyring
	backend credBackend
}

// credBackend defines the interface for keychain operations.
type credBackend interface {
	Set(key, value string) error
	Get(key string) (string, error)
	Delete(key string) error
}

// ServiceName identifies this driver's keychain/credential store namespace.
const ServiceName = "polardbx-glue"

// keyPrefix namespaces a Target label's keychain entry.
const keyPrefix = "target:"

// Credential is the secret half of a Target: everything a DSN carries
// except host/port/schema, which stay in the (non-secret) config/DSN.
type Credential struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

// NewManager creates a new keychain manager with the OS keyring initialized.
func NewManager() (*Manager, error) {
	// Try native security backend first on macOS.
	if runtime.GOOS == "darwin" {
		backend, err := newSecurityBackend()
		if err == nil {
			return &Manager{backend: backend}, nil
		}
		// Fall through to the keyring library if the security command fails.
	}

	ring, err := openRing()
	if err != nil {
		return nil, err
	}
	return &Manager{ring: ring}, nil
}

// GetManager returns the global credential-store manager instance,
// creating (or retrying) it on first use.
func GetManager() (*Manager, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalManager != nil {
		return globalManager, nil
	}
	globalManager, globalError = NewManager()
	if globalError != nil {
		return nil, globalError
	}
	return globalManager, nil
}

// openRing opens the OS keyring using native platform backends only.
func openRing() (keyring.Keyring, error) {
	if runtime.GOOS != "darwin" && runtime.GOOS != "windows" {
		return nil, errors.New("secure storage not supported on this OS (macOS/Windows only)")
	}

	var allowedBackends []keyring.BackendType
	if runtime.GOOS == "darwin" {
		allowedBackends = []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.PassBackend,
		}
	} else if runtime.GOOS == "windows" {
		allowedBackends = []keyring.BackendType{keyring.WinCredBackend}
	}

	cfg := keyring.Config{
		ServiceName:     ServiceName,
		AllowedBackends: allowedBackends,
		PassPrefix:      ServiceName,
	}
	if runtime.GOOS == "windows" {
		cfg.WinCredPrefix = ServiceName
	}

	ring, err := keyring.Open(cfg)
	if err != nil {
		if runtime.GOOS == "darwin" {
			return nil, errors.New("macOS Keychain unavailable. On macOS 26.0+, install 'pass': brew install pass gnupg && gpg --generate-key && pass init <gpg-key-id>")
		}
		return nil, err
	}
	return ring, nil
}

// SaveCredential stores a Target's credentials under label.
func (m *Manager) SaveCredential(label string, cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	key := keyPrefix + label

	if m.backend != nil {
		return m.backend.Set(key, string(data))
	}
	return m.ring.Set(keyring.Item{Key: key, Data: data})
}

// LoadCredential retrieves a Target's credentials previously stored under label.
func (m *Manager) LoadCredential(label string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := keyPrefix + label
	var raw []byte

	if m.backend != nil {
		s, err := m.backend.Get(key)
		if err != nil {
			return Credential{}, err
		}
		raw = []byte(s)
	} else {
		it, err := m.ring.Get(key)
		if err != nil {
			return Credential{}, err
		}
		raw = it.Data
	}

	if len(raw) == 0 {
		return Credential{}, errors.New("empty credential")
	}
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// ClearCredential removes a Target's stored credentials.
func (m *Manager) ClearCredential(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := keyPrefix + label
	if m.backend != nil {
		_ = m.backend.Delete(key)
		return nil
	}
	_ = m.ring.Remove(key)
	return nil
}
