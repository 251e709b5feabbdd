// Package authtoken mints and verifies short-lived attach tokens. A client
// that already holds a session hands the token to new tabs so they can
// attach to the relay without re-sending credentials.
package authtoken

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
)

var (
	keyMu sync.Mutex
	key   *fernet.Key
)

// Init loads the signing key from dataPath, generating and persisting one
// on first run. The key file is private to the service user.
func Init(dataPath string) error {
	keyMu.Lock()
	defer keyMu.Unlock()

	keyPath := filepath.Join(dataPath, "attach.key")
	if data, err := os.ReadFile(keyPath); err == nil {
		k, err := fernet.DecodeKey(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("decode attach key: %w", err)
		}
		key = k
		return nil
	}

	var k fernet.Key
	if err := k.Generate(); err != nil {
		return fmt.Errorf("generate attach key: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(k.Encode()), 0600); err != nil {
		return fmt.Errorf("save attach key: %w", err)
	}
	key = &k
	return nil
}

func signingKey() (*fernet.Key, error) {
	keyMu.Lock()
	defer keyMu.Unlock()
	if key == nil {
		return nil, fmt.Errorf("attach token key not initialized")
	}
	return key, nil
}

// Mint issues an attach token bound to a session ID.
func Mint(sessionID string) (string, error) {
	k, err := signingKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(sessionID), k)
	if err != nil {
		return "", fmt.Errorf("mint attach token: %w", err)
	}
	return string(tok), nil
}

// Verify checks a token's signature and age and returns the session ID it
// was minted for.
func Verify(token string, ttl time.Duration) (string, error) {
	k, err := signingKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), ttl, []*fernet.Key{k})
	if msg == nil {
		return "", fmt.Errorf("invalid or expired attach token")
	}
	return string(msg), nil
}
