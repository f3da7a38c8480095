package mfa

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/ocx/assurance/internal/core"
)

const sealedPrefix = "v1:"

// sealer encrypts TOTP secrets at rest when a key is configured. Without a
// key secrets are stored as-is.
type sealer struct {
	key *[32]byte
}

func newSealer(encoded string) (*sealer, error) {
	if encoded == "" {
		return &sealer{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: mfa encryption key must be 32 base64-encoded bytes", core.ErrConfiguration)
	}
	var key [32]byte
	copy(key[:], raw)
	return &sealer{key: &key}, nil
}

func (s *sealer) seal(secret string) (string, error) {
	if s.key == nil {
		return secret, nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(secret), &nonce, s.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

func (s *sealer) open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if s.key == nil {
		return "", fmt.Errorf("%w: stored totp secret is sealed but no encryption key is configured", core.ErrConfiguration)
	}
	box, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil || len(box) < 24 {
		return "", errors.New("mfa: malformed sealed secret")
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	plain, ok := secretbox.Open(nil, box[24:], &nonce, s.key)
	if !ok {
		return "", errors.New("mfa: sealed secret failed authentication")
	}
	return string(plain), nil
}
