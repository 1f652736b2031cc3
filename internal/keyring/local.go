// internal/keyring/local.go
package keyring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcutil/base58"

	"github.com/dmaresca/txpilot/pkg/errors"
)

// LocalKeyring keeps private keys in process memory. Development and test
// use only.
type LocalKeyring struct {
	mu   sync.RWMutex
	keys map[string]*btcec.PrivateKey
}

// NewLocalKeyring creates an empty keyring.
func NewLocalKeyring() *LocalKeyring {
	return &LocalKeyring{keys: make(map[string]*btcec.PrivateKey)}
}

// NewLocalKeyringFromHex creates a keyring from hex-encoded private keys.
func NewLocalKeyringFromHex(hexKeys []string) (*LocalKeyring, error) {
	k := NewLocalKeyring()
	for _, h := range hexKeys {
		if _, err := k.Import(h); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Generate creates a new key pair and returns its address.
func (k *LocalKeyring) Generate() (string, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", fmt.Errorf("generating private key: %w", err)
	}
	return k.add(priv), nil
}

// Import adds a hex-encoded private key and returns its address.
func (k *LocalKeyring) Import(privateKeyHex string) (string, error) {
	raw, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return "", fmt.Errorf("invalid private key format: %w", err)
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	if priv == nil {
		return "", fmt.Errorf("invalid private key")
	}
	return k.add(priv), nil
}

func (k *LocalKeyring) add(priv *btcec.PrivateKey) string {
	addr := DeriveAddress(priv.PubKey().SerializeCompressed())
	k.mu.Lock()
	k.keys[addr] = priv
	k.mu.Unlock()
	return addr
}

// Addresses lists every account the keyring can sign for.
func (k *LocalKeyring) Addresses() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	addrs := make([]string, 0, len(k.keys))
	for a := range k.keys {
		addrs = append(addrs, a)
	}
	return addrs
}

// Acquire returns a handle for the account.
func (k *LocalKeyring) Acquire(ctx context.Context, account string) (Handle, error) {
	k.mu.RLock()
	priv, ok := k.keys[account]
	k.mu.RUnlock()
	if !ok {
		return nil, errors.SubmissionWrapWithCode(errors.ErrAuthUnavailable, errors.OpSign,
			errors.SubmissionErrAuthUnavailable, fmt.Sprintf("no key for account %s", account))
	}
	return &localHandle{address: account, key: priv}, nil
}

type localHandle struct {
	address string
	key     *btcec.PrivateKey
}

func (h *localHandle) Address() string { return h.address }

func (h *localHandle) Sign(digest []byte) ([]byte, error) {
	return ecdsa.Sign(h.key, digest).Serialize(), nil
}

// DeriveAddress derives an account address from a compressed public key.
func DeriveAddress(pubKey []byte) string {
	sha := sha256.New()
	sha.Write(pubKey)
	hash := sha.Sum(nil)
	return base58.Encode(hash[:20])
}

// VerifySignature verifies a signature over a digest against a compressed
// public key.
func VerifySignature(pubKey, digest, signature []byte) (bool, error) {
	parsedPubKey, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("parsing public key: %w", err)
	}
	parsedSig, err := ecdsa.ParseSignature(signature)
	if err != nil {
		return false, fmt.Errorf("parsing signature: %w", err)
	}
	return parsedSig.Verify(digest, parsedPubKey), nil
}
