// internal/keyring/vault.go
package keyring

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dmaresca/txpilot/pkg/errors"
	"github.com/dmaresca/txpilot/pkg/logging"
)

// VaultKeyring signs through an external key vault over HTTP. Private key
// material never enters this process; the vault holds the keys and returns
// signatures.
type VaultKeyring struct {
	address string
	token   string
	client  *http.Client
	logger  *logging.Logger
}

// NewVaultKeyring creates a vault-backed keyring.
func NewVaultKeyring(address, token string, logger *logging.Logger) *VaultKeyring {
	return &VaultKeyring{
		address: address,
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger.WithField("component", "vault"),
	}
}

// Acquire verifies the vault holds a key for the account and returns a
// handle that signs through it.
func (v *VaultKeyring) Acquire(ctx context.Context, account string) (Handle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/keys/%s", v.address, account), nil)
	if err != nil {
		return nil, errors.SubmissionWrapWithCode(errors.ErrAuthUnavailable, errors.OpSign,
			errors.SubmissionErrAuthUnavailable, "building vault request")
	}
	req.Header.Set("Authorization", "Bearer "+v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, errors.SubmissionWrapWithCode(errors.ErrAuthUnavailable, errors.OpSign,
			errors.SubmissionErrAuthUnavailable, fmt.Sprintf("vault unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.SubmissionWrapWithCode(errors.ErrAuthUnavailable, errors.OpSign,
			errors.SubmissionErrAuthUnavailable, fmt.Sprintf("vault returned %d for account %s", resp.StatusCode, account))
	}

	return &vaultHandle{keyring: v, account: account}, nil
}

type vaultHandle struct {
	keyring *VaultKeyring
	account string
}

func (h *vaultHandle) Address() string { return h.account }

func (h *vaultHandle) Sign(digest []byte) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"account": h.account,
		"digest":  hex.EncodeToString(digest),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding sign request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.keyring.address+"/v1/sign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building sign request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.keyring.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.keyring.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault sign call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vault sign returned %d", resp.StatusCode)
	}

	var out struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding sign response: %w", err)
	}
	sig, err := hex.DecodeString(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("decoding signature: %w", err)
	}
	return sig, nil
}
