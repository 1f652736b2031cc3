// internal/keyring/keyring.go
package keyring

import (
	"context"
)

// Handle is acquired signing authority for one account.
type Handle interface {
	// Address returns the account the handle signs for.
	Address() string
	// Sign signs a 32-byte digest.
	Sign(digest []byte) ([]byte, error)
}

// Keyring acquires signing authority. Acquisition happens before a sequence
// number is reserved, so an unreachable backend never consumes a nonce.
type Keyring interface {
	// Acquire returns a signing handle for the account, or an error
	// wrapping ErrAuthUnavailable when authority cannot be obtained.
	Acquire(ctx context.Context, account string) (Handle, error)
}
