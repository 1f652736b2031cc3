// internal/keyring/local_test.go
package keyring

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmaresca/txpilot/pkg/errors"
)

const testKeyHex = "2bd806c97f0e00af1a1fc3328fa763a9269723c8db8fac4f93af71db186d6e90"

func TestGenerateAndAcquire(t *testing.T) {
	k := NewLocalKeyring()

	addr, err := k.Generate()
	require.NoError(t, err)
	require.NotEmpty(t, addr)

	h, err := k.Acquire(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, addr, h.Address())
	assert.Contains(t, k.Addresses(), addr)
}

func TestAcquireUnknownAccount(t *testing.T) {
	k := NewLocalKeyring()

	_, err := k.Acquire(context.Background(), "nobody")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAuthUnavailable))
	assert.True(t, errors.IsSubmissionError(err, errors.SubmissionErrAuthUnavailable))
}

func TestSignVerifyRoundtrip(t *testing.T) {
	k := NewLocalKeyring()
	addr, err := k.Generate()
	require.NoError(t, err)

	h, err := k.Acquire(context.Background(), addr)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("payload"))
	sig, err := h.Sign(digest[:])
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	pub := k.keys[addr].PubKey().SerializeCompressed()

	ok, err := VerifySignature(pub, digest[:], sig)
	require.NoError(t, err)
	assert.True(t, ok)

	tampered := sha256.Sum256([]byte("other payload"))
	ok, err = VerifySignature(pub, tampered[:], sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestImportDeterministic(t *testing.T) {
	k1 := NewLocalKeyring()
	addr1, err := k1.Import(testKeyHex)
	require.NoError(t, err)

	k2 := NewLocalKeyring()
	addr2, err := k2.Import(testKeyHex)
	require.NoError(t, err)

	assert.Equal(t, addr1, addr2, "the same key must derive the same address")
}

func TestImportRejectsMalformedKey(t *testing.T) {
	k := NewLocalKeyring()

	_, err := k.Import("not hex")
	require.Error(t, err)

	_, err = NewLocalKeyringFromHex([]string{testKeyHex, "zz"})
	require.Error(t, err)
}

func TestDeriveAddressDistinct(t *testing.T) {
	k := NewLocalKeyring()
	a1, err := k.Generate()
	require.NoError(t, err)
	a2, err := k.Generate()
	require.NoError(t, err)

	assert.NotEqual(t, a1, a2)
}
