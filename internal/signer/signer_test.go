package signer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCommand_Sign covers in-place and new-path signing.
func TestCommand_Sign(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	artifact := filepath.Join(dir, "custom.ipsw")
	signedPath := filepath.Join(dir, "custom-signed.ipsw")
	require.NoError(t, os.WriteFile(artifact, []byte("zip"), 0o600))
	require.NoError(t, os.WriteFile(signedPath, []byte("zip"), 0o600))

	var gotArgs []string

	inPlace := NewCommand("sign-ipsw", 0, WithRunner(func(_ context.Context, _ string, args ...string) ([]byte, error) {
		gotArgs = args

		return []byte("signing components...\ndone\n"), nil
	}))

	signed, err := inPlace.Sign(context.Background(), artifact, "keychain:release")
	require.NoError(t, err)
	require.Equal(t, artifact, signed)
	require.Equal(t, []string{artifact, "keychain:release"}, gotArgs)

	newPath := NewCommand("sign-ipsw", 0, WithRunner(func(context.Context, string, ...string) ([]byte, error) {
		return []byte("signing components...\ncustom-signed.ipsw\n"), nil
	}))

	signed, err = newPath.Sign(context.Background(), artifact, "keychain:release")
	require.NoError(t, err)
	require.Equal(t, signedPath, signed)
}

// TestCommand_SignFailure keeps the signer output.
func TestCommand_SignFailure(t *testing.T) {
	t.Parallel()

	s := NewCommand("sign-ipsw", 0, WithRunner(func(context.Context, string, ...string) ([]byte, error) {
		return []byte("certificate expired"), errors.New("exit status 1")
	}))

	_, err := s.Sign(context.Background(), "a.ipsw", "cred")
	require.ErrorIs(t, err, ErrSigning)

	var signErr *SigningError
	require.ErrorAs(t, err, &signErr)
	require.Equal(t, "certificate expired", signErr.Output)
}
