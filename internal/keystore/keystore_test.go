package keystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_GeneratesAndPersistsKeys(t *testing.T) {
	dir := t.TempDir()

	kp, err := Resolve(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, kp.PublicKeyHex())

	again, err := Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, kp.AEADKey, again.AEADKey)
	assert.Equal(t, kp.Signing, again.Signing)
}

func TestResolve_CreatesKeyFilesUnderDir(t *testing.T) {
	dir := t.TempDir()
	_, err := Resolve(dir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, aeadKeyFileName))
	assert.FileExists(t, filepath.Join(dir, signingFileName))
}

func TestPublicKeyHex_IsStableForSameKey(t *testing.T) {
	dir := t.TempDir()
	kp, err := Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKeyHex(), kp.PublicKeyHex())
}
