package streamcrypt

import (
	"bytes"
	"crypto/rand"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	plain := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 10000)

	var encrypted bytes.Buffer
	ew, err := EncryptWriter(&encrypted, key)
	require.NoError(t, err)

	_, err = io.Copy(ew, bytes.NewReader(plain))
	require.NoError(t, err)
	require.NoError(t, ew.Close())

	dr, err := DecryptReader(&encrypted, key)
	require.NoError(t, err)
	defer dr.Close()

	out, err := io.ReadAll(dr)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	key := make([]byte, KeySize)
	wrongKey := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(wrongKey)
	require.NoError(t, err)

	var encrypted bytes.Buffer
	ew, err := EncryptWriter(&encrypted, key)
	require.NoError(t, err)
	_, err = ew.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, ew.Close())

	dr, err := DecryptReader(&encrypted, wrongKey)
	require.NoError(t, err)
	defer dr.Close()
	_, err = io.ReadAll(dr)
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestTruncatedStreamIsRejected(t *testing.T) {
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	var encrypted bytes.Buffer
	ew, err := EncryptWriter(&encrypted, key)
	require.NoError(t, err)
	_, err = ew.Write(bytes.Repeat([]byte{'x'}, plainChunkSize+10))
	require.NoError(t, err)
	require.NoError(t, ew.Close())

	truncated := encrypted.Bytes()[:encrypted.Len()-5]
	dr, err := DecryptReader(bytes.NewReader(truncated), key)
	require.NoError(t, err)
	defer dr.Close()
	_, err = io.ReadAll(dr)
	assert.Error(t, err)
}

func TestCompressDecompressRoundtrip(t *testing.T) {
	plain := bytes.Repeat([]byte("compressible compressible compressible "), 5000)

	var compressed bytes.Buffer
	cw, err := CompressWriter(&compressed, AlgoZstd, 3)
	require.NoError(t, err)
	_, err = io.Copy(cw, bytes.NewReader(plain))
	require.NoError(t, err)
	require.NoError(t, cw.Close())
	assert.Less(t, compressed.Len(), len(plain))

	dr, err := DecompressReader(&compressed, AlgoZstd)
	require.NoError(t, err)
	defer dr.Close()
	out, err := io.ReadAll(dr)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestLoadOrCreateKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup-encryption.key")

	k1, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Len(t, k1, KeySize)

	k2, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}
