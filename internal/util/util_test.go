package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCertificate(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls", "cert.pem")
	keyFile := filepath.Join(dir, "tls", "key.pem")

	cert, err := LoadOrCreateCertificate(certFile, keyFile)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	again, err := LoadOrCreateCertificate(certFile, keyFile)
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate[0], again.Certificate[0], "existing pair is reused")
}

func TestLoadOrCreateCertificateMissingKey(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(certFile, []byte("not a cert"), 0644))

	_, err := LoadOrCreateCertificate(certFile, filepath.Join(dir, "key.pem"))
	assert.Error(t, err)
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"starrelay_2026-01-01.log",
		"starrelay_2026-01-03.log",
		"starrelay_2026-01-02.log",
		"unrelated.log",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	removed := cleanOldLogs(dir, 2)
	assert.Equal(t, []string{"starrelay_2026-01-01.log"}, removed)
	assert.FileExists(t, filepath.Join(dir, "unrelated.log"))
	assert.FileExists(t, filepath.Join(dir, "starrelay_2026-01-03.log"))
}

func TestGetUsage(t *testing.T) {
	u := GetUsage(t.TempDir())
	assert.Positive(t, u.Goroutines)
	assert.GreaterOrEqual(t, u.UptimeSec, int64(0))

	info := GetSystemInfo()
	assert.NotEmpty(t, info.Architecture)
	assert.Positive(t, info.CPUCores)
}
