package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotdm-go-sdk/pkg/config"
)

func writeCA(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return path
}

func TestLoadCACert(t *testing.T) {
	t.Run("PEMFile", func(t *testing.T) {
		pool, err := LoadCACert(writeCA(t))
		require.NoError(t, err)
		assert.NotNil(t, pool)
	})

	t.Run("NotPEM", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "junk.pem")
		require.NoError(t, os.WriteFile(path, []byte("junk"), 0o600))
		_, err := LoadCACert(path)
		assert.Error(t, err)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := LoadCACert(filepath.Join(t.TempDir(), "none.pem"))
		assert.Error(t, err)
	})
}

func TestNewConfig(t *testing.T) {
	cfg, err := NewConfig(config.TLSConfig{CACert: writeCA(t), ServerName: "broker.local"})
	require.NoError(t, err)
	assert.Equal(t, "broker.local", cfg.ServerName)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Empty(t, cfg.Certificates)

	_, err = NewConfig(config.TLSConfig{CACert: writeCA(t), ClientCert: "missing.crt", ClientKey: "missing.key"})
	assert.Error(t, err)
}
