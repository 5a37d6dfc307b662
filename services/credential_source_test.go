package services

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serviceAccountJSON(t *testing.T, tokenURI string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	data, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "test-project",
		"private_key_id": "key-1",
		"private_key":    string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"client_email":   "push@test-project.iam.gserviceaccount.com",
		"token_uri":      tokenURI,
	})
	require.NoError(t, err)
	return data
}

func tokenEndpoint(expiresIn int, hits *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"access-%d","token_type":"Bearer","expires_in":%d}`, n, expiresIn)
	}))
}

func TestTokenSourceFromJSON_ReusesUntilSkew(t *testing.T) {
	var hits int32
	srv := tokenEndpoint(3600, &hits)
	defer srv.Close()

	ts, err := TokenSourceFromJSON(serviceAccountJSON(t, srv.URL), time.Minute, 5*time.Second)
	require.NoError(t, err)

	first, err := ts.Token()
	require.NoError(t, err)
	second, err := ts.Token()
	require.NoError(t, err)

	assert.Equal(t, "access-1", first.AccessToken)
	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestTokenSourceFromJSON_RefreshesInsideSkew(t *testing.T) {
	var hits int32
	srv := tokenEndpoint(30, &hits)
	defer srv.Close()

	ts, err := TokenSourceFromJSON(serviceAccountJSON(t, srv.URL), time.Minute, 5*time.Second)
	require.NoError(t, err)

	_, err = ts.Token()
	require.NoError(t, err)
	second, err := ts.Token()
	require.NoError(t, err)

	assert.Equal(t, "access-2", second.AccessToken)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestTokenSourceFromJSON_InvalidKey(t *testing.T) {
	_, err := TokenSourceFromJSON([]byte(`{"type":"service_account"`), time.Minute, time.Second)
	assert.Error(t, err)
}

func TestNewServiceAccountTokenSource_MissingFile(t *testing.T) {
	_, err := NewServiceAccountTokenSource("/nonexistent/key.json", time.Minute, time.Second)
	assert.Error(t, err)
}
