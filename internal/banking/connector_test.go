package banking

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

func newSandboxServer(t *testing.T) (*httptest.Server, *OpenFinanceConnector) {
	t.Helper()
	srv := httptest.NewServer(NewSandbox().Handler())
	t.Cleanup(srv.Close)
	conn := &OpenFinanceConnector{
		BaseURL:     srv.URL,
		ClientID:    "client-test",
		RedirectURI: "https://localhost/callback",
		HTTPClient:  srv.Client(),
	}
	return srv, conn
}

func TestConnectorConsentAndExchange(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, conn := newSandboxServer(t)

	consent, err := conn.CreateConsent(ctx, ConsentRequest{ProviderCode: "260"})
	require.NoError(t, err)
	require.Contains(t, consent.ID, "sandbox-consent-")
	require.Contains(t, consent.RedirectURL, "/authorize?")
	require.Contains(t, consent.RedirectURL, "client_id=client-test")
	t.Log("consent created")

	// approve the consent directly against the authorize endpoint
	resp, err := srv.Client().Get(srv.URL + "/authorize?consent_id=" + consent.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var approval struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&approval))
	require.Contains(t, approval.Code, "sandbox-auth-")
	t.Log("consent approved")

	tokens, err := conn.ExchangeCode(ctx, approval.Code)
	require.NoError(t, err)
	require.Contains(t, tokens.AccessToken, "sandbox-access-")
	require.Contains(t, tokens.RefreshToken, "sandbox-refresh-")
	require.Equal(t, "Bearer", tokens.TokenType)
	require.True(t, tokens.ExpiresAt.After(time.Now().Add(50*time.Minute)))

	refreshed, err := conn.Refresh(ctx, tokens.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, tokens.AccessToken, refreshed.AccessToken)
}

func TestConnectorInvalidGrant(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, conn := newSandboxServer(t)

	_, err := conn.ExchangeCode(ctx, "stolen-code")
	require.ErrorIs(t, err, ErrInvalidGrant)
	require.False(t, Retryable(err))

	_, err = conn.Refresh(ctx, "sandbox-access-wrong-kind")
	require.ErrorIs(t, err, ErrInvalidGrant)

	_, err = conn.ExchangeCode(ctx, "   ")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestConnectorProviderDown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	conn := &OpenFinanceConnector{BaseURL: srv.URL, ClientID: "c", RedirectURI: "r", HTTPClient: srv.Client()}

	_, err := conn.ExchangeCode(ctx, "sandbox-auth-x")
	require.ErrorIs(t, err, ErrProviderUnavailable)
	require.True(t, Retryable(err))
}

func TestConnectorRateLimited(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	conn := &OpenFinanceConnector{BaseURL: srv.URL, ClientID: "c", RedirectURI: "r", HTTPClient: srv.Client()}

	_, err := conn.Refresh(ctx, "sandbox-refresh-x")
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 30*time.Second, rl.RetryAfter)
	require.True(t, Retryable(err))
}

func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "signing.pem")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path, key
}

func TestAssertionSigner(t *testing.T) {
	t.Parallel()
	path, key := writeTestKey(t)

	signer, err := NewAssertionSigner(path)
	require.NoError(t, err)

	signed, err := signer.Sign("client-test", "https://bank.example/oauth/token")
	require.NoError(t, err)

	parsed, err := jwt.Parse(signed, func(tok *jwt.Token) (interface{}, error) {
		require.Equal(t, "PS256", tok.Method.Alg())
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims := parsed.Claims.(jwt.MapClaims)
	require.Equal(t, "client-test", claims["iss"])
	require.Equal(t, "client-test", claims["sub"])
	require.Equal(t, "https://bank.example/oauth/token", claims["aud"])
	require.NotEmpty(t, claims["jti"])

	exp := time.Unix(int64(claims["exp"].(float64)), 0)
	require.WithinDuration(t, time.Now().Add(5*time.Minute), exp, 10*time.Second)

	// a second assertion must carry a fresh jti
	signed2, err := signer.Sign("client-test", "https://bank.example/oauth/token")
	require.NoError(t, err)
	parsed2, err := jwt.Parse(signed2, func(tok *jwt.Token) (interface{}, error) { return &key.PublicKey, nil })
	require.NoError(t, err)
	require.NotEqual(t, claims["jti"], parsed2.Claims.(jwt.MapClaims)["jti"])
}

func TestConnectorSendsClientAssertion(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path, key := writeTestKey(t)

	var gotAssertion, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotAssertion = r.PostFormValue("client_assertion")
		gotType = r.PostFormValue("client_assertion_type")
		writeJSON(w, http.StatusOK, tokenResponse{AccessToken: "at", RefreshToken: "rt", TokenType: "Bearer", ExpiresIn: 3600})
	}))
	t.Cleanup(srv.Close)

	signer, err := NewAssertionSigner(path)
	require.NoError(t, err)
	conn := &OpenFinanceConnector{BaseURL: srv.URL, ClientID: "client-test", RedirectURI: "r",
		HTTPClient: srv.Client(), Signer: signer}

	_, err = conn.ExchangeCode(ctx, "some-code")
	require.NoError(t, err)
	require.Equal(t, clientAssertionType, gotType)

	parsed, err := jwt.Parse(gotAssertion, func(tok *jwt.Token) (interface{}, error) { return &key.PublicKey, nil })
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	require.Equal(t, srv.URL+"/oauth/token", parsed.Claims.(jwt.MapClaims)["aud"])
}

func TestNewMTLSClientWithoutCerts(t *testing.T) {
	t.Parallel()
	client, err := NewMTLSClient("", "", 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, client.Timeout)

	_, err = NewMTLSClient("/does/not/exist.pem", "/does/not/exist.key", time.Second)
	require.Error(t, err)
}
