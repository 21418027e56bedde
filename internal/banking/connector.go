package banking

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// AssertionSigner produces the signed JWT a provider token endpoint
// expects as client authentication.
type AssertionSigner struct {
	key *rsa.PrivateKey
}

// NewAssertionSigner loads an RSA private key in PEM form.
func NewAssertionSigner(keyFile string) (*AssertionSigner, error) {
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &AssertionSigner{key: key}, nil
}

// Sign builds a PS256 client assertion. Each assertion carries a fresh jti
// and a five minute expiry, as required for one-time use at the token
// endpoint.
func (s *AssertionSigner) Sign(clientID, audience string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": audience,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodPS256, claims).SignedString(s.key)
}

// NewMTLSClient builds an HTTP client presenting the transport
// certificate providers require. Without cert files it degrades to a
// plain client, which sandbox deployments accept.
func NewMTLSClient(certFile, keyFile string, timeout time.Duration) (*http.Client, error) {
	if certFile == "" || keyFile == "" {
		return &http.Client{Timeout: timeout}, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load transport cert: %w", err)
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		},
	}, nil
}

// OpenFinanceConnector implements Connector against a provider's consent
// and token endpoints.
type OpenFinanceConnector struct {
	BaseURL     string
	ClientID    string
	RedirectURI string
	HTTPClient  *http.Client
	Signer      *AssertionSigner
}

type consentData struct {
	ConsentID          string    `json:"consentId"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

type consentEnvelope struct {
	Data consentData `json:"data"`
}

func (c *OpenFinanceConnector) CreateConsent(ctx context.Context, req ConsentRequest) (Consent, error) {
	if req.ProviderCode == "" {
		return Consent{}, &ValidationError{Field: "provider_code", Reason: "required"}
	}
	perms := req.Permissions
	if len(perms) == 0 {
		perms = DefaultPermissions
	}
	body := map[string]interface{}{
		"data": map[string]interface{}{
			"permissions":        perms,
			"expirationDateTime": time.Now().Add(15 * time.Minute).UTC().Format(time.RFC3339),
		},
	}
	raw, _ := json.Marshal(body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/consents", strings.NewReader(string(raw)))
	if err != nil {
		return Consent{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-fapi-interaction-id", uuid.NewString())

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return Consent{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if err := checkProviderStatus(resp); err != nil {
		return Consent{}, err
	}

	var env consentEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Consent{}, fmt.Errorf("decode consent: %w", err)
	}
	if env.Data.ConsentID == "" {
		return Consent{}, fmt.Errorf("provider returned no consent id")
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.ClientID)
	q.Set("scope", "openid accounts transactions")
	q.Set("redirect_uri", c.RedirectURI)
	q.Set("consent_id", env.Data.ConsentID)
	q.Set("state", uuid.NewString())
	q.Set("nonce", uuid.NewString())
	return Consent{
		ID:          env.Data.ConsentID,
		RedirectURL: c.BaseURL + "/authorize?" + q.Encode(),
		ExpiresAt:   env.Data.ExpirationDateTime,
	}, nil
}

func (c *OpenFinanceConnector) ExchangeCode(ctx context.Context, code string) (TokenSet, error) {
	if strings.TrimSpace(code) == "" {
		return TokenSet{}, &ValidationError{Field: "code", Reason: "required"}
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.RedirectURI)
	return c.tokenRequest(ctx, form)
}

func (c *OpenFinanceConnector) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return TokenSet{}, &AuthError{Reason: "no refresh token stored"}
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, form)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (c *OpenFinanceConnector) tokenRequest(ctx context.Context, form url.Values) (TokenSet, error) {
	tokenURL := c.BaseURL + "/oauth/token"
	form.Set("client_id", c.ClientID)
	if c.Signer != nil {
		assertion, err := c.Signer.Sign(c.ClientID, tokenURL)
		if err != nil {
			return TokenSet{}, fmt.Errorf("sign assertion: %w", err)
		}
		form.Set("client_assertion_type", clientAssertionType)
		form.Set("client_assertion", assertion)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenSet{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		var oe oauthError
		body, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(body, &oe)
		switch oe.Code {
		case "invalid_grant":
			return TokenSet{}, ErrInvalidGrant
		case "invalid_client", "unauthorized_client":
			return TokenSet{}, &AuthError{Reason: oe.Description}
		default:
			return TokenSet{}, &AuthError{Reason: fmt.Sprintf("token endpoint %d: %s", resp.StatusCode, oe.Code)}
		}
	}
	if err := checkProviderStatus(resp); err != nil {
		return TokenSet{}, err
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return TokenSet{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return TokenSet{}, &AuthError{Reason: "provider returned no access token"}
	}
	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresAt:    time.Now().Add(ttl),
	}, nil
}

// checkProviderStatus maps non-2xx responses onto the error taxonomy.
func checkProviderStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &AuthError{Reason: fmt.Sprintf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
