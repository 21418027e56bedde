package banking

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Handler exposes the sandbox over HTTP with the same paths and payloads
// a real provider uses. Point the production connector and gateway at an
// httptest server wrapping this to exercise the full wire path.
func (s *Sandbox) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /consents", s.handleCreateConsent)
	mux.HandleFunc("GET /authorize", s.handleAuthorize)
	mux.HandleFunc("POST /oauth/token", s.handleToken)
	mux.HandleFunc("GET /{provider}/accounts/{account}/balances", s.handleBalance)
	mux.HandleFunc("GET /{provider}/accounts/{account}/transactions", s.handleTransactions)
	return mux
}

func (s *Sandbox) handleCreateConsent(w http.ResponseWriter, r *http.Request) {
	consent, err := s.CreateConsent(r.Context(), ConsentRequest{ProviderCode: "sandbox"})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	writeJSON(w, http.StatusCreated, consentEnvelope{Data: consentData{
		ConsentID:          consent.ID,
		ExpirationDateTime: consent.ExpiresAt,
	}})
}

// handleAuthorize plays the user's approval step: it mints a code for the
// consent and bounces back to the redirect URI.
func (s *Sandbox) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	consentID := r.URL.Query().Get("consent_id")
	redirectURI := r.URL.Query().Get("redirect_uri")
	code, err := s.AuthCode(consentID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if redirectURI == "" {
		writeJSON(w, http.StatusOK, map[string]string{"code": code})
		return
	}
	http.Redirect(w, r, redirectURI+"?code="+code, http.StatusFound)
}

func (s *Sandbox) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	var tokens TokenSet
	var err error
	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		tokens, err = s.ExchangeCode(r.Context(), r.PostFormValue("code"))
	case "refresh_token":
		tokens, err = s.Refresh(r.Context(), r.PostFormValue("refresh_token"))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	if errors.Is(err, ErrInvalidGrant) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    tokens.TokenType,
		ExpiresIn:    int(sandboxTokenTTL / time.Second),
	})
}

func (s *Sandbox) handleBalance(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	ref := AccountRef{ProviderCode: r.PathValue("provider"), ExternalAccountID: r.PathValue("account")}
	info, err := s.Balance(r.Context(), token, ref)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceEnvelope{Data: balanceWire{
		AccountID:         info.ExternalID,
		AvailableAmount:   centsToMoney(info.BalanceCents, info.Currency),
		ReferenceDateTime: info.AsOf,
	}})
}

func (s *Sandbox) handleTransactions(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	q := r.URL.Query()
	from, err := time.Parse("2006-01-02", q.Get("fromBookingDate"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid fromBookingDate"})
		return
	}
	to, err := time.Parse("2006-01-02", q.Get("toBookingDate"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid toBookingDate"})
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page-size"))

	ref := AccountRef{ProviderCode: r.PathValue("provider"), ExternalAccountID: r.PathValue("account")}
	result, err := s.Transactions(r.Context(), token, ref, TransactionQuery{From: from, To: to, Page: page, PageSize: pageSize})
	if err != nil {
		writeProviderError(w, err)
		return
	}

	env := transactionsEnvelope{
		Data:  make([]transactionWire, 0, len(result.Transactions)),
		Links: pageLinks{Self: r.URL.String()},
		Meta: pageMeta{
			TotalRecords:    result.TotalRecords,
			TotalPages:      result.TotalPages,
			RequestDateTime: s.clock().UTC(),
		},
	}
	if result.Page < result.TotalPages {
		q.Set("page", strconv.Itoa(result.Page+1))
		env.Links.Next = r.URL.Path + "?" + q.Encode()
	}
	for _, tx := range result.Transactions {
		w := transactionWire{
			TransactionID:         tx.ExternalID,
			Type:                  tx.Kind,
			Amount:                centsToMoney(tx.AmountCents, tx.Currency),
			TransactionDateTime:   tx.OccurredAt,
			PartieName:            tx.CounterpartName,
			PartieDocument:        tx.CounterpartDocument,
			RemittanceInformation: tx.Description,
			ReferenceNumber:       tx.Reference,
		}
		if tx.BalanceAfterCents != nil {
			m := centsToMoney(*tx.BalanceAfterCents, tx.Currency)
			w.BalanceAfter = &m
		}
		env.Data = append(env.Data, w)
	}
	writeJSON(w, http.StatusOK, env)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

func writeProviderError(w http.ResponseWriter, err error) {
	var autherr *AuthError
	if errors.As(err, &autherr) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
