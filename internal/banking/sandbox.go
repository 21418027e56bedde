package banking

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sandbox is an in-process provider for development and tests. It
// implements Connector and Gateway without any network dependency and
// generates account data deterministically: the same account and day
// always produce the same transactions, so re-syncs dedupe exactly like
// they would against a real bank.
type Sandbox struct {
	clock func() time.Time
}

func NewSandbox() *Sandbox {
	return &Sandbox{clock: time.Now}
}

const (
	sandboxConsentPrefix = "sandbox-consent-"
	sandboxCodePrefix    = "sandbox-auth-"
	sandboxAccessPrefix  = "sandbox-access-"
	sandboxRefreshPrefix = "sandbox-refresh-"

	sandboxConsentTTL = 900 * time.Second
	sandboxTokenTTL   = 3600 * time.Second
	sandboxPageSize   = 25
)

func (s *Sandbox) CreateConsent(ctx context.Context, req ConsentRequest) (Consent, error) {
	if req.ProviderCode == "" {
		return Consent{}, &ValidationError{Field: "provider_code", Reason: "required"}
	}
	id := sandboxConsentPrefix + uuid.NewString()
	return Consent{
		ID:          id,
		RedirectURL: "https://sandbox.local/authorize?consent_id=" + id,
		ExpiresAt:   s.clock().Add(sandboxConsentTTL),
	}, nil
}

// AuthCode simulates the user approving a consent at the bank. The real
// flow would deliver this code on the redirect URI.
func (s *Sandbox) AuthCode(consentID string) (string, error) {
	if !strings.HasPrefix(consentID, sandboxConsentPrefix) {
		return "", ErrInvalidGrant
	}
	return sandboxCodePrefix + uuid.NewString(), nil
}

func (s *Sandbox) ExchangeCode(ctx context.Context, code string) (TokenSet, error) {
	if !strings.HasPrefix(code, sandboxCodePrefix) {
		return TokenSet{}, ErrInvalidGrant
	}
	return s.issueTokens(), nil
}

func (s *Sandbox) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	if !strings.HasPrefix(refreshToken, sandboxRefreshPrefix) {
		return TokenSet{}, ErrInvalidGrant
	}
	return s.issueTokens(), nil
}

func (s *Sandbox) issueTokens() TokenSet {
	return TokenSet{
		AccessToken:  sandboxAccessPrefix + uuid.NewString(),
		RefreshToken: sandboxRefreshPrefix + uuid.NewString(),
		TokenType:    "Bearer",
		ExpiresAt:    s.clock().Add(sandboxTokenTTL),
	}
}

// ValidToken reports whether a bearer token would be accepted.
func (s *Sandbox) ValidToken(token string) bool {
	return strings.HasPrefix(token, sandboxAccessPrefix)
}

func (s *Sandbox) Balance(ctx context.Context, accessToken string, ref AccountRef) (AccountInfo, error) {
	if !s.ValidToken(accessToken) {
		return AccountInfo{}, &AuthError{Reason: "invalid access token"}
	}
	h := accountSeed(ref.ExternalAccountID, "balance")
	return AccountInfo{
		ExternalID:   ref.ExternalAccountID,
		BalanceCents: 50_000_00 + int64(h%150_000_00),
		Currency:     "BRL",
		AsOf:         s.clock(),
	}, nil
}

func (s *Sandbox) Transactions(ctx context.Context, accessToken string, ref AccountRef, q TransactionQuery) (TransactionPage, error) {
	if !s.ValidToken(accessToken) {
		return TransactionPage{}, &AuthError{Reason: "invalid access token"}
	}
	if q.To.Before(q.From) {
		return TransactionPage{}, &ValidationError{Field: "toBookingDate", Reason: "before fromBookingDate"}
	}
	all := s.generateWindow(ref.ExternalAccountID, q.From, q.To)

	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = sandboxPageSize
	}
	page := q.Page
	if page <= 0 {
		page = 1
	}
	totalPages := (len(all) + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}
	return TransactionPage{
		Transactions: all[start:end],
		Page:         page,
		TotalPages:   totalPages,
		TotalRecords: len(all),
	}, nil
}

// generateWindow produces every transaction between from and to, one day
// at a time, oldest first.
func (s *Sandbox) generateWindow(accountID string, from, to time.Time) []RawTransaction {
	var out []RawTransaction
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	last := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	for !day.After(last) {
		out = append(out, s.generateDay(accountID, day)...)
		day = day.AddDate(0, 0, 1)
	}
	return out
}

var sandboxCounterparts = []struct {
	name     string
	document string
}{
	{"Alfa Comercio LTDA", "12.345.678/0001-01"},
	{"Distribuidora Souza ME", "23.456.789/0001-02"},
	{"Cliente Maria Silva", "123.456.789-03"},
	{"Energia Paulista SA", "34.567.890/0001-04"},
	{"Mercado Central LTDA", "45.678.901/0001-05"},
	{"Posto Rodovia LTDA", "56.789.012/0001-06"},
	{"Restaurante Sabor ME", "67.890.123/0001-07"},
	{"Tech Cloud Servicos", "78.901.234/0001-08"},
}

type sandboxKind struct {
	kind   string
	desc   string
	min    int64 // cents, absolute
	max    int64
	signed int64 // +1 in, -1 out
}

var sandboxKinds = []sandboxKind{
	{"PIX_RECEBIDO", "PIX recebido de %s", 50_00, 8_000_00, 1},
	{"PIX_ENVIADO", "PIX enviado para %s", 50_00, 5_000_00, -1},
	{"TED_RECEBIDO", "TED recebida de %s", 500_00, 20_000_00, 1},
	{"TED_ENVIADO", "TED enviada para %s", 500_00, 15_000_00, -1},
	{"COMPRA_CARTAO", "Compra cartao %s", 20_00, 1_500_00, -1},
	{"SAQUE", "Saque ATM terminal %s", 50_00, 1_000_00, -1},
	{"DEPOSITO", "Deposito em conta", 100_00, 10_000_00, 1},
	{"TARIFA", "Tarifa pacote servicos", 5_00, 80_00, -1},
	{"RENDIMENTO", "Rendimento aplicacao automatica", 1_00, 200_00, 1},
}

func (s *Sandbox) generateDay(accountID string, day time.Time) []RawTransaction {
	seed := accountSeed(accountID, day.Format("2006-01-02"))
	rng := rand.New(rand.NewSource(int64(seed)))

	n := rng.Intn(4) // 0..3 transactions a day
	out := make([]RawTransaction, 0, n)
	for i := 0; i < n; i++ {
		k := sandboxKinds[rng.Intn(len(sandboxKinds))]
		cp := sandboxCounterparts[rng.Intn(len(sandboxCounterparts))]
		amount := k.signed * (k.min + rng.Int63n(k.max-k.min+1))

		desc := k.desc
		if strings.Contains(desc, "%s") {
			desc = fmt.Sprintf(desc, cp.name)
		}
		tx := RawTransaction{
			ExternalID:  fmt.Sprintf("sbx-%08x-%s-%d", seed&0xffffffff, day.Format("20060102"), i),
			Kind:        k.kind,
			AmountCents: amount,
			Currency:    "BRL",
			Description: desc,
			OccurredAt:  day.Add(time.Duration(8+rng.Intn(12)) * time.Hour).Add(time.Duration(rng.Intn(60)) * time.Minute),
			Reference:   fmt.Sprintf("REF%09d", rng.Intn(1_000_000_000)),
		}
		switch k.kind {
		case "TARIFA", "RENDIMENTO", "DEPOSITO", "SAQUE":
			// no counterpart on bank-originated entries
		default:
			tx.CounterpartName = cp.name
			tx.CounterpartDocument = cp.document
		}
		Normalize(&tx)
		out = append(out, tx)
	}
	return out
}

func accountSeed(parts ...string) uint64 {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return binary.BigEndian.Uint64(sum[:8])
}
