package banking

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Wire types shared by the production gateway and the sandbox HTTP
// facade. Amounts travel as decimal strings, the convention of Open
// Finance payloads.
type moneyWire struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type balanceWire struct {
	AccountID         string    `json:"accountId"`
	AvailableAmount   moneyWire `json:"availableAmount"`
	ReferenceDateTime time.Time `json:"referenceDateTime"`
}

type balanceEnvelope struct {
	Data balanceWire `json:"data"`
}

type transactionWire struct {
	TransactionID         string     `json:"transactionId"`
	Type                  string     `json:"type"`
	Amount                moneyWire  `json:"amount"`
	TransactionDateTime   time.Time  `json:"transactionDateTime"`
	PartieName            string     `json:"partieName,omitempty"`
	PartieDocument        string     `json:"partieDocument,omitempty"`
	RemittanceInformation string     `json:"remittanceInformation,omitempty"`
	ReferenceNumber       string     `json:"referenceNumber,omitempty"`
	BalanceAfter          *moneyWire `json:"balanceAfter,omitempty"`
}

type pageLinks struct {
	Self string `json:"self"`
	Next string `json:"next,omitempty"`
}

type pageMeta struct {
	TotalRecords    int       `json:"totalRecords"`
	TotalPages      int       `json:"totalPages"`
	RequestDateTime time.Time `json:"requestDateTime"`
}

type transactionsEnvelope struct {
	Data  []transactionWire `json:"data"`
	Links pageLinks         `json:"links"`
	Meta  pageMeta          `json:"meta"`
}

func moneyToCents(m moneyWire) (int64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(m.Amount), ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", m.Amount, err)
	}
	return int64(math.Round(f * 100)), nil
}

func centsToMoney(cents int64, currency string) moneyWire {
	return moneyWire{Amount: fmt.Sprintf("%.2f", float64(cents)/100), Currency: currency}
}

// OpenFinanceGateway implements Gateway over a provider's account
// endpoints. Every request carries a fresh x-fapi-interaction-id so
// provider support can trace individual calls.
type OpenFinanceGateway struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (g *OpenFinanceGateway) Balance(ctx context.Context, accessToken string, ref AccountRef) (AccountInfo, error) {
	endpoint := fmt.Sprintf("%s/%s/accounts/%s/balances", g.BaseURL, ref.ProviderCode, url.PathEscape(ref.ExternalAccountID))
	var env balanceEnvelope
	if err := g.get(ctx, accessToken, endpoint, &env); err != nil {
		return AccountInfo{}, err
	}
	cents, err := moneyToCents(env.Data.AvailableAmount)
	if err != nil {
		return AccountInfo{}, err
	}
	return AccountInfo{
		ExternalID:   env.Data.AccountID,
		BalanceCents: cents,
		Currency:     env.Data.AvailableAmount.Currency,
		AsOf:         env.Data.ReferenceDateTime,
	}, nil
}

func (g *OpenFinanceGateway) Transactions(ctx context.Context, accessToken string, ref AccountRef, q TransactionQuery) (TransactionPage, error) {
	if q.To.Before(q.From) {
		return TransactionPage{}, &ValidationError{Field: "toBookingDate", Reason: "before fromBookingDate"}
	}
	page := q.Page
	if page <= 0 {
		page = 1
	}
	params := url.Values{}
	params.Set("fromBookingDate", q.From.UTC().Format("2006-01-02"))
	params.Set("toBookingDate", q.To.UTC().Format("2006-01-02"))
	params.Set("page", strconv.Itoa(page))
	if q.PageSize > 0 {
		params.Set("page-size", strconv.Itoa(q.PageSize))
	}
	endpoint := fmt.Sprintf("%s/%s/accounts/%s/transactions?%s",
		g.BaseURL, ref.ProviderCode, url.PathEscape(ref.ExternalAccountID), params.Encode())

	var env transactionsEnvelope
	if err := g.get(ctx, accessToken, endpoint, &env); err != nil {
		return TransactionPage{}, err
	}

	out := TransactionPage{
		Page:         page,
		TotalPages:   env.Meta.TotalPages,
		TotalRecords: env.Meta.TotalRecords,
	}
	for _, w := range env.Data {
		cents, err := moneyToCents(w.Amount)
		if err != nil {
			return TransactionPage{}, err
		}
		tx := RawTransaction{
			ExternalID:          w.TransactionID,
			Kind:                w.Type,
			AmountCents:         cents,
			Currency:            w.Amount.Currency,
			Description:         w.RemittanceInformation,
			OccurredAt:          w.TransactionDateTime,
			CounterpartName:     w.PartieName,
			CounterpartDocument: w.PartieDocument,
			Reference:           w.ReferenceNumber,
		}
		if w.BalanceAfter != nil {
			after, err := moneyToCents(*w.BalanceAfter)
			if err != nil {
				return TransactionPage{}, err
			}
			tx.BalanceAfterCents = &after
		}
		Normalize(&tx)
		out.Transactions = append(out.Transactions, tx)
	}
	return out, nil
}

func (g *OpenFinanceGateway) get(ctx context.Context, accessToken, endpoint string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-fapi-interaction-id", uuid.NewString())

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if err := checkProviderStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
