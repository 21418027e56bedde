package banking

import "strings"

// Canonical transaction types. Providers report dozens of kind codes;
// everything downstream (categorization, reporting) sees only these.
const (
	TypeCredit      = "credit"
	TypeDebit       = "debit"
	TypePixIn       = "pix_in"
	TypePixOut      = "pix_out"
	TypeTransferIn  = "transfer_in"
	TypeTransferOut = "transfer_out"
	TypeFee         = "fee"
	TypeInterest    = "interest"
	TypeAdjustment  = "adjustment"
)

var kindToType = map[string]string{
	"PIX_RECEBIDO":  TypePixIn,
	"PIX_ENVIADO":   TypePixOut,
	"TED_RECEBIDO":  TypeTransferIn,
	"TED_ENVIADO":   TypeTransferOut,
	"DOC_RECEBIDO":  TypeTransferIn,
	"DOC_ENVIADO":   TypeTransferOut,
	"COMPRA_CARTAO": TypeDebit,
	"SAQUE":         TypeDebit,
	"DEPOSITO":      TypeCredit,
	"TARIFA":        TypeFee,
	"RENDIMENTO":    TypeInterest,
	"AJUSTE":        TypeAdjustment,
}

// CanonicalType maps a provider kind code to a canonical type. Unknown
// kinds fall back to the amount sign so no transaction is ever dropped
// for having a code we have not seen before.
func CanonicalType(kind string, amountCents int64) string {
	if t, ok := kindToType[strings.ToUpper(strings.TrimSpace(kind))]; ok {
		return t
	}
	if amountCents < 0 {
		return TypeDebit
	}
	return TypeCredit
}

// Field length caps applied during normalization. Providers occasionally
// send unbounded free text.
const (
	maxDescriptionLen = 500
	maxCounterpartLen = 200
	maxReferenceLen   = 100
)

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	// cut on a rune boundary
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Normalize applies the canonical type and field caps in place.
func Normalize(t *RawTransaction) {
	t.Type = CanonicalType(t.Kind, t.AmountCents)
	t.Description = truncate(t.Description, maxDescriptionLen)
	t.CounterpartName = truncate(t.CounterpartName, maxCounterpartLen)
	t.CounterpartDocument = truncate(t.CounterpartDocument, maxCounterpartLen)
	t.Reference = truncate(t.Reference, maxReferenceLen)
	if t.Currency == "" {
		t.Currency = "BRL"
	}
}
