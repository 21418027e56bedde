package repository

import "time"

// Provider represents a bank_providers row.
type Provider struct {
	ID             string
	Code           string
	Name           string
	Color          string
	RequiresAgency bool
	IsActive       bool
	CreatedAt      time.Time
}

// Connection represents a bank_connections row. Token columns hold sealed
// ciphertext; the vault package is the only reader of their plaintext.
type Connection struct {
	ID                 string
	CompanyID          string
	ProviderCode       string
	ExternalAccountID  string
	Agency             *string
	AccountNumber      string
	Status             string
	AccessToken        *string
	RefreshToken       *string
	TokenExpiresAt     *time.Time
	ConsentID          *string
	BalanceCents       *int64
	BalanceUpdatedAt   *time.Time
	LastSyncedAt       *time.Time
	LastError          *string
	SyncFrequencyHours int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// MaskedAccount returns the account number with all but the last four
// digits hidden, for logs and listings.
func (c Connection) MaskedAccount() string {
	n := c.AccountNumber
	if len(n) <= 4 {
		return n
	}
	return "****" + n[len(n)-4:]
}

// Transaction represents a transactions row.
type Transaction struct {
	ID                  string
	ConnectionID        string
	ExternalID          string
	Type                string
	AmountCents         int64
	Currency            string
	Description         string
	OccurredAt          time.Time
	CounterpartName     *string
	CounterpartDocument *string
	Reference           *string
	BalanceAfterCents   *int64
	Status              string
	CategoryID          *string
	CategoryConfidence  *float64
	AICategorized       bool
	ManuallyReviewed    bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsIncome reports whether the transaction moves money in. Interest and
// adjustments count by sign.
func (t Transaction) IsIncome() bool {
	switch t.Type {
	case "credit", "transfer_in", "pix_in", "interest", "adjustment":
		return t.AmountCents > 0
	}
	return false
}

// IsExpense reports whether the transaction moves money out.
func (t Transaction) IsExpense() bool {
	switch t.Type {
	case "debit", "transfer_out", "pix_out", "fee":
		return true
	}
	return t.AmountCents < 0
}

// SyncRun represents a sync_runs row.
type SyncRun struct {
	ID           string
	ConnectionID string
	TriggeredBy  string
	Status       string
	WindowStart  *time.Time
	WindowEnd    *time.Time
	StartedAt    time.Time
	CompletedAt  *time.Time
	FetchedCount int
	CreatedCount int
	UpdatedCount int
	Error        *string
}

// Category represents a categories row.
type Category struct {
	ID        string
	Name      string
	Slug      string
	Kind      string
	Keywords  []string
	Color     string
	IsSystem  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CategoryRule represents a category_rules row. Conditions holds the
// rule-type-specific match parameters as JSON.
type CategoryRule struct {
	ID         string
	CompanyID  string
	CategoryID string
	Name       string
	RuleType   string
	Conditions string
	Priority   int
	Confidence float64
	IsActive   bool
	MatchCount int
	Accuracy   *float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Decision represents a categorization_logs row. WasAccepted stays nil
// until the user confirms or corrects the assignment.
type Decision struct {
	ID            string
	TransactionID string
	CategoryID    *string
	Method        string
	RuleID        *string
	Confidence    float64
	ProcessingMS  int64
	Model         *string
	WasAccepted   *bool
	DecidedAt     time.Time
}

// TrainingExample represents a training_examples row.
type TrainingExample struct {
	ID                  string
	CompanyID           string
	TransactionID       *string
	Description         string
	AmountCents         int64
	TransactionType     string
	PredictedCategoryID *string
	CorrectedCategoryID string
	Features            string
	Source              string
	CreatedAt           time.Time
}
