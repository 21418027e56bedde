package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/contaflux/contaflux/internal/banking"
	"github.com/contaflux/contaflux/internal/classify"
	"github.com/contaflux/contaflux/internal/config"
	"github.com/contaflux/contaflux/internal/database"
	"github.com/contaflux/contaflux/internal/database/repository"
	"github.com/contaflux/contaflux/internal/service"
	"github.com/contaflux/contaflux/internal/vault"
)

var verbose bool

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "contaflux",
		Short:         "Bank synchronization and transaction categorization for small businesses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.AddCommand(
		newInitCmd(),
		newMigrateCmd(),
		newConnectCmd(),
		newConnectionsCmd(),
		newSyncCmd(),
		newTransactionsCmd(),
		newCategorizeCmd(),
		newRulesCmd(),
		newCorrectCmd(),
		newAccuracyCmd(),
		newScheduleCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app wires configuration, storage and services for one command run.
type app struct {
	cfg config.Config
	log *zap.Logger
	db  *sql.DB

	providers    *repository.ProviderRepo
	connections  *repository.ConnectionRepo
	transactions *repository.TransactionRepo
	runs         *repository.SyncRunRepo
	categories   *repository.CategoryRepo
	rules        *repository.CategoryRuleRepo
	decisions    *repository.DecisionRepo
	training     *repository.TrainingRepo

	vault     *vault.Vault
	connector banking.Connector
	gateway   banking.Gateway
	sandbox   *banking.Sandbox // set in sandbox mode only

	bus        *service.EventBus
	sync       *service.SyncService
	categorize *service.CategorizeService
	ruleSvc    *service.RuleService
	feedback   *service.FeedbackService
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(verbose)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	migrations, err := filepath.Abs(cfg.Database.MigrationsPath)
	if err != nil {
		return nil, fmt.Errorf("resolve migrations path: %w", err)
	}
	if err := database.RunMigrations(cfg.Database.Path, migrations); err != nil {
		return nil, err
	}
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := database.SeedDefaults(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	a := &app{
		cfg:          cfg,
		log:          log,
		db:           db,
		providers:    repository.NewProviderRepo(db),
		connections:  repository.NewConnectionRepo(db),
		transactions: repository.NewTransactionRepo(db),
		runs:         repository.NewSyncRunRepo(db),
		categories:   repository.NewCategoryRepo(db),
		rules:        repository.NewCategoryRuleRepo(db),
		decisions:    repository.NewDecisionRepo(db),
		training:     repository.NewTrainingRepo(db),
		vault:        vault.New(cfg.Vault.Secret),
	}
	if err := a.wireBanking(); err != nil {
		db.Close()
		return nil, err
	}
	a.wireServices()
	return a, nil
}

func (a *app) wireBanking() error {
	b := a.cfg.Banking
	switch b.Mode {
	case "production":
		httpClient, err := banking.NewMTLSClient(b.CertFile, b.KeyFile, time.Duration(b.TimeoutSeconds)*time.Second)
		if err != nil {
			return fmt.Errorf("mtls client: %w", err)
		}
		connector := &banking.OpenFinanceConnector{
			BaseURL:     b.BaseURL,
			ClientID:    b.ClientID,
			RedirectURI: b.RedirectURI,
			HTTPClient:  httpClient,
		}
		if b.SigningKeyFile != "" {
			signer, err := banking.NewAssertionSigner(b.SigningKeyFile)
			if err != nil {
				return fmt.Errorf("assertion signer: %w", err)
			}
			connector.Signer = signer
		}
		a.connector = connector
		a.gateway = &banking.OpenFinanceGateway{BaseURL: b.BaseURL, HTTPClient: httpClient}
	case "sandbox", "":
		sb := banking.NewSandbox()
		a.sandbox = sb
		a.connector = sb
		a.gateway = sb
	default:
		return fmt.Errorf("unknown banking mode %q", b.Mode)
	}
	return nil
}

func (a *app) wireServices() {
	a.bus = service.NewEventBus(a.cfg.Sync.EventBuffer, a.log)
	a.sync = &service.SyncService{
		DB:           a.db,
		Connections:  a.connections,
		Transactions: a.transactions,
		Runs:         a.runs,
		Providers:    a.providers,
		Tokens:       &banking.TokenSource{Connector: a.connector, Vault: a.vault, Store: a.connections},
		Gateway:      a.gateway,
		Bus:          a.bus,
		Log:          a.log,
		DaysBack:     a.cfg.Sync.DaysBack,
		BatchSize:    a.cfg.Sync.BatchSize,
		Workers:      a.cfg.Sync.Workers,
		MaxSeconds:   a.cfg.Sync.MaxSeconds,
	}
	a.categorize = &service.CategorizeService{
		Transactions: a.transactions,
		Connections:  a.connections,
		Categories:   a.categories,
		Rules:        a.rules,
		Decisions:    a.decisions,
		Classifier:   buildClassifier(a.cfg.Classify, a.log),
		Log:          a.log,
		Threshold:    a.cfg.Classify.Threshold,
	}
	a.ruleSvc = &service.RuleService{
		Rules:        a.rules,
		Categories:   a.categories,
		Transactions: a.transactions,
		Decisions:    a.decisions,
		Log:          a.log,
	}
	a.feedback = &service.FeedbackService{
		Transactions: a.transactions,
		Connections:  a.connections,
		Categories:   a.categories,
		Decisions:    a.decisions,
		Training:     a.training,
		Rules:        a.rules,
		Log:          a.log,
	}
}

func (a *app) Close() {
	_ = a.log.Sync()
	_ = a.db.Close()
}

// consumeEvents runs the categorization consumer until the bus closes.
// Call the returned function after the producing work to drain and wait.
func (a *app) consumeEvents(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.categorize.Consume(ctx, a.bus.Events())
	}()
	return func() {
		a.bus.Close()
		<-done
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func buildClassifier(cfg config.ClassifyConfig, log *zap.Logger) classify.Classifier {
	switch cfg.Provider {
	case "openai":
		key := cfg.APIKey
		if key == "" && cfg.APIKeyEnv != "" {
			key = os.Getenv(cfg.APIKeyEnv)
		}
		c, err := classify.NewOpenAI(cfg.BaseURL, key, cfg.Model)
		if err != nil {
			log.Warn("openai classifier unavailable, falling back to heuristic", zap.Error(err))
			return classify.NewHeuristic()
		}
		return c
	case "heuristic", "":
		return classify.NewHeuristic()
	default:
		log.Warn("unknown classify provider, using heuristic", zap.String("provider", cfg.Provider))
		return classify.NewHeuristic()
	}
}

// formatBRL renders cents as Brazilian currency: R$ 1.234,56.
func formatBRL(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	reais := cents / 100
	digits := fmt.Sprintf("%d", reais)
	var grouped []string
	for len(digits) > 3 {
		grouped = append([]string{digits[len(digits)-3:]}, grouped...)
		digits = digits[:len(digits)-3]
	}
	grouped = append([]string{digits}, grouped...)
	return fmt.Sprintf("%sR$ %s,%02d", sign, strings.Join(grouped, "."), cents%100)
}
