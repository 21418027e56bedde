package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/contaflux/contaflux/internal/banking"
	"github.com/contaflux/contaflux/internal/config"
	"github.com/contaflux/contaflux/internal/database"
	"github.com/contaflux/contaflux/internal/database/repository"
	"github.com/contaflux/contaflux/internal/service"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			path, err := config.Save(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("configuration written to %s\n", path)
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and seed defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("database ready at %s\n", a.cfg.Database.Path)
			return nil
		},
	}
}

func newConnectCmd() *cobra.Command {
	var (
		companyID  string
		provider   string
		account    string
		agency     string
		externalID string
		frequency  int
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Link a bank account through the consent flow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.providers.GetByCode(ctx, provider)
			if err != nil {
				return fmt.Errorf("lookup provider: %w", err)
			}
			if p == nil {
				return fmt.Errorf("unknown provider code %q", provider)
			}
			if !p.IsActive {
				return fmt.Errorf("provider %s is disabled", p.Name)
			}

			consent, err := a.connector.CreateConsent(ctx, banking.ConsentRequest{
				ProviderCode: provider,
				Permissions:  banking.DefaultPermissions,
			})
			if err != nil {
				return fmt.Errorf("create consent: %w", err)
			}

			var code string
			if a.sandbox != nil {
				code, err = a.sandbox.AuthCode(consent.ID)
				if err != nil {
					return fmt.Errorf("sandbox approval: %w", err)
				}
				fmt.Println("sandbox consent approved automatically")
			} else {
				fmt.Printf("open the following URL and approve access at %s:\n\n  %s\n\n", p.Name, consent.RedirectURL)
				fmt.Print("authorization code: ")
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil {
					return fmt.Errorf("read authorization code: %w", err)
				}
				code = strings.TrimSpace(line)
			}

			tokens, err := a.connector.ExchangeCode(ctx, code)
			if err != nil {
				return fmt.Errorf("exchange code: %w", err)
			}
			access, err := a.vault.Seal(tokens.AccessToken)
			if err != nil {
				return fmt.Errorf("seal access token: %w", err)
			}
			refresh, err := a.vault.Seal(tokens.RefreshToken)
			if err != nil {
				return fmt.Errorf("seal refresh token: %w", err)
			}

			if externalID == "" {
				externalID = uuid.NewString()
			}
			conn := repository.Connection{
				ID:                 uuid.NewString(),
				CompanyID:          companyID,
				ProviderCode:       provider,
				ExternalAccountID:  externalID,
				AccountNumber:      account,
				Status:             "pending",
				ConsentID:          &consent.ID,
				SyncFrequencyHours: frequency,
			}
			if agency != "" {
				conn.Agency = &agency
			}
			if err := a.connections.Insert(ctx, conn); err != nil {
				return fmt.Errorf("store connection: %w", err)
			}
			if err := a.connections.UpdateTokens(ctx, conn.ID, access.Encode(), refresh.Encode(), tokens.ExpiresAt); err != nil {
				return fmt.Errorf("store tokens: %w", err)
			}

			fmt.Printf("connected %s account %s\nconnection id: %s\n", p.Name, conn.MaskedAccount(), conn.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&companyID, "company", "", "company identifier")
	cmd.Flags().StringVar(&provider, "provider", "", "bank provider code (e.g. 260)")
	cmd.Flags().StringVar(&account, "account", "", "account number")
	cmd.Flags().StringVar(&agency, "agency", "", "agency number, if the bank uses one")
	cmd.Flags().StringVar(&externalID, "external-id", "", "provider-side account id")
	cmd.Flags().IntVar(&frequency, "frequency", 4, "sync frequency in hours")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newConnectionsCmd() *cobra.Command {
	var companyID string
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List bank connections for a company",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			conns, err := a.connections.ListForCompany(ctx, companyID)
			if err != nil {
				return err
			}
			if len(conns) == 0 {
				fmt.Println("no connections")
				return nil
			}
			providers := map[string]string{}
			if ps, err := a.providers.List(ctx); err == nil {
				for _, p := range ps {
					providers[p.Code] = p.Name
				}
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBANK\tACCOUNT\tSTATUS\tBALANCE\tLAST SYNC")
			for _, c := range conns {
				balance := "-"
				if c.BalanceCents != nil {
					balance = formatBRL(*c.BalanceCents)
				}
				lastSync := "never"
				if c.LastSyncedAt != nil {
					lastSync = c.LastSyncedAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					c.ID, providers[c.ProviderCode], c.MaskedAccount(), c.Status, balance, lastSync)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&companyID, "company", "", "company identifier")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func newSyncCmd() *cobra.Command {
	var (
		connectionID string
		all          bool
		days         int
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch transactions and balances from connected banks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if connectionID == "" && !all {
				return fmt.Errorf("pass --connection or --all")
			}
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			drain := a.consumeEvents(ctx)

			if all {
				report, err := a.sync.SyncAll(ctx, days)
				drain()
				fmt.Printf("synced %d, skipped %d, failed %d\n", report.Synced, report.Skipped, report.Failed)
				for _, e := range report.Errors {
					fmt.Printf("  - %v\n", e)
				}
				return err
			}

			run, syncErr := a.sync.Sync(ctx, connectionID, days)
			drain()
			if run != nil {
				fmt.Printf("run %s: %s\n", run.ID, run.Status)
				fmt.Printf("  fetched %d, created %d, updated %d\n", run.FetchedCount, run.CreatedCount, run.UpdatedCount)
			}
			return syncErr
		},
	}
	cmd.Flags().StringVar(&connectionID, "connection", "", "connection to sync")
	cmd.Flags().BoolVar(&all, "all", false, "sync every syncable connection")
	cmd.Flags().IntVar(&days, "days", 0, "history window in days (default from config)")
	return cmd
}

func newTransactionsCmd() *cobra.Command {
	var (
		connectionID  string
		days          int
		uncategorized bool
	)
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "List synced transactions for a connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			to := database.Now()
			from := to.AddDate(0, 0, -days)
			txs, err := a.transactions.ListForConnection(ctx, connectionID, from, to)
			if err != nil {
				return err
			}
			names := map[string]string{}
			if cats, err := a.categories.List(ctx); err == nil {
				for _, c := range cats {
					names[c.ID] = c.Name
				}
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tAMOUNT\tTYPE\tDESCRIPTION\tCATEGORY")
			shown := 0
			for _, tx := range txs {
				if uncategorized && tx.CategoryID != nil {
					continue
				}
				category := "-"
				if tx.CategoryID != nil {
					category = names[*tx.CategoryID]
					if tx.ManuallyReviewed {
						category += " *"
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					tx.OccurredAt.Local().Format("2006-01-02"), formatBRL(tx.AmountCents), tx.Type,
					tx.Description, category)
				shown++
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d transactions\n", shown)
			return nil
		},
	}
	cmd.Flags().StringVar(&connectionID, "connection", "", "connection to list")
	cmd.Flags().IntVar(&days, "days", 30, "history window in days")
	cmd.Flags().BoolVar(&uncategorized, "uncategorized", false, "only transactions without a category")
	_ = cmd.MarkFlagRequired("connection")
	return cmd
}

func newCategorizeCmd() *cobra.Command {
	var (
		limit        int
		recheckBelow float64
	)
	cmd := &cobra.Command{
		Use:   "categorize",
		Short: "Categorize the uncategorized backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if recheckBelow > 0 {
				n, err := a.categorize.RecategorizeLowConfidence(ctx, recheckBelow)
				if err != nil {
					return err
				}
				fmt.Printf("recategorized %d low-confidence transactions\n", n)
				return nil
			}
			processed, failed, err := a.categorize.CategorizeUncategorized(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Printf("categorized %d transactions (%d failed)\n", processed, failed)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum transactions per pass")
	cmd.Flags().Float64Var(&recheckBelow, "recheck-below", 0, "re-run transactions categorized below this confidence")
	return cmd
}

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage categorization rules",
	}
	cmd.AddCommand(newRulesListCmd(), newRulesAddCmd(), newRulesSuggestCmd(), newRulesApplyCmd())
	return cmd
}

func newRulesListCmd() *cobra.Command {
	var companyID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules for a company",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			rules, err := a.rules.ListForCompany(ctx, companyID)
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				fmt.Println("no rules")
				return nil
			}
			names := map[string]string{}
			if cats, err := a.categories.List(ctx); err == nil {
				for _, c := range cats {
					names[c.ID] = c.Name
				}
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tCATEGORY\tMATCHES\tACCURACY\tACTIVE")
			for _, r := range rules {
				accuracy := "-"
				if r.Accuracy != nil {
					accuracy = fmt.Sprintf("%.0f%%", *r.Accuracy*100)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%t\n",
					r.ID, r.Name, r.RuleType, names[r.CategoryID], r.MatchCount, accuracy, r.IsActive)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&companyID, "company", "", "company identifier")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func newRulesAddCmd() *cobra.Command {
	var (
		companyID string
		category  string
		name      string
		ruleType  string
		keywords  []string
		names     []string
		pattern   string
		minCents  int64
		maxCents  int64
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a categorization rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			cat, err := a.categories.GetBySlug(ctx, category)
			if err != nil {
				return err
			}
			if cat == nil {
				return fmt.Errorf("unknown category slug %q", category)
			}

			var rule *repository.CategoryRule
			switch ruleType {
			case "keyword":
				rule, err = a.ruleSvc.CreateKeywordRule(ctx, companyID, cat.ID, name, keywords)
			case "amount":
				rule, err = a.ruleSvc.CreateAmountRangeRule(ctx, companyID, cat.ID, name, minCents, maxCents)
			case "counterpart":
				rule, err = a.ruleSvc.CreateCounterpartRule(ctx, companyID, cat.ID, name, names)
			case "pattern":
				rule, err = a.ruleSvc.CreatePatternRule(ctx, companyID, cat.ID, name, pattern)
			default:
				return fmt.Errorf("unknown rule type %q (keyword, amount, counterpart, pattern)", ruleType)
			}
			if err != nil {
				return err
			}
			fmt.Printf("rule %s created (%s -> %s)\n", rule.ID, rule.Name, cat.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&companyID, "company", "", "company identifier")
	cmd.Flags().StringVar(&category, "category", "", "target category slug")
	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().StringVar(&ruleType, "type", "keyword", "rule type: keyword, amount, counterpart or pattern")
	cmd.Flags().StringSliceVar(&keywords, "keywords", nil, "keywords for keyword rules")
	cmd.Flags().StringSliceVar(&names, "names", nil, "counterpart names for counterpart rules")
	cmd.Flags().StringVar(&pattern, "pattern", "", "regular expression for pattern rules")
	cmd.Flags().Int64Var(&minCents, "min-cents", 0, "minimum absolute amount for amount rules")
	cmd.Flags().Int64Var(&maxCents, "max-cents", 0, "maximum absolute amount for amount rules")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newRulesSuggestCmd() *cobra.Command {
	var (
		companyID string
		apply     bool
	)
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Mine reviewed transactions for new keyword rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			suggestions, err := a.ruleSvc.SuggestRules(ctx, companyID)
			if err != nil {
				return err
			}
			if len(suggestions) == 0 {
				fmt.Println("no suggestions; review more transactions first")
				return nil
			}
			for _, s := range suggestions {
				fmt.Printf("%-20s -> %-24s seen %d times (confidence %.1f)\n",
					s.Keyword, s.CategoryName, s.Count, s.Confidence)
				if !apply {
					continue
				}
				rule, err := a.ruleSvc.CreateKeywordRule(ctx, companyID, s.CategoryID,
					fmt.Sprintf("auto: %s", s.Keyword), []string{s.Keyword})
				if err != nil {
					return fmt.Errorf("create rule for %q: %w", s.Keyword, err)
				}
				fmt.Printf("  created rule %s\n", rule.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&companyID, "company", "", "company identifier")
	cmd.Flags().BoolVar(&apply, "apply", false, "create a keyword rule per suggestion")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func newRulesApplyCmd() *cobra.Command {
	var ruleID string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Backfill a rule over uncategorized transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.ruleSvc.ApplyRule(ctx, ruleID)
			if err != nil {
				return err
			}
			fmt.Printf("rule applied to %d transactions\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&ruleID, "rule", "", "rule identifier")
	_ = cmd.MarkFlagRequired("rule")
	return cmd
}

func newCorrectCmd() *cobra.Command {
	var (
		transactionID string
		category      string
		reviewer      string
	)
	cmd := &cobra.Command{
		Use:   "correct",
		Short: "Set the correct category for a transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			cat, err := a.categories.GetBySlug(ctx, category)
			if err != nil {
				return err
			}
			if cat == nil {
				return fmt.Errorf("unknown category slug %q", category)
			}
			if err := a.feedback.RecordCorrection(ctx, transactionID, cat.ID, reviewer); err != nil {
				return err
			}
			fmt.Printf("transaction marked as %s\n", cat.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&transactionID, "transaction", "", "transaction identifier")
	cmd.Flags().StringVar(&category, "category", "", "correct category slug")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "who reviewed it")
	_ = cmd.MarkFlagRequired("transaction")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func newAccuracyCmd() *cobra.Command {
	var (
		companyID string
		days      int
		recompute bool
	)
	cmd := &cobra.Command{
		Use:   "accuracy",
		Short: "Report categorization accuracy by method",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.feedback.Accuracy(ctx, companyID, days)
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("no categorization decisions in the period")
			} else {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "METHOD\tDECISIONS\tREVIEWED\tACCEPTED\tACCURACY\tAVG CONFIDENCE")
				for _, s := range stats {
					accuracy := "-"
					if s.Reviewed > 0 {
						accuracy = fmt.Sprintf("%.0f%%", s.Accuracy()*100)
					}
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%.2f\n",
						s.Method, s.Total, s.Reviewed, s.Accepted, accuracy, s.AvgConfidence)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			if recompute {
				n, err := a.feedback.RecomputeRuleStats(ctx, companyID)
				if err != nil {
					return err
				}
				fmt.Printf("updated accuracy on %d rules\n", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&companyID, "company", "", "company identifier")
	cmd.Flags().IntVar(&days, "days", 30, "period in days")
	cmd.Flags().BoolVar(&recompute, "recompute", false, "also refresh per-rule accuracy")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the periodic sync daemon until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			drain := a.consumeEvents(ctx)

			sched := &service.Scheduler{
				Sync:            a.sync,
				Runs:            a.runs,
				Connections:     a.connections,
				Log:             a.log,
				SyncSpec:        a.cfg.Schedule.SyncCron,
				CleanupSpec:     a.cfg.Schedule.CleanupCron,
				RetentionDays:   a.cfg.Schedule.RetentionDays,
				LowBalanceCents: a.cfg.Schedule.LowBalanceCents,
			}
			if err := sched.Start(ctx); err != nil {
				drain()
				return err
			}
			fmt.Printf("daemon running: sync %q, cleanup %q (ctrl-c to stop)\n",
				a.cfg.Schedule.SyncCron, a.cfg.Schedule.CleanupCron)
			<-ctx.Done()
			sched.Stop()
			drain()
			fmt.Println("daemon stopped")
			return nil
		},
	}
}
