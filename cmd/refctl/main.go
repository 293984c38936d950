package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"refengine/internal/cli"
	"refengine/internal/config"
	"refengine/internal/db"
	"refengine/internal/policy"
	"refengine/internal/queue"
	"refengine/internal/syncq"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func main() {
	if _, err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "refctl",
		Short:        "Operator client for the referral rewards engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "engine API base URL")

	root.AddCommand(
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newDistributeCmd(&apiBase),
		newMilestonesCmd(&apiBase),
		newEventsCmd(&apiBase),
		newBalanceCmd(&apiBase),
		newHistoryCmd(&apiBase),
		newReconcileCmd(&apiBase),
		newPolicyCmd(&apiBase),
		newTreeCmd(&apiBase),
		newMigrateCmd(cfg),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// authedClient builds a client from saved credentials. A base URL saved at
// login wins unless --api was passed explicitly.
func authedClient(cmd *cobra.Command, apiBase *string) (*cli.Client, error) {
	creds, err := cli.LoadCredentials()
	if err != nil {
		return nil, fmt.Errorf("login required: %w", err)
	}
	base := *apiBase
	if !cmd.Flags().Changed("api") && creds.APIBaseURL != "" {
		base = creds.APIBaseURL
	}
	return cli.NewClient(strings.TrimSpace(base), creds.ServiceToken), nil
}

func newLoginCmd(apiBase *string) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save a service token for later commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if strings.TrimSpace(token) == "" {
				token, err = promptRequired("Service token")
				if err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := cli.NewClient(*apiBase, token)
			if _, err := client.MilestoneClaims(ctx, uuid.Nil.String()); err != nil {
				return fmt.Errorf("token check failed: %w", err)
			}
			if err := cli.SaveCredentials(cli.Credentials{
				ServiceToken: strings.TrimSpace(token),
				APIBaseURL:   client.BaseURL,
			}); err != nil {
				return err
			}
			printSuccess("Login successful. Credentials saved.")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "service token (prompted when empty)")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the saved service token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.ClearCredentials(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newDistributeCmd(apiBase *string) *cobra.Command {
	var eventID, earnerID, amount, earningType string
	cmd := &cobra.Command{
		Use:   "distribute",
		Short: "Pay commissions for one earning event",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			value, err := parseAmount(amount)
			if err != nil {
				return err
			}
			if eventID == "" {
				return errors.New("--event-id is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			out, err := client.Distribute(ctx, cli.DistributeRequest{
				EventID:       eventID,
				EarnerID:      earnerID,
				EarningAmount: value,
				EarningType:   earningType,
			}, eventID)
			if err != nil {
				return err
			}
			renderDistribution(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&eventID, "event-id", "", "upstream event id used for dedup")
	cmd.Flags().StringVar(&earnerID, "earner", "", "user who produced the earning")
	cmd.Flags().StringVar(&amount, "amount", "", "earning amount in BSK")
	cmd.Flags().StringVar(&earningType, "type", "", "earning type label")
	_ = cmd.MarkFlagRequired("earner")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newMilestonesCmd(apiBase *string) *cobra.Command {
	milestones := &cobra.Command{
		Use:     "milestones",
		Short:   "VIP milestone commands",
		Aliases: []string{"milestone"},
	}

	var referralID string
	evaluate := &cobra.Command{
		Use:   "evaluate SPONSOR_ID",
		Short: "Count a sponsor's VIP referrals and award reached milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			out, err := client.EvaluateMilestones(ctx, strings.TrimSpace(args[0]), strings.TrimSpace(referralID))
			if err != nil {
				return err
			}
			renderMilestones(out)
			return nil
		},
	}
	evaluate.Flags().StringVar(&referralID, "referral", "", "referral whose purchase triggered the check")

	claims := &cobra.Command{
		Use:   "claims USER_ID",
		Short: "List milestones a user has claimed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.MilestoneClaims(ctx, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			renderClaims(args[0], out)
			return nil
		},
	}

	milestones.AddCommand(evaluate, claims)
	return milestones
}

func newEventsCmd(apiBase *string) *cobra.Command {
	events := &cobra.Command{
		Use:   "events",
		Short: "Queue triggers for the worker and manage the local outbox",
	}
	events.AddCommand(newEventsSendCmd(apiBase), newEventsFlushCmd(apiBase), newEventsOutboxCmd())
	return events
}

func newEventsSendCmd(apiBase *string) *cobra.Command {
	var t queue.Trigger
	var kind, amount string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Enqueue a trigger; kept in the local outbox if the API is unreachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			t.Kind = queue.Kind(strings.TrimSpace(kind))
			if amount != "" {
				if t.Amount, err = parseAmount(amount); err != nil {
					return err
				}
			}
			if t.EventID == "" && t.Kind != queue.KindMilestone {
				t.EventID = uuid.NewString()
				printInfo("Generated event id " + t.EventID)
			}
			if err := t.Validate(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.SendEvent(ctx, t)
			if qerr := queueOnNetworkError(err, t); qerr != nil {
				return qerr
			}
			if err != nil {
				printWarn(fmt.Sprintf("API unreachable; %s saved to outbox. Run `refctl events flush` later.", t.Label()))
				return nil
			}
			printSuccess(fmt.Sprintf("Queued %s %s.", out.Kind, labelOr(out.EventID, t.Label())))
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(queue.KindCommission), "commission, milestone or badge_purchase")
	cmd.Flags().StringVar(&t.EventID, "event-id", "", "upstream event id (generated when empty)")
	cmd.Flags().StringVar(&t.EarnerID, "earner", "", "earner user id")
	cmd.Flags().StringVar(&amount, "amount", "", "earning amount in BSK")
	cmd.Flags().StringVar(&t.EarningType, "type", "", "earning type label")
	cmd.Flags().StringVar(&t.SponsorID, "sponsor", "", "sponsor to evaluate for milestones")
	cmd.Flags().StringVar(&t.ReferralID, "referral", "", "referral that triggered the milestone check")
	return cmd
}

func newEventsFlushCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Replay triggers saved in the local outbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			entries, err := syncq.Load()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				printInfo("Outbox is empty.")
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			res, err := syncq.Flush(ctx, func(ctx context.Context, t queue.Trigger) (bool, error) {
				_, err := client.SendEvent(ctx, t)
				return err != nil && !cli.IsAPIError(err), err
			})
			if err != nil {
				return err
			}
			for _, d := range res.Dropped {
				printError(fmt.Sprintf("Dropped %s: %s", d.Trigger.Label(), d.LastError))
			}
			if res.LastFail != nil {
				printWarn(fmt.Sprintf("Stopped early: %v", res.LastFail))
			}
			printSuccess(fmt.Sprintf("Flush complete: sent=%d dropped=%d remaining=%d", res.Sent, len(res.Dropped), res.Pending))
			return nil
		},
	}
}

func newEventsOutboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "Show triggers waiting in the local outbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := syncq.Load()
			if err != nil {
				return err
			}
			renderOutbox(entries)
			return nil
		},
	}
}

func newBalanceCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "balance USER_ID",
		Short: "Show holding and withdrawable balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.Balance(ctx, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			renderBalance(out)
			return nil
		},
	}
}

func newHistoryCmd(apiBase *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history USER_ID",
		Short: "List commissions received by a sponsor, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.CommissionHistory(ctx, strings.TrimSpace(args[0]), limit)
			if err != nil {
				return err
			}
			renderHistory(args[0], out)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "rows to fetch (max 500)")
	return cmd
}

func newReconcileCmd(apiBase *string) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare cached balances with the bonus ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 120*time.Second)
			defer cancel()
			out, err := client.Reconciliation(ctx, strings.TrimSpace(userID))
			if err != nil {
				return err
			}
			renderReconciliation(out)
			if len(out.Drifts) > 0 || len(out.UnmatchedCommissions) > 0 {
				return errors.New("ledger and balances disagree")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "limit the check to one user")
	return cmd
}

func newPolicyCmd(apiBase *string) *cobra.Command {
	pol := &cobra.Command{
		Use:   "policy",
		Short: "Validate and publish commission policy documents",
	}

	check := &cobra.Command{
		Use:   "check FILE",
		Short: "Validate a policy document locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}
			renderPolicy(snap)
			printSuccess("Policy document is valid.")
			return nil
		},
	}

	apply := &cobra.Command{
		Use:   "apply FILE",
		Short: "Replace the live policy tables with a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			if _, err := policy.LoadFile(args[0]); err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.ReplacePolicy(ctx, raw)
			if err != nil {
				return err
			}
			if !out.Configured {
				printWarn("Document has no settings block; distribution is now disabled.")
			}
			printSuccess(fmt.Sprintf("Policy applied: badges=%d rates=%d milestones=%d", out.Badges, out.Rates, out.Milestones))
			return nil
		},
	}

	pol.AddCommand(check, apply)
	return pol
}

func newTreeCmd(apiBase *string) *cobra.Command {
	tree := &cobra.Command{
		Use:   "tree",
		Short: "Referral tree maintenance",
	}
	tree.AddCommand(&cobra.Command{
		Use:   "rebuild USER_ID",
		Short: "Rebuild a user's ancestor path from locked sponsor links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authedClient(cmd, apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			if err := client.RebuildTree(ctx, strings.TrimSpace(args[0])); err != nil {
				return err
			}
			printSuccess("Referral tree rebuilt for " + args[0])
			return nil
		},
	})
	return tree
}

func newMigrateCmd(cfg config.CLIConfig) *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations (uses DATABASE_URL)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			if err := db.Migrate(cfg.DatabaseURL, nil); err != nil {
				return err
			}
			printSuccess("Migrations applied.")
			return nil
		},
	}
	migrate.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			v, err := db.MigrationVersion(cfg.DatabaseURL, nil)
			if err != nil {
				return err
			}
			printInfo(fmt.Sprintf("Schema version: %d", v))
			return nil
		},
	})
	return migrate
}

// queueOnNetworkError saves t to the outbox when err is a transport failure
// and returns nil so the caller can report it. API errors pass through.
func queueOnNetworkError(err error, t queue.Trigger) error {
	if err == nil {
		return nil
	}
	if cli.IsAPIError(err) {
		return err
	}
	if pushErr := syncq.Push(t, err); pushErr != nil {
		return fmt.Errorf("request failed and outbox write failed: %v: %w", err, pushErr)
	}
	return nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	if !v.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be > 0")
	}
	return v, nil
}

func labelOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
