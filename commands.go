package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"settlement-engine/internal/audit"
	"settlement-engine/internal/observability/metrics"
	"settlement-engine/internal/platform/database"
	settlementapp "settlement-engine/internal/settlement/application"
	settlement "settlement-engine/internal/settlement/domain"
	"settlement-engine/internal/settlement/interfaces"
)

type rootOptions struct {
	envFile string
	actor   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "settlement-engine",
		Short:        "Weekly restaurant settlement and payout orchestration",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	root.PersistentFlags().StringVar(&opts.actor, "actor", defaultActor(), "operator recorded in the audit log")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newWeekCmd(opts),
		newPayoutCmd(opts),
		newAccountCmd(opts),
		newExportCmd(opts),
		newReconcileCmd(opts),
	)
	return root
}

func defaultActor() string {
	if user := os.Getenv("USER"); user != "" {
		return "operator:" + user
	}
	return "operator"
}

// withApp opens the store, runs fn and closes everything.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, opts.envFile)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, webhook receiver and metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return serve(ctx, a, migrate)
			})
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before starting")
	return cmd
}

func serve(ctx context.Context, a *app, migrate bool) error {
	logger := a.logger
	if migrate {
		if err := database.Migrate(a.db); err != nil {
			return err
		}
	}
	if a.cfg.WebhookSecret == "" {
		return errors.New("serve: WEBHOOK_SECRET is required")
	}
	payouts, err := a.requirePayouts()
	if err != nil {
		return err
	}
	metrics.Init(a.db.DB, logger)

	locker, err := a.jobLocker(ctx)
	if err != nil {
		return err
	}
	scheduler, err := settlementapp.NewScheduler(a.store, a.reconciler, locker, settlementapp.SchedulerConfig{
		Location:          a.cfg.Location,
		AggregateSchedule: a.cfg.AggregateSchedule,
		ReconcileSchedule: a.cfg.ReconcileSchedule,
	}, settlementapp.SystemClock{}, logger.WithField("component", "scheduler"))
	if err != nil {
		return err
	}

	router := interfaces.NewRouter(
		interfaces.NewWebhookHandler(payouts, logger.WithField("component", "webhook")),
		interfaces.NewSignatureVerifier([]byte(a.cfg.WebhookSecret), a.cfg.WebhookMaxSkew),
	)
	server := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Start(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", a.cfg.HTTPAddr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("http server failed")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	<-schedulerDone
	logger.Info("shutdown complete")
	return nil
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := database.Migrate(a.db); err != nil {
					return err
				}
				a.logger.WithField("driver", a.cfg.DatabaseDriver).Info("migrations applied")
				return nil
			})
		},
	}
}

func newWeekCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "week", Short: "Aggregate and inspect weekly settlements"}

	cmd.AddCommand(&cobra.Command{
		Use:   "aggregate [week]",
		Short: "Upsert settlements for a week (default: the previous week)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				week := settlement.CurrentWeek(time.Now(), a.cfg.Location).Previous()
				if len(args) == 1 {
					var err error
					if week, err = a.week(args[0]); err != nil {
						return err
					}
				}
				result, err := a.store.UpsertWeek(ctx, week)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: created=%d updated=%d frozen=%d links=%d\n",
					week.Label(), result.Created, result.Updated, len(result.Frozen), result.LinksCreated)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "preview <week>",
		Short: "Show what aggregation would write, without writing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				week, err := a.week(args[0])
				if err != nil {
					return err
				}
				aggregates, err := a.store.Preview(ctx, week)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RESTAURANT\tORDERS\tGROSS\tCOMMISSION\tNET")
				for _, agg := range aggregates {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", agg.RestaurantID, agg.OrderCount,
						agg.GrossAmount.StringFixed(settlement.MoneyScale),
						agg.CommissionAmount.StringFixed(settlement.MoneyScale),
						agg.NetAmount.StringFixed(settlement.MoneyScale))
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <week>",
		Short: "List stored settlements for a week",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				week, err := a.week(args[0])
				if err != nil {
					return err
				}
				rows, err := a.store.ListWeek(ctx, week.IsoYearWeek)
				if err != nil {
					return err
				}
				return printSettlements(cmd.OutOrStdout(), rows)
			})
		},
	})
	return cmd
}

func newPayoutCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "payout", Short: "Drive settlements through the payout lifecycle"}

	payoutAction := func(use, short string, nargs int, run func(ctx context.Context, a *app, args []string) (*settlement.Settlement, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(nargs),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, opts, func(ctx context.Context, a *app) error {
					s, err := run(ctx, a, args)
					if s != nil {
						printSettlement(cmd.OutOrStdout(), s)
					}
					return err
				})
			},
		}
	}

	cmd.AddCommand(payoutAction("initiate <settlement-id>", "Request the payout of a pending settlement", 1,
		func(ctx context.Context, a *app, args []string) (*settlement.Settlement, error) {
			payouts, err := a.requirePayouts()
			if err != nil {
				return nil, err
			}
			return payouts.Initiate(ctx, args[0], opts.actor)
		}))

	cmd.AddCommand(payoutAction("complete <settlement-id>", "Mark a processing settlement completed", 1,
		func(ctx context.Context, a *app, args []string) (*settlement.Settlement, error) {
			payouts, err := a.requirePayouts()
			if err != nil {
				return nil, err
			}
			return payouts.MarkCompleted(ctx, args[0], opts.actor)
		}))

	var reason string
	fail := payoutAction("fail <settlement-id>", "Mark a settlement failed", 1,
		func(ctx context.Context, a *app, args []string) (*settlement.Settlement, error) {
			payouts, err := a.requirePayouts()
			if err != nil {
				return nil, err
			}
			return payouts.MarkFailed(ctx, args[0], reason, opts.actor)
		})
	fail.Flags().StringVar(&reason, "reason", "", "failure reason (required)")
	_ = fail.MarkFlagRequired("reason")
	cmd.AddCommand(fail)

	var reference string
	resolve := payoutAction("resolve <settlement-id> <payout-id>", "Attach a payout found at the gateway to a flagged settlement", 2,
		func(ctx context.Context, a *app, args []string) (*settlement.Settlement, error) {
			return a.reconciler.ResolvePayout(ctx, args[0], args[1], reference, opts.actor)
		})
	resolve.Flags().StringVar(&reference, "reference", "", "gateway reference of the payout")
	cmd.AddCommand(resolve)

	cmd.AddCommand(payoutAction("clear <settlement-id>", "Clear the reconciliation flag once no payout exists", 1,
		func(ctx context.Context, a *app, args []string) (*settlement.Settlement, error) {
			return a.reconciler.ClearReconciliation(ctx, args[0], opts.actor)
		}))

	cmd.AddCommand(&cobra.Command{
		Use:   "history <settlement-id>",
		Short: "Show the audit trail of a settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				entries, err := a.audit.ListByResource(ctx, audit.ResourceSettlement, args[0])
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "AT\tACTOR\tACTION\tDETAIL")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Actor, e.Action, string(e.Metadata))
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}

func newAccountCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "account", Short: "Manage restaurant payout accounts"}

	var account settlement.PayoutAccount
	var method, mode string
	set := &cobra.Command{
		Use:   "set <restaurant-id>",
		Short: "Create or update a restaurant's payout destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				account.RestaurantID = args[0]
				account.Method = settlement.PayoutMethod(method)
				if mode != "" {
					parsed, ok := settlement.ParseTransferMode(mode)
					if !ok {
						return fmt.Errorf("%w: unknown transfer mode %q", settlement.ErrValidation, mode)
					}
					account.TransferMode = parsed
				}
				account.UpdatedAt = time.Now().UTC()
				if err := a.accounts.Save(ctx, account); err != nil {
					return err
				}
				a.logger.WithFields(logrus.Fields{"restaurant_id": account.RestaurantID, "method": method}).Info("payout account saved")
				return nil
			})
		},
	}
	set.Flags().StringVar(&account.DisplayName, "name", "", "payee display name")
	set.Flags().StringVar(&account.ContactEmail, "email", "", "payee contact email")
	set.Flags().StringVar(&account.ContactPhone, "phone", "", "payee contact phone")
	set.Flags().StringVar(&method, "method", string(settlement.MethodBankAccount), "bank_account or vpa")
	set.Flags().StringVar(&account.AccountHolder, "holder", "", "bank account holder name")
	set.Flags().StringVar(&account.AccountNumber, "account-number", "", "bank account number")
	set.Flags().StringVar(&account.IFSC, "ifsc", "", "bank IFSC code")
	set.Flags().StringVar(&account.VPA, "vpa", "", "UPI virtual payment address")
	set.Flags().StringVar(&mode, "transfer-mode", "", "IMPS, NEFT, RTGS or UPI")
	_ = set.MarkFlagRequired("name")
	cmd.AddCommand(set)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <restaurant-id>",
		Short: "Show a restaurant's payout account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				acc, err := a.accounts.Get(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "restaurant:    %s\n", acc.RestaurantID)
				fmt.Fprintf(out, "name:          %s\n", acc.DisplayName)
				fmt.Fprintf(out, "method:        %s\n", acc.Method)
				fmt.Fprintf(out, "transfer mode: %s\n", acc.TransferMode)
				fmt.Fprintf(out, "payee:         %s\n", acc.PayeeID)
				fmt.Fprintf(out, "funding:       %s\n", acc.FundingID)
				return nil
			})
		},
	})
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "export", Short: "Render settlement reports"}

	cmd.AddCommand(&cobra.Command{
		Use:   "xlsx <week> <file>",
		Short: "Write a week's settlements as a spreadsheet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				week, err := a.week(args[0])
				if err != nil {
					return err
				}
				rows, err := a.store.ListWeek(ctx, week.IsoYearWeek)
				if err != nil {
					return err
				}
				data, err := interfaces.ExportWeekXLSX(rows)
				if err != nil {
					return err
				}
				return os.WriteFile(args[1], data, 0o644)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remittance <settlement-id> <file>",
		Short: "Write the remittance advice PDF of a settlement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				s, orders, err := a.store.LinkedOrders(ctx, args[0])
				if err != nil {
					return err
				}
				data, err := interfaces.BuildRemittancePDF(s, orders)
				if err != nil {
					return err
				}
				return os.WriteFile(args[1], data, 0o644)
			})
		},
	})
	return cmd
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep over flagged payouts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				result, err := a.reconciler.Sweep(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "expired=%d resolved=%d completed=%d failed=%d cleared=%d waiting=%d errors=%d\n",
					result.Expired, result.Resolved, result.Completed, result.Failed, result.Cleared, result.Waiting, result.Errors)
				return err
			})
		},
	}
}

func printSettlements(w io.Writer, rows []settlement.Settlement) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRESTAURANT\tORDERS\tGROSS\tCOMMISSION\tNET\tSTATUS\tDUE\tRECONCILE")
	for _, s := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%t\n",
			s.ID, s.RestaurantID, s.OrderCount,
			s.GrossAmount.StringFixed(settlement.MoneyScale),
			s.CommissionAmount.StringFixed(settlement.MoneyScale),
			s.NetAmount.StringFixed(settlement.MoneyScale),
			s.Status, s.DueDate.Format("2006-01-02"), s.NeedsReconciliation)
	}
	return tw.Flush()
}

func printSettlement(w io.Writer, s *settlement.Settlement) {
	fmt.Fprintf(w, "%s %s %s net=%s %s", s.ID, s.RestaurantID, s.Status,
		s.NetAmount.StringFixed(settlement.MoneyScale), s.Currency)
	if s.PayoutID != "" {
		fmt.Fprintf(w, " payout=%s", s.PayoutID)
	}
	if s.NeedsReconciliation {
		fmt.Fprint(w, " needs_reconciliation")
	}
	fmt.Fprintln(w)
}
