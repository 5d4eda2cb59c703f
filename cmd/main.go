package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"zapia_ai/internal/config"
	"zapia_ai/internal/entities"
	"zapia_ai/internal/infrastructure"
	httpapi "zapia_ai/internal/interfaces/http"
	"zapia_ai/internal/usecases"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	cfg config.Config
	log *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "zapia",
		Short:         "Multi-tenant WhatsApp AI assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.log = cfg.Logger(os.Stderr)
			slog.SetDefault(opts.log)
			return nil
		},
	}

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newProvisionCommand(opts))
	cmd.AddCommand(newKnowledgeCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook API and the workflow consumers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts.cfg, opts.log)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	ai := a.openAI()
	outbound := infrastructure.NewTenantRateLimiter(cfg.TenantRatePerSec, cfg.TenantRateBurst)
	apiLimiter := infrastructure.NewTenantRateLimiter(cfg.TenantRatePerSec, cfg.TenantRateBurst)
	senders := infrastructure.NewWhatsAppManager(cfg.WhatsAppAPIBase, fallbackWhatsApp(cfg), outbound,
		&http.Client{Timeout: 15 * time.Second})

	messages := usecases.NewMessageService(a.resolver, ai, ai, senders, a.alerter(), log)
	provisioning, err := a.provisioning()
	if err != nil {
		return err
	}
	engine, err := a.engine(ctx, messages.Workflow(), provisioning.Workflow())
	if err != nil {
		return err
	}

	bus, busClosed, err := a.openBus(ctx)
	if err != nil {
		return err
	}
	engine.Bind(bus)

	handler := httpapi.NewHandler(
		usecases.NewIngestService(bus, log),
		usecases.NewSettingsService(a.resolver, senders),
		usecases.NewKnowledgeService(a.resolver, ai),
		usecases.NewMemberService(a.resolver, log),
		httpapi.WebhookSecrets{
			WhatsAppVerifyToken: cfg.WhatsAppVerifyToken,
			WhatsAppAppSecret:   cfg.WhatsAppAppSecret,
			ClerkSecret:         cfg.ClerkWebhookSecret,
		},
		log,
	)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	httpapi.SetupRoutes(r, handler, httpapi.NewMiddleware(usecases.NewAuthUsecase(cfg.JWTSecret), apiLimiter, log))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := bus.Start(gctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	g.Go(func() error {
		log.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		outbound.Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		apiLimiter.Run(gctx, time.Minute)
		return nil
	})
	if busClosed != nil {
		g.Go(func() error {
			select {
			case err, ok := <-busClosed:
				if !ok {
					return nil
				}
				return fmt.Errorf("bus connection lost: %w", err)
			case <-gctx.Done():
				return nil
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		return errors.Join(err, bus.Close())
	})
	return g.Wait()
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the shared schema and the workflow ledger tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.DatabaseURL == "" && opts.cfg.LedgerDSN == "memory://" {
				return errors.New("nothing to migrate: set DATABASE_URL or a sqlite LEDGER_DSN")
			}
			a, err := newApp(cmd.Context(), opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newProvisionCommand(opts *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "provision <org-id>",
		Short: "Provision a tenant for an organization without waiting for the webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := usecases.OrganizationEvent(entities.OrganizationCreated{OrgID: args[0], Name: name})
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer a.Close()

			provisioning, err := a.provisioning()
			if err != nil {
				return err
			}
			engine, err := a.engine(cmd.Context(), provisioning.Workflow())
			if err != nil {
				return err
			}
			report, err := engine.Execute(cmd.Context(), ev)
			if report != nil {
				for _, s := range report.Steps {
					fmt.Fprintf(cmd.OutOrStdout(), "%-18s %s\n", s.StepName, s.Status)
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s ready\n", ev.TenantID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "organization display name")
	return cmd
}

func newKnowledgeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage tenant knowledge bases",
	}

	var tenant, text string
	add := &cobra.Command{
		Use:   "add",
		Short: "Embed a document and add it to a tenant's knowledge base",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer a.Close()

			chunk, err := usecases.NewKnowledgeService(a.resolver, a.openAI()).Add(cmd.Context(), tenant, text, map[string]any{"source": "cli"})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), chunk.ID)
			return nil
		},
	}
	add.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	add.Flags().StringVar(&text, "text", "", "document text (required)")
	_ = add.MarkFlagRequired("tenant")
	_ = add.MarkFlagRequired("text")

	cmd.AddCommand(add)
	return cmd
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var org, user, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an API token for an organization member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := usecases.NewAuthUsecase(opts.cfg.JWTSecret).Issue(
				entities.Identity{UserID: user, TenantID: org, Role: role}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id (required)")
	cmd.Flags().StringVar(&user, "user", "operator", "subject of the token")
	cmd.Flags().StringVar(&role, "role", "org:admin", "organization role")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
