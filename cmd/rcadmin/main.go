// Command rcadmin serves a small Rocket.Chat style administration UI that the
// rcprobe suites can run against.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kuitang/rcprobe/internal/adminapp"
	"github.com/kuitang/rcprobe/internal/config"
	"github.com/kuitang/rcprobe/internal/db"
	"github.com/kuitang/rcprobe/internal/mailer"
	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/settings"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	var noEmail bool
	root := &cobra.Command{
		Use:           "rcadmin",
		Short:         "Serve the reference administration UI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Load environment variables from this file if it exists")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg := config.LoadAdmin()
			cfg.NoEmail = cfg.NoEmail || noEmail
			if err := cfg.Validate(); err != nil {
				return err
			}
			obs.Init()
			obs.SetLevel(obs.ParseLevel(cfg.LogLevel))
			cfg.PrintStartupSummary()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serveAdmin(ctx, cfg)
		},
	}
	serve.Flags().BoolVar(&noEmail, "no-email", false, "Capture mailer output in memory instead of sending through Resend")
	root.AddCommand(serve)
	return root
}

// buildServer opens the database, seeds it and assembles the app.
func buildServer(ctx context.Context, cfg *config.Admin) (*adminapp.Server, *db.DB, error) {
	key, err := cfg.MasterKeyBytes()
	if err != nil {
		return nil, nil, err
	}
	store, err := db.Open(ctx, db.Options{Path: cfg.DatabasePath, MasterKey: key})
	if err != nil {
		return nil, nil, err
	}
	err = adminapp.Seed(ctx, store, adminapp.SeedOptions{
		Admin: adminapp.SeedUser{
			Username:   cfg.AdminUsername,
			Password:   cfg.AdminPassword,
			Email:      cfg.AdminEmail,
			TOTPSecret: cfg.AdminTOTPSecret,
		},
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	var sender mailer.Sender = mailer.NewMockSender()
	if !cfg.NoEmail {
		sender = mailer.NewResendSender(cfg.ResendAPIKey)
	}
	app, err := adminapp.New(ctx, store, adminapp.Config{
		Sender:        sender,
		SecureCookies: cfg.RequireSecureCookies(),
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	logger := obs.From(ctx).With("pkg", "rcadmin")
	if err := app.Settings().Set(ctx, settings.SiteURL, cfg.BaseURL); err != nil {
		logger.Warn("site_url_not_set", "error", err)
	}
	if !cfg.NoEmail {
		if err := app.Settings().Set(ctx, settings.MailerFrom, cfg.ResendFromEmail); err != nil {
			logger.Warn("mailer_from_not_set", "error", err)
		}
	}
	return app, store, nil
}

func serveAdmin(ctx context.Context, cfg *config.Admin) error {
	app, store, err := buildServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	defer app.Close()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		obs.From(ctx).Info("server_listening", "pkg", "rcadmin", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	case <-ctx.Done():
		obs.From(ctx).Info("server_shutting_down", "pkg", "rcadmin")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
