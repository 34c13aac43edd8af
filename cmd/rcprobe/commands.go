package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kuitang/rcprobe/internal/artifacts"
	"github.com/kuitang/rcprobe/internal/catalog"
	"github.com/kuitang/rcprobe/internal/config"
	"github.com/kuitang/rcprobe/internal/driver"
	"github.com/kuitang/rcprobe/internal/driver/httpdriver"
	"github.com/kuitang/rcprobe/internal/driver/pwdriver"
	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/mcpserver"
	"github.com/kuitang/rcprobe/internal/obs"
	"github.com/kuitang/rcprobe/internal/report"
	"github.com/kuitang/rcprobe/internal/suite"
)

var version = "dev"

// globalFlags override the environment configuration.
type globalFlags struct {
	EnvFile  string
	BaseURL  string
	Username string
	Password string
	Driver   string
	Timeout  time.Duration
	LogLevel string
}

type runFlags struct {
	Suites     []string
	Format     string
	Output     string
	Verbose    bool
	NoColor    bool
	NoProgress bool
}

type probeFlags struct {
	Path          string
	Selectors     []string
	Texts         []string
	MinBodyLength int
	Login         bool
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:   "rcprobe",
		Short: "Resilient UI probes for Rocket.Chat style admin pages",
		Long: `rcprobe signs in to a workspace, walks the administration pages and checks
that each one renders something meaningful. Assertions are retried until a
timeout and accept any of several selectors, so minor markup changes between
versions do not break a run.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.EnvFile, "env-file", ".env", "Load environment variables from this file if it exists")
	pf.StringVar(&g.BaseURL, "base-url", "", "Workspace URL (overrides RCPROBE_BASE_URL)")
	pf.StringVarP(&g.Username, "username", "u", "", "Admin username (overrides RCPROBE_ADMIN_USERNAME)")
	pf.StringVarP(&g.Password, "password", "p", "", "Admin password (overrides RCPROBE_ADMIN_PASSWORD)")
	pf.StringVar(&g.Driver, "driver", "", "Page driver: http or playwright (overrides RCPROBE_DRIVER)")
	pf.DurationVar(&g.Timeout, "timeout", 0, "Assertion timeout (overrides RCPROBE_TIMEOUT)")
	pf.StringVar(&g.LogLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(newRunCmd(&g), newListCmd(), newProbeCmd(&g), newMCPCmd(&g))
	return root
}

// loadConfig merges env, .env and flags, then validates.
func loadConfig(g *globalFlags) (*config.Probe, error) {
	if err := config.LoadDotEnv(g.EnvFile); err != nil {
		return nil, err
	}
	cfg := config.LoadProbe()
	if g.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(g.BaseURL, "/")
	}
	if g.Username != "" {
		cfg.AdminUsername = g.Username
	}
	if g.Password != "" {
		cfg.AdminPassword = g.Password
	}
	if g.Driver != "" {
		cfg.Driver = strings.ToLower(g.Driver)
	}
	if g.Timeout > 0 {
		cfg.Timeout = g.Timeout
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	obs.Init()
	obs.SetLevel(obs.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// newFactory opens the configured page driver.
func newFactory(cfg *config.Probe) (driver.Factory, error) {
	if cfg.Driver == config.DriverPlaywright {
		return pwdriver.Launch(pwdriver.Config{
			BaseURL:       cfg.BaseURL,
			Headless:      cfg.Headless,
			ActionTimeout: cfg.Timeout,
		})
	}
	return httpdriver.NewFactory(httpdriver.Config{BaseURL: cfg.BaseURL})
}

// newArtifactStore picks S3, a local directory, or nothing.
func newArtifactStore(ctx context.Context, cfg *config.Probe) (artifacts.Store, error) {
	switch {
	case cfg.S3.Bucket != "":
		return artifacts.NewS3Store(ctx, cfg.S3)
	case cfg.ArtifactDir != "":
		return artifacts.NewLocalStore(cfg.ArtifactDir)
	default:
		return artifacts.Discard{}, nil
	}
}

func newRunner(ctx context.Context, cfg *config.Probe) (*suite.Runner, error) {
	factory, err := newFactory(cfg)
	if err != nil {
		return nil, err
	}
	store, err := newArtifactStore(ctx, cfg)
	if err != nil {
		factory.Close()
		return nil, err
	}
	return &suite.Runner{
		Factory:   factory,
		Artifacts: store,
		Options:   cfg.ProbeOptions(),
		Credentials: suite.Credentials{
			Username:      cfg.AdminUsername,
			Password:      cfg.AdminPassword,
			TOTPSecret:    cfg.TOTPSecret,
			TOTPLookahead: cfg.TOTPLookahead,
		},
		BaseURL:          cfg.BaseURL,
		CaptureOnFailure: true,
	}, nil
}

func catalogOptions(cfg *config.Probe) catalog.Options {
	return catalog.Options{MinBodyLength: cfg.MinBodyLength, MarketingURL: cfg.MarketingURL}
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run probe suites and print a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			return runSuites(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, f)
		},
	}
	cmd.Flags().StringSliceVarP(&f.Suites, "suite", "s", nil, "Suites to run (comma separated; default all)")
	cmd.Flags().StringVarP(&f.Format, "format", "f", "console", "Report format: console, json, markdown or html")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "Write the report to this file instead of stdout")
	cmd.Flags().BoolVarP(&f.Verbose, "verbose", "v", false, "List passing cases and every step")
	cmd.Flags().BoolVar(&f.NoColor, "no-color", color.NoColor, "Disable colored output")
	cmd.Flags().BoolVar(&f.NoProgress, "no-progress", false, "Hide the progress bar")
	return cmd
}

func runSuites(ctx context.Context, stdout, stderr io.Writer, cfg *config.Probe, f runFlags) error {
	switch f.Format {
	case "console", "json", "markdown", "html":
	default:
		return errs.New(errs.InvalidArgument, fmt.Sprintf("unknown report format %q", f.Format))
	}
	suites, err := suite.Select(catalog.All(catalogOptions(cfg)), f.Suites...)
	if err != nil {
		return err
	}
	runner, err := newRunner(ctx, cfg)
	if err != nil {
		return err
	}
	defer runner.Factory.Close()

	total := 0
	for _, s := range suites {
		total += len(s.Cases)
	}
	bar := newProgressBar(stderr, total, !f.NoProgress)
	var passed, failed int
	runner.OnCase = func(suiteName string, c suite.CaseResult) {
		if c.Status == suite.StatusFailed {
			failed++
		} else {
			passed++
		}
		updateProgressBar(bar, passed, failed)
	}

	rep := runner.Run(ctx, suites...)
	_ = bar.Finish()

	out := stdout
	if f.Output != "" {
		file, err := os.Create(f.Output)
		if err != nil {
			return errs.Wrap(errs.Unavailable, "create report file", err)
		}
		defer file.Close()
		out = file
	}
	if err := writeReport(out, rep, f); err != nil {
		return err
	}
	if f.Output != "" && f.Format != "console" {
		report.Console{Out: stdout, NoColor: f.NoColor}.Print(rep)
	}
	if !rep.Passed() {
		return errRunFailed
	}
	return nil
}

func writeReport(w io.Writer, rep suite.Report, f runFlags) error {
	var err error
	switch f.Format {
	case "json":
		err = report.WriteJSON(w, rep)
	case "markdown":
		_, err = w.Write(report.Markdown(rep))
	case "html":
		_, err = w.Write(report.HTML(rep))
	default:
		report.Console{Out: w, NoColor: f.NoColor, Verbose: f.Verbose}.Print(rep)
	}
	if err != nil {
		return errs.Wrap(errs.Unavailable, "write report", err)
	}
	return nil
}

func newProgressBar(w io.Writer, count int, visible bool) *progressbar.ProgressBar {
	return progressbar.NewOptions(count,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetVisibility(visible),
		progressbar.OptionSetDescription(
			color.CyanString("Probing: ")+
				color.GreenString("[passed: 0")+
				" | "+
				color.RedString("failed: 0]"),
		),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        color.CyanString("█"),
			SaucerHead:    color.CyanString("█"),
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
		progressbar.OptionSetRenderBlankState(visible),
	)
}

func updateProgressBar(bar *progressbar.ProgressBar, passed, failed int) {
	_ = bar.Set(passed + failed)
	bar.Describe(
		color.CyanString("Probing: ") +
			color.GreenString("[passed: %d", passed) +
			" | " +
			color.RedString("failed: %d]", failed),
	)
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in suites and their cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			head := color.New(color.FgCyan, color.Bold)
			for _, s := range catalog.All(catalog.Options{Suffix: "x"}) {
				head.Fprintf(w, "%s", s.Name)
				fmt.Fprintf(w, "  %s\n", s.Description)
				for _, c := range s.Cases {
					fmt.Fprintf(w, "    - %s\n", c.Name)
				}
			}
			return nil
		},
	}
}

func newProbeCmd(g *globalFlags) *cobra.Command {
	var f probeFlags
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Load one page and check selectors and text on it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			runner, err := newRunner(ctx, cfg)
			if err != nil {
				return err
			}
			defer runner.Factory.Close()

			res, err := mcpserver.NewHandler(runner, nil).ProbePage(ctx, mcpserver.ProbePageArgs{
				Path:          f.Path,
				Selectors:     f.Selectors,
				Texts:         f.Texts,
				MinBodyLength: f.MinBodyLength,
				Login:         f.Login,
			})
			if err != nil {
				return err
			}
			return printProbe(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&f.Path, "path", "/home", "Page path to load")
	cmd.Flags().StringSliceVar(&f.Selectors, "selector", nil, "CSS selector that must match (repeatable)")
	cmd.Flags().StringSliceVar(&f.Texts, "text", nil, "Text that must appear (repeatable)")
	cmd.Flags().IntVar(&f.MinBodyLength, "min-body-length", 0, "Minimum visible body text length")
	cmd.Flags().BoolVar(&f.Login, "login", true, "Sign in as the admin first")
	return cmd
}

// printProbe writes the result as indented JSON; a failed probe exits non-zero.
func printProbe(w io.Writer, res mcpserver.ProbePageResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return errs.Wrap(errs.Unavailable, "write probe result", err)
	}
	if !res.Passed {
		return errRunFailed
	}
	return nil
}

func newMCPCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve probe tools over MCP (stdio, or Streamable HTTP with --http)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			runner, err := newRunner(ctx, cfg)
			if err != nil {
				return err
			}
			defer runner.Factory.Close()
			suites := func() []suite.Suite { return catalog.All(catalogOptions(cfg)) }
			srv := mcpserver.NewServer(mcpserver.NewHandler(runner, suites))
			if addr == "" {
				return srv.RunStdio(ctx)
			}
			return serveHTTP(ctx, addr, srv)
		},
	}
	cmd.Flags().StringVar(&addr, "http", "", "Listen address for Streamable HTTP (default: stdio)")
	return cmd
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", h)
	server := &http.Server{
		Addr:              addr,
		Handler:           obs.RequestContextMiddleware(obs.AccessLogMiddleware("mcpserver", mux)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Suite runs can take minutes.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		obs.From(ctx).Info("mcp_http_listening", "pkg", "mcpserver", "addr", addr)
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
