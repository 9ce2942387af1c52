package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fitpull/fitpull/pkg/auth"
	"github.com/fitpull/fitpull/pkg/config"
	"github.com/fitpull/fitpull/pkg/fetch"
	"github.com/fitpull/fitpull/pkg/ledger"
	"github.com/fitpull/fitpull/pkg/logging"
	"github.com/fitpull/fitpull/pkg/planner"
	"github.com/fitpull/fitpull/pkg/quota"
)

// app bundles the wired components shared by the fetch and status commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *ledger.Store
	keeper   *quota.Keeper
	provider *auth.Provider
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing ledger")
		}
	}
}

func loadApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})

	store, err := ledger.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	keeper, err := quota.NewKeeper(store, quota.Config{
		Limit:        cfg.Quota.Limit,
		SafetyBuffer: cfg.Quota.SafetyBuffer,
		Period:       cfg.Quota.Period.Std(),
	}, logging.Component(logger, "quota"))
	if err != nil {
		store.Close()
		return nil, err
	}

	tokens, err := auth.NewTokenStore(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, err
	}
	provider, err := auth.NewProvider(auth.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		RedirectURL:  cfg.Auth.RedirectURL,
	}, tokens, logging.Component(logger, "auth"))
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: store, keeper: keeper, provider: provider}, nil
}

var authorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "Run the OAuth2 authorization flow and store tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		state := uuid.NewString()
		fmt.Println("Open this URL in your browser and approve access:")
		fmt.Println()
		fmt.Println("  " + a.provider.AuthorizationURL(state))
		fmt.Println()
		fmt.Print("Paste the full redirect URL here: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading redirect URL: %w", err)
		}
		code, err := auth.CodeFromRedirect(strings.TrimSpace(line))
		if err != nil {
			return err
		}

		if err := a.provider.Exchange(cmd.Context(), code); err != nil {
			return fmt.Errorf("exchanging authorization code: %w", err)
		}
		fmt.Println("Tokens saved. You can now run `fitpull fetch`.")
		return nil
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch outstanding data units, resuming where the last run stopped",
	RunE:  runFetch,
}

func init() {
	fetchCmd.Flags().String("start-date", "", "first day to fetch (YYYY-MM-DD, default from config)")
	fetchCmd.Flags().String("end-date", "", "last day to fetch (YYYY-MM-DD, default today)")
	fetchCmd.Flags().StringSlice("resources", nil, "resources to fetch (default all)")
	fetchCmd.Flags().Bool("include-intraday", false, "include intraday resources (requires Fitbit approval)")
	fetchCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
}

func runFetch(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if !a.provider.Authenticated() {
		return auth.ErrNotAuthenticated
	}

	resources, err := selectResources(cmd)
	if err != nil {
		return err
	}
	start, end, err := dateRange(cmd, a.cfg)
	if err != nil {
		return err
	}
	units, err := planner.PlanAll(resources, start, end)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := metricsAddr(cmd, a.cfg); addr != "" {
		go serveMetrics(addr, a.logger)
	}

	fetchLogger := logging.Component(a.logger, "fetch")
	transport := fetch.NewHTTPTransport(a.cfg.BaseURL, a.cfg.UserAgent, resources, fetchLogger)
	orch := fetch.New(a.store, a.keeper, transport, a.provider, fetch.Config{
		Backoff: fetch.Backoff{
			MaxAttempts: a.cfg.Retry.MaxAttempts,
			Initial:     a.cfg.Retry.InitialBackoff.Std(),
			Max:         a.cfg.Retry.MaxBackoff.Std(),
			Multiplier:  2.0,
		},
	}, fetchLogger)

	a.logger.Info().
		Int("units", len(units)).
		Str("start", start.Format(planner.DateFormat)).
		Str("end", end.Format(planner.DateFormat)).
		Msg("starting fetch run")

	summary, err := orch.Run(ctx, units)
	fmt.Printf("run %s: %d completed, %d skipped, %d failed\n",
		summary.RunID, summary.Completed, summary.Skipped, summary.Failed)
	return err
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show quota window usage and archive progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		qs, err := a.keeper.Status()
		if err != nil {
			return err
		}
		totals, err := a.store.Totals()
		if err != nil {
			return err
		}

		fmt.Printf("quota:   %d/%d used in window starting %s (%d remaining, resets %s)\n",
			qs.Used, qs.Limit,
			qs.WindowStart.Format(time.RFC3339),
			qs.Remaining(),
			qs.NextReset.Format(time.RFC3339))
		fmt.Printf("archive: %d units done, %d units failed\n", totals.Done, totals.Failed)
		if !a.provider.Authenticated() {
			fmt.Println("auth:    not authenticated; run `fitpull authorize`")
		}
		return nil
	},
}

func selectResources(cmd *cobra.Command) ([]planner.Resource, error) {
	names, _ := cmd.Flags().GetStringSlice("resources")
	if len(names) > 0 {
		return planner.Select(names)
	}
	includeIntraday, _ := cmd.Flags().GetBool("include-intraday")
	return planner.Resources(includeIntraday), nil
}

func dateRange(cmd *cobra.Command, cfg *config.Config) (time.Time, time.Time, error) {
	startStr, _ := cmd.Flags().GetString("start-date")
	if startStr == "" {
		startStr = cfg.StartDate
	}
	start, err := planner.ParseDate(startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date: %w", err)
	}

	endStr, _ := cmd.Flags().GetString("end-date")
	if endStr == "" {
		return start, time.Now().UTC().Truncate(24 * time.Hour), nil
	}
	end, err := planner.ParseDate(endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date: %w", err)
	}
	return start, end, nil
}

func metricsAddr(cmd *cobra.Command, cfg *config.Config) string {
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		return addr
	}
	return cfg.MetricsAddr
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}
