// ============================================================================
// farewatch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting farewatch
//
// Command Structure:
//   farewatch                      # Root command
//   ├── run                        # Long-running service: recovers the repeat search
//   │   └── --request, -r          # Optionally start a search from a JSON file
//   ├── search                     # Run one search in the foreground and print results
//   ├── requests [--delete]        # List (or clear) stored requests
//   ├── results [--delete]         # List (or clear) stored results
//   ├── sites                      # List configured fare sources
//   ├── status                     # Show search state and configuration
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --verbose, -v              # Debug logging
//
// Configuration Management:
//   YAML config file; .env is loaded first and FAREWATCH_* variables
//   override secrets and deployment fields (see config.go).
//
// run Command:
//   1. Load config and open the store
//   2. Start metrics and gRPC health servers (if enabled)
//   3. Start the search from --request, or recover a persisted repeat search
//   4. Wait for SIGINT / SIGTERM, then stop the queue and close the store
//
//   Examples:
//     ./farewatch run
//     ./farewatch run -c custom-config.yaml -r request.json
//
// search Command:
//   ./farewatch search --origins GRU --destinations JFK,LIS \
//       --departures 2024-06-01 --days 7 --email me@example.com --price 500
//
// One-shot commands open the configured store directly. With the file
// backend they must not run while a `run` process holds the same directory.
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/farewatch/internal/clock"
	"github.com/ChuLiYu/farewatch/internal/controller"
	"github.com/ChuLiYu/farewatch/internal/metrics"
	"github.com/ChuLiYu/farewatch/internal/server"
	"github.com/ChuLiYu/farewatch/pkg/types"
)

var log = slog.Default()

const dateLayout = "2006-01-02"

var (
	configFile string
	verbose    bool
)

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "farewatch",
		Short: "farewatch: scheduled flight fare searches with low-fare alerts",
		Long: `farewatch expands flight searches into fare lookups with:
- evenly spaced scheduling against fare sources
- persisted, price-sorted results
- a repeat search that survives restarts
- debounced low-fare email alerts`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSearchCommand())
	rootCmd.AddCommand(buildRequestsCommand())
	rootCmd.AddCommand(buildResultsCommand())
	rootCmd.AddCommand(buildSitesCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var requestFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the farewatch service",
		Long:  "Start the service, recover a persisted repeat search and serve metrics and health checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runService(ctx, requestFile)
		},
	}

	cmd.Flags().StringVarP(&requestFile, "request", "r", "", "JSON file with a search request to start")
	return cmd
}

func runService(ctx context.Context, requestFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a, err := newApp(cfg, metrics.NewCollector(), clock.Real{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("Shutdown failed", "error", err)
		}
	}()

	// 先綁定埠，失敗時尚未啟動任何 goroutine
	var lis net.Listener
	if cfg.GRPC.Enabled {
		lis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.GRPC.Port, err)
		}
	}

	// 任何返回路徑都先停下伺服器再關閉儲存
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(ctx, cfg.Metrics.Port); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	if lis != nil {
		srv := server.New(a.ctrl, 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx, lis); err != nil {
				log.Error("gRPC server error", "error", err)
			}
		}()
	}

	if requestFile != "" {
		req, err := readRequest(requestFile)
		if err != nil {
			return err
		}
		n, err := a.ctrl.StartSearch(req)
		if err != nil {
			return fmt.Errorf("failed to start search: %w", err)
		}
		log.Info("Search started from file", "file", requestFile, "lookups", n)
	} else if delay, ok := a.ctrl.RecoverOnStartup(); ok {
		log.Info("Repeat search scheduled", "in", delay)
	}

	log.Info("farewatch started", "store", storeText(cfg), "fetch", cfg.Fetch.Mode)
	<-ctx.Done()
	log.Info("Received shutdown signal, stopping")
	return nil
}

func readRequest(path string) (types.SearchRequest, error) {
	var req types.SearchRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("failed to read request file: %w", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to parse request file: %w", err)
	}
	return req, nil
}

// ============================================================================
// search
// ============================================================================

type searchFlags struct {
	origins      []string
	destinations []string
	departures   []string
	returns      []string
	days         []int
	adults       int
	children     int
	infants      int
	site         string
	email        string
	price        float64
	limit        int
}

func buildSearchCommand() *cobra.Command {
	var f searchFlags

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run a search in the foreground and print the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSearch(ctx, cmd, req, f.limit)
		},
	}

	cmd.Flags().StringSliceVar(&f.origins, "origins", nil, "origin airport codes")
	cmd.Flags().StringSliceVar(&f.destinations, "destinations", nil, "destination airport codes")
	cmd.Flags().StringSliceVar(&f.departures, "departures", nil, "departure dates (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&f.returns, "returns", nil, "return dates (YYYY-MM-DD)")
	cmd.Flags().IntSliceVar(&f.days, "days", nil, "trip lengths in days; negative means one-way")
	cmd.Flags().IntVar(&f.adults, "adults", 1, "adult passengers")
	cmd.Flags().IntVar(&f.children, "children", 0, "child passengers")
	cmd.Flags().IntVar(&f.infants, "infants", 0, "infant passengers")
	cmd.Flags().StringVar(&f.site, "site", "", "site id (default: first configured site)")
	cmd.Flags().StringVar(&f.email, "email", "", "address for low-fare alerts")
	cmd.Flags().Float64Var(&f.price, "price", 0, "alert when a fare is at or below this price")
	cmd.Flags().IntVar(&f.limit, "limit", 20, "results to print, 0 for all")
	return cmd
}

func (f searchFlags) request() (types.SearchRequest, error) {
	if len(f.origins) == 0 || len(f.destinations) == 0 || len(f.departures) == 0 {
		return types.SearchRequest{}, errors.New("--origins, --destinations and --departures are required")
	}
	departures, err := parseDates(f.departures)
	if err != nil {
		return types.SearchRequest{}, fmt.Errorf("--departures: %w", err)
	}
	returns, err := parseDates(f.returns)
	if err != nil {
		return types.SearchRequest{}, fmt.Errorf("--returns: %w", err)
	}
	return types.SearchRequest{
		Origins:      f.origins,
		Destinations: f.destinations,
		Departures:   departures,
		Returns:      returns,
		QtyDays:      f.days,
		Adults:       f.adults,
		Children:     f.children,
		Infants:      f.infants,
		Site:         f.site,
		Email:        f.email,
		PriceEmail:   f.price,
	}, nil
}

func parseDates(values []string) ([]time.Time, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]time.Time, len(values))
	for i, v := range values {
		d, err := time.Parse(dateLayout, v)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func runSearch(ctx context.Context, cmd *cobra.Command, req types.SearchRequest, limit int) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a, err := newApp(cfg, nil, clock.Real{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("Shutdown failed", "error", err)
		}
	}()

	if req.Site == "" {
		req.Site = cfg.Sites[0].ID
	}
	if _, ok := a.sites.Get(req.Site); !ok {
		return fmt.Errorf("unknown site %q", req.Site)
	}

	out := cmd.OutOrStdout()
	cancel := a.ctrl.Subscribe(func(results []types.FareResult) {
		log.Debug("Results updated", "count", len(results))
	})
	defer cancel()

	n, err := a.ctrl.StartSearch(req)
	if err != nil {
		return fmt.Errorf("failed to start search: %w", err)
	}
	fmt.Fprintf(out, "Searching %d fare lookups...\n", n)

	running := func() bool { return a.ctrl.State() == controller.Running }
	if err := waitWhile(ctx, pollInterval, running); err != nil {
		a.ctrl.StopSearch()
		fmt.Fprintln(out, "Search interrupted.")
	} else if req.HasAlert() && a.ctrl.GetStatus().AlertPending {
		// 關閉前等待提醒送出，否則 Shutdown 會取消它
		fmt.Fprintf(out, "Low-fare alert for %s pending, sending within %s...\n", req.Email, a.cfg.Alert.Delay)
		pending := func() bool { return a.ctrl.GetStatus().AlertPending }
		if err := waitWhile(ctx, pollInterval, pending); err != nil {
			fmt.Fprintln(out, "Alert cancelled.")
		}
	}

	renderResults(out, a.ctrl.GetResults(), limit)
	return nil
}

const pollInterval = 50 * time.Millisecond

// waitWhile 輪詢 cond 直到其為 false；ctx 取消時回傳其錯誤
func waitWhile(ctx context.Context, every time.Duration, cond func() bool) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// ============================================================================
// requests / results / sites / status
// ============================================================================

// withApp 開啟儲存執行 fn 後關閉
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a, err := newApp(cfg, nil, clock.Real{})
	if err != nil {
		return err
	}
	if err := fn(a); err != nil {
		_ = a.Close()
		return err
	}
	return a.Close()
}

func buildRequestsCommand() *cobra.Command {
	var del bool
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List stored search requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if del {
					if err := a.ctrl.DeleteRequests(); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Requests deleted.")
					return nil
				}
				renderRequests(cmd.OutOrStdout(), a.ctrl.GetRequests())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&del, "delete", false, "delete all stored requests")
	return cmd
}

func buildResultsCommand() *cobra.Command {
	var (
		del   bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List stored results, cheapest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if del {
					if err := a.ctrl.DeleteResults(); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Results deleted.")
					return nil
				}
				renderResults(cmd.OutOrStdout(), a.ctrl.GetResults(), limit)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&del, "delete", false, "delete all stored results")
	cmd.Flags().IntVar(&limit, "limit", 0, "results to print, 0 for all")
	return cmd
}

func buildSitesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List configured fare sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				renderSites(cmd.OutOrStdout(), a.ctrl.GetSites())
				return nil
			})
		},
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Display search status and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				renderStatus(cmd.OutOrStdout(), a.ctrl.GetStatus(), a.cfg)
				return nil
			})
		},
	}
}
