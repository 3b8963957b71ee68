package main

// Demo of a search surviving a restart.
//
//	go run ./cmd/demo start     # search with an alert threshold, then Ctrl+C or wait
//	go run ./cmd/demo recover   # reopen the store and re-arm the repeat search

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/farewatch/internal/alert"
	"github.com/ChuLiYu/farewatch/internal/clock"
	"github.com/ChuLiYu/farewatch/internal/controller"
	"github.com/ChuLiYu/farewatch/internal/fetch"
	"github.com/ChuLiYu/farewatch/internal/kvstore"
	"github.com/ChuLiYu/farewatch/internal/queue"
	"github.com/ChuLiYu/farewatch/internal/sites"
	"github.com/ChuLiYu/farewatch/pkg/types"
)

const demoDir = "data/demo"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	kv, err := kvstore.OpenFile(kvstore.FileOptions{Dir: demoDir})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer kv.Close()

	registry, err := sites.NewRegistry([]types.Site{{ID: "simulated", Name: "Simulated fares"}})
	if err != nil {
		log.Fatalf("Failed to build site registry: %v", err)
	}

	q := queue.New(queue.Config{Workers: 4, MaxRetry: queue.DefaultMaxRetry},
		fetch.NewSimulated(fetch.SimulatedOptions{MaxDelay: 200 * time.Millisecond, FailureRate: 0.1}), nil)

	ctrl := controller.New(kv, q, registry, controller.Options{
		Gap:            100 * time.Millisecond,
		RepeatInterval: time.Minute,
		AlertDelay:     5 * time.Second,
		Clock:          clock.Real{},
		Channel:        alert.LogChannel{},
	})
	defer ctrl.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "start":
		start(ctx, ctrl)
	case "recover":
		recoverSearch(ctx, ctrl)
	default:
		log.Fatalf("Unknown mode %q", mode)
	}
}

func start(ctx context.Context, ctrl *controller.Controller) {
	depart := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 1, 0)
	req := types.SearchRequest{
		Origins:      []string{"GRU", "GIG"},
		Destinations: []string{"LIS", "JFK", "MIA"},
		Departures:   []time.Time{depart, depart.AddDate(0, 0, 7)},
		QtyDays:      []int{7, 14},
		Adults:       1,
		Site:         "simulated",
		Email:        "demo@example.com",
		PriceEmail:   700,
	}

	cancel := ctrl.Subscribe(func(results []types.FareResult) {
		best := results[0]
		fmt.Printf("📊 %d results, best %s %.2f\n", len(results), best.Key, best.MinPrice)
	})
	defer cancel()

	n, err := ctrl.StartSearch(req)
	if err != nil {
		log.Fatalf("Failed to start search: %v", err)
	}
	fmt.Printf("✓ Search started: %d fare lookups\n", n)
	fmt.Printf("💡 Press Ctrl+C to stop early; run 'recover' afterwards to re-arm the repeat search\n\n")

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for ctrl.State() == controller.Running {
		select {
		case <-ctx.Done():
			ctrl.StopSearch()
			fmt.Println("\nReceived shutdown signal, search stopped")
			printStatus(ctrl)
			return
		case <-ticker.C:
		}
	}

	fmt.Println("\n✓ Search finished")
	printStatus(ctrl)
	printBest(ctrl.GetResults(), 5)
}

func recoverSearch(ctx context.Context, ctrl *controller.Controller) {
	fmt.Printf("📦 Stored requests: %d\n", len(ctrl.GetRequests()))
	printBest(ctrl.GetResults(), 5)

	delay, ok := ctrl.RecoverOnStartup()
	if !ok {
		fmt.Println("\nNo repeat search was pending. Run 'start' first.")
		return
	}
	fmt.Printf("\n⏰ Repeat search re-armed, fires in %s\n", delay.Round(time.Millisecond))
	fmt.Println("💡 Waiting for it (Ctrl+C to quit)...")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			printStatus(ctrl)
			return
		case <-ticker.C:
			if ctrl.State() == controller.Running {
				st := ctrl.GetStatus()
				fmt.Printf("🔁 Repeat search running: %d pending of %d\n", st.Pending, st.InitialFlights)
			}
		}
	}
}

func printStatus(ctrl *controller.Controller) {
	st := ctrl.GetStatus()
	fmt.Printf("  State:    %s\n", st.State)
	fmt.Printf("  Pending:  %d\n", st.Pending)
	fmt.Printf("  Results:  %d\n", st.Results)
	if !st.RepeatDue.IsZero() {
		fmt.Printf("  Repeat:   %s\n", st.RepeatDue.Local().Format(time.RFC3339))
	}
}

func printBest(results []types.FareResult, n int) {
	if len(results) < n {
		n = len(results)
	}
	for _, r := range results[:n] {
		ret := "one-way"
		if r.Return != nil {
			ret = r.Return.Format("02/01/2006")
		}
		fmt.Printf("  %-8s %s  %-10s %8.2f\n", r.Key, r.Departure.Format("02/01/2006"), ret, r.MinPrice)
	}
}
