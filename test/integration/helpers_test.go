package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/farewatch/internal/alert"
	"github.com/ChuLiYu/farewatch/internal/clock"
	"github.com/ChuLiYu/farewatch/internal/controller"
	"github.com/ChuLiYu/farewatch/internal/kvstore"
	"github.com/ChuLiYu/farewatch/internal/queue"
	"github.com/ChuLiYu/farewatch/internal/sites"
	"github.com/ChuLiYu/farewatch/internal/worker"
	"github.com/ChuLiYu/farewatch/pkg/types"
)

const siteID = "simulated"

// stack 一組完整的搜尋組件：檔案儲存、真實佇列與指定的票價來源
type stack struct {
	kv   *kvstore.FileStore
	ctrl *controller.Controller
}

func openStack(t testing.TB, dir string, fetcher worker.Fetcher, workers int) *stack {
	t.Helper()

	kv, err := kvstore.OpenFile(kvstore.FileOptions{Dir: dir})
	require.NoError(t, err)

	registry, err := sites.NewRegistry([]types.Site{{ID: siteID, Name: "Simulated fares"}})
	require.NoError(t, err)

	q := queue.New(queue.Config{
		Workers:          workers,
		MaxRetry:         queue.DefaultMaxRetry,
		DispatchInterval: 2 * time.Millisecond,
	}, fetcher, nil)

	ctrl := controller.New(kv, q, registry, controller.Options{
		Gap:            time.Microsecond,
		RepeatInterval: time.Hour,
		Clock:          clock.Real{},
		Channel:        alert.LogChannel{},
	})

	s := &stack{kv: kv, ctrl: ctrl}
	t.Cleanup(func() {
		ctrl.Shutdown()
		_ = kv.Close()
	})
	return s
}

// waitIdle 等待搜尋完成
func waitIdle(t testing.TB, ctrl *controller.Controller, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ctrl.State() == controller.Idle
	}, timeout, 5*time.Millisecond, "search should finish within %v", timeout)
}

func day(offset int) time.Time {
	return time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

// blockingFetcher 查詢直到 ctx 取消，用來讓任務停在執行中
type blockingFetcher struct{}

func (blockingFetcher) Fetch(ctx context.Context, _ types.FetchTask) (types.FareResponse, error) {
	<-ctx.Done()
	return types.FareResponse{}, ctx.Err()
}
