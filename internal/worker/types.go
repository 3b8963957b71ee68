package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/farewatch/pkg/types"
)

// Fetcher 執行一次票價查詢（HTTP 或模擬）
type Fetcher interface {
	Fetch(ctx context.Context, task types.FetchTask) (types.FareResponse, error)
}

// Task 代表要執行的任務
type Task struct {
	ID      string          // 任務唯一識別碼
	Fetch   types.FetchTask // 查詢條件
	Timeout time.Duration   // 執行超時時間
}

// Result 代表任務執行結果
type Result struct {
	TaskID   string             // 任務 ID
	Response types.FareResponse // 查詢結果（僅 Success 時有效）
	Success  bool               // 執行是否成功
	Error    error              // 錯誤訊息（如果有）
	Duration time.Duration      // 實際執行時間
}
