// ============================================================================
// farewatch 任務管理器 - 票價查詢任務狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理查詢任務的完整生命週期和狀態轉換
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理，依 Times[0] 排序)
//      ↓ PopDue(now) + MarkInFlight()
//   InFlight (執行中)
//      ↓ MarkCompleted() 或失敗/超時後 Requeue()
//   Completed (已完成) / Dead (超過重試次數)
//
// 數據結構:
//   tasks map[ID]*Entry - 單一真實來源
//   queue []ID         - pending 任務，依排程時間遞增；同時間者保持 FIFO
//   inFlight/completed/dead - 狀態索引
//
// 並發安全:
//   - sync.RWMutex 保護所有數據結構
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// 佇列內容只存在記憶體：停止搜尋時 Reset() 清空，不持久化。
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/farewatch/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateTask = errors.New("task already exists")
	// 任務沒有排程時間
	ErrNoSchedule = errors.New("task has no scheduled time")
	// 任務不在執行中狀態
	ErrNotInFlight = errors.New("task not in flight")
	// 任務不在待處理狀態
	ErrNotPending = errors.New("task not pending")
	// 任務不存在
	ErrTaskNotFound = errors.New("task not found")
)

// Entry 佇列中的一個任務及其狀態
type Entry struct {
	Task      types.FetchTask  `json:"task"`
	Status    types.TaskStatus `json:"status"`
	Attempt   int              `json:"attempt"`
	Deadline  *int64           `json:"deadline,omitempty"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
}

// Manager 任務管理器
type Manager struct {
	mu        sync.RWMutex
	tasks     map[string]*Entry // 所有任務，透過 Status 欄位區分狀態
	queue     []string          // 待處理佇列（依排程時間排序）
	inFlight  map[string]*Entry // 執行中任務
	completed map[string]*Entry // 已完成任務
	dead      map[string]*Entry // 死信任務
}

// NewManager 建立新的任務管理器實例
func NewManager() *Manager {
	m := &Manager{}
	m.resetLocked()
	return m
}

// Enqueue 將任務加入待處理佇列並回傳其 ID
//
// ID 為空時自動產生 UUID。任務依 Times[0] 插入佇列；排程時間相同者維持加入順序。
func (m *Manager) Enqueue(task types.FetchTask) (string, error) {
	if len(task.Times) == 0 {
		return "", ErrNoSchedule
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if _, exists := m.tasks[task.ID]; exists {
		return "", ErrDuplicateTask
	}

	now := time.Now().UnixMilli()
	entry := &Entry{
		Task:      task,
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.tasks[task.ID] = entry
	m.insertLocked(task.ID, task.DueAt())
	return task.ID, nil
}

// insertLocked 在第一個排程時間晚於 due 的位置插入
func (m *Manager) insertLocked(id string, due time.Time) {
	i := sort.Search(len(m.queue), func(i int) bool {
		return m.tasks[m.queue[i]].Task.DueAt().After(due)
	})
	m.queue = append(m.queue, "")
	copy(m.queue[i+1:], m.queue[i:])
	m.queue[i] = id
}

// PopDue 取出排程時間不晚於 now 的第一個任務，但不改變其狀態
//
// 沒有到期任務時回傳 nil。取出後需要呼叫 MarkInFlight。
func (m *Manager) PopDue(now time.Time) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return nil
	}
	entry := m.tasks[m.queue[0]]
	if entry.Task.DueAt().After(now) {
		return nil
	}
	m.queue = m.queue[1:]
	return entry
}

// NextDue 回傳下一個待處理任務的排程時間
func (m *Manager) NextDue() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.queue) == 0 {
		return time.Time{}, false
	}
	return m.tasks[m.queue[0]].Task.DueAt(), true
}

// MarkInFlight 將已取出的任務標記為執行中，設定截止時間
func (m *Manager) MarkInFlight(id string, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.tasks[id]
	if !exists {
		return ErrTaskNotFound
	}
	if entry.Status != types.StatusPending {
		return ErrNotPending
	}

	deadlineMs := deadline.UnixMilli()
	entry.Status = types.StatusInFlight
	entry.Deadline = &deadlineMs
	entry.UpdatedAt = time.Now().UnixMilli()
	m.inFlight[id] = entry
	return nil
}

// MarkCompleted 將執行中的任務標記為已完成
func (m *Manager) MarkCompleted(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.tasks[id]
	if !exists {
		return ErrTaskNotFound
	}
	if entry.Status != types.StatusInFlight {
		return ErrNotInFlight
	}

	entry.Status = types.StatusCompleted
	entry.Deadline = nil
	entry.UpdatedAt = time.Now().UnixMilli()
	delete(m.inFlight, id)
	m.completed[id] = entry
	return nil
}

// Requeue 將執行中的任務放回佇列並增加重試次數，回傳新的重試次數
func (m *Manager) Requeue(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.tasks[id]
	if !exists {
		return 0, ErrTaskNotFound
	}
	if entry.Status != types.StatusInFlight {
		return 0, ErrNotInFlight
	}

	entry.Attempt++
	entry.Status = types.StatusPending
	entry.Deadline = nil
	entry.UpdatedAt = time.Now().UnixMilli()
	delete(m.inFlight, id)
	m.insertLocked(id, entry.Task.DueAt())
	return entry.Attempt, nil
}

// Retry 處理一次失敗的執行：重試次數達到 maxRetry 時標記為死信，否則放回佇列
//
// 回傳新的重試次數與是否已成為死信。maxRetry <= 0 時從不放棄。
func (m *Manager) Retry(id string, maxRetry int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.tasks[id]
	if !exists {
		return 0, false, ErrTaskNotFound
	}
	if entry.Status != types.StatusInFlight {
		return 0, false, ErrNotInFlight
	}

	entry.Attempt++
	entry.Deadline = nil
	entry.UpdatedAt = time.Now().UnixMilli()
	delete(m.inFlight, id)

	if maxRetry > 0 && entry.Attempt >= maxRetry {
		entry.Status = types.StatusDead
		m.dead[id] = entry
		return entry.Attempt, true, nil
	}
	entry.Status = types.StatusPending
	m.insertLocked(id, entry.Task.DueAt())
	return entry.Attempt, false, nil
}

// MarkDead 將任務標記為死信（失敗超過重試次數）
func (m *Manager) MarkDead(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.tasks[id]
	if !exists {
		return ErrTaskNotFound
	}

	if entry.Status == types.StatusPending {
		m.removeFromQueueLocked(id)
	}
	entry.Status = types.StatusDead
	entry.Deadline = nil
	entry.UpdatedAt = time.Now().UnixMilli()
	delete(m.inFlight, id)
	m.dead[id] = entry
	return nil
}

func (m *Manager) removeFromQueueLocked(id string) {
	for i, qid := range m.queue {
		if qid == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// GetExpired 取得已超過截止時間的執行中任務
func (m *Manager) GetExpired(now time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []string
	nowMs := now.UnixMilli()
	for id, entry := range m.inFlight {
		if entry.Deadline != nil && *entry.Deadline < nowMs {
			expired = append(expired, id)
		}
	}
	return expired
}

// Get 取得任務，不存在時回傳 nil
func (m *Manager) Get(id string) *Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tasks[id]
}

// InFlightTask 回傳執行中任務的查詢條件；任務不在執行中時 ok 為 false
func (m *Manager) InFlightTask(id string) (task types.FetchTask, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.inFlight[id]; !ok {
		return types.FetchTask{}, false
	}
	return m.tasks[id].Task, true
}

// Len 尚未結束的任務數（待處理 + 執行中）
//
// 已被 PopDue 取出但尚未 MarkInFlight 的任務也計入。
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks) - len(m.completed) - len(m.dead)
}

// Stats 取得各狀態任務的統計資訊
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"pending":   len(m.queue),
		"in_flight": len(m.inFlight),
		"completed": len(m.completed),
		"dead":      len(m.dead),
	}
}

// Reset 清空所有任務
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *Manager) resetLocked() {
	m.tasks = make(map[string]*Entry)
	m.queue = make([]string, 0)
	m.inFlight = make(map[string]*Entry)
	m.completed = make(map[string]*Entry)
	m.dead = make(map[string]*Entry)
}

// IsCompleted 檢查任務是否已完成
func (m *Manager) IsCompleted(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.completed[id]
	return exists
}

// IsDead 檢查任務是否已死亡
func (m *Manager) IsDead(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.dead[id]
	return exists
}
