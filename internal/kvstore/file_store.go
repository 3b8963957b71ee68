package kvstore

// ============================================================================
// FileStore - 以快照 + WAL 實作的持久化鍵值儲存
// ============================================================================
//
// 寫入流程（Write-Ahead）:
//   1. Put/Delete 先追加 WAL 事件並 fsync
//   2. 再修改內存 map
//   3. 累積 CompactEvery 次變更後寫入快照並清空 WAL
//
// 啟動恢復:
//   1. 載入快照（損壞時視為空，記錄警告）
//   2. 重放 WAL，略過序號不大於快照 LastSeq 的事件
//      （快照寫入後、清空 WAL 前崩潰時會留下這些事件）
//   3. 遇到殘缺尾端時停止，保留已套用的事件
//
// WAL 序號跨越壓縮持續遞增，快照的 LastSeq 因此可與 WAL 事件比較。
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/farewatch/internal/snapshot"
	"github.com/ChuLiYu/farewatch/internal/storage/wal"
)

const (
	walFileName      = "store.wal"
	snapshotFileName = "store.snapshot"

	// DefaultCompactEvery 預設每 100 次變更壓縮一次
	DefaultCompactEvery = 100
)

// FileOptions FileStore 配置
type FileOptions struct {
	Dir          string // 資料目錄
	CompactEvery int    // 幾次變更後寫入快照
}

// FileStore 持久化鍵值儲存
type FileStore struct {
	mu       sync.Mutex
	entries  map[string]string
	wal      *wal.WAL
	snapshot *snapshot.Manager
	opts     FileOptions
	pending  int
	closed   bool
}

// OpenFile 開啟（或建立）資料目錄中的儲存並恢復狀態
func OpenFile(opts FileOptions) (*FileStore, error) {
	if opts.Dir == "" {
		return nil, errors.New("kvstore: data dir is required")
	}
	if opts.CompactEvery <= 0 {
		opts.CompactEvery = DefaultCompactEvery
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	snap := snapshot.NewManager(filepath.Join(opts.Dir, snapshotFileName))
	data, err := snap.Load()
	switch {
	case errors.Is(err, snapshot.ErrCorruptedSnapshot):
		log.Warn("Snapshot corrupted, starting from WAL only", "path", snap.Path(), "error", err)
		data = snapshot.Data{Entries: map[string]string{}}
	case err != nil:
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	w, err := wal.Open(filepath.Join(opts.Dir, walFileName), wal.Options{
		SyncOnAppend: true,
		StartSeq:     data.LastSeq,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	s := &FileStore{
		entries:  data.Entries,
		wal:      w,
		snapshot: snap,
		opts:     opts,
	}

	applied, skipped := 0, 0
	_, err = w.Replay(func(event wal.Event) error {
		if event.Seq <= data.LastSeq {
			skipped++
			return nil
		}
		if err := s.apply(event); err != nil {
			return err
		}
		applied++
		return nil
	})
	s.pending = applied
	if err != nil {
		log.Warn("WAL replay stopped early", "applied", applied, "error", err)
		// 殘缺尾端之後不能再追加，先把已恢復的狀態寫入快照
		if err := s.compactLocked(); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to compact after partial replay: %w", err)
		}
	}

	log.Debug("Store opened",
		"dir", opts.Dir,
		"keys", len(s.entries),
		"replayed", applied,
		"skipped", skipped)

	return s, nil
}

// apply 將 WAL 事件套用到內存狀態（重放時使用）
func (s *FileStore) apply(event wal.Event) error {
	switch event.Type {
	case wal.EventPut:
		s.entries[event.Key] = event.Value
	case wal.EventDelete:
		delete(s.entries, event.Key)
	default:
		return fmt.Errorf("unknown WAL event type %q", event.Type)
	}
	return nil
}

func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.entries[key]
	return v, ok, nil
}

func (s *FileStore) Put(key, value string) error {
	return s.mutate(wal.Event{Type: wal.EventPut, Key: key, Value: value})
}

func (s *FileStore) Delete(key string) error {
	return s.mutate(wal.Event{Type: wal.EventDelete, Key: key})
}

func (s *FileStore) mutate(event wal.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.entries[event.Key]; !ok && event.Type == wal.EventDelete {
		return nil
	}

	// 先寫 WAL
	if _, err := s.wal.Append(event); err != nil {
		return fmt.Errorf("failed to append %s event: %w", event.Type, err)
	}
	_ = s.apply(event)

	s.pending++
	if s.pending >= s.opts.CompactEvery {
		if err := s.compactLocked(); err != nil {
			// WAL 仍然完整，下次再試
			log.Error("Failed to compact store", "error", err)
		}
	}
	return nil
}

// Compact 寫入快照並清空 WAL
func (s *FileStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *FileStore) compactLocked() error {
	entries := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		entries[k] = v
	}

	if err := s.snapshot.Write(snapshot.Data{Entries: entries, LastSeq: s.wal.LastSeq()}); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}
	s.pending = 0
	return nil
}

// Close 壓縮並關閉儲存
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.pending > 0 {
		if err := s.compactLocked(); err != nil {
			log.Error("Failed to take final snapshot", "error", err)
		}
	}
	return s.wal.Close()
}

// Keys 回傳所有鍵（已排序）
func (s *FileStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.entries)
}

// PendingChanges 尚未壓縮進快照的變更數
func (s *FileStore) PendingChanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}
