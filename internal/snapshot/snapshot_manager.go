package snapshot

// ============================================================================
// 職責說明：
// 1. 將鍵值儲存的完整狀態寫成單一 JSON 快照檔
// 2. 原子性寫入（temp file + fsync + rename），中途失敗不影響舊快照
// 3. 載入時驗證 schema 版本與內容校驗和
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 2

// Data 快照內容
type Data struct {
	SchemaVer int               `json:"schema_ver"`
	LastSeq   uint64            `json:"last_seq"` // 快照涵蓋的最後 WAL 序號
	Checksum  uint32            `json:"checksum"` // Entries 的 CRC32，由 Write 填入
	Entries   map[string]string `json:"entries"`
}

// Manager 管理單一快照檔
type Manager struct {
	mu   sync.Mutex
	path string
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path 快照檔案路徑
func (m *Manager) Path() string {
	return m.path
}

// Write 以原子方式取代快照檔
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if data.Entries == nil {
		data.Entries = map[string]string{}
	}
	data.SchemaVer = SchemaVersion
	data.Checksum = entriesChecksum(data.Entries)

	// 帶縮排，方便人工閱讀與除錯
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	if err := writeAndSync(tmp, b); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 讀取快照。檔案不存在時回傳空的 Data（首次啟動）。
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return Data{SchemaVer: SchemaVersion, Entries: map[string]string{}}, nil
	}
	if err != nil {
		return Data{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data Data
	if err := json.Unmarshal(b, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return Data{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Entries == nil {
		data.Entries = map[string]string{}
	}
	if sum := entriesChecksum(data.Entries); sum != data.Checksum {
		return Data{}, fmt.Errorf("%w: checksum 0x%08x, want 0x%08x", ErrCorruptedSnapshot, data.Checksum, sum)
	}
	return data, nil
}

// entriesChecksum 依鍵排序後計算 CRC32，與 map 迭代順序無關
func entriesChecksum(entries map[string]string) uint32 {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := crc32.NewIEEE()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(entries[k]))
		h.Write([]byte{0})
	}
	return h.Sum32()
}

func writeAndSync(f *os.File, b []byte) error {
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
