package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加鍵值變更事件到日誌檔案（append-only，每行一個 JSON 事件）
// 2. 重放日誌以恢復儲存狀態
// 3. 快照後清空日誌
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Options 控制寫入持久性
type Options struct {
	// SyncOnAppend 為 true 時每次 Append 都 flush 並 fsync；
	// 否則事件留在緩衝區，直到 Sync、Rotate 或 Close。
	SyncOnAppend bool
	// StartSeq 序號下限，通常是快照涵蓋的最後序號；
	// 日誌被清空後新事件仍接續在其後。
	StartSeq uint64
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	buf    *bufio.Writer
	opts   Options
	seq    uint64 // 最後寫入的事件序號
	closed bool
}

// Open 建立或開啟 WAL，序號接續檔案中最後一個可解析的事件與
// opts.StartSeq 兩者中較大者。殘缺的尾端不影響開啟；Replay 會回報它。
func Open(path string, opts Options) (*WAL, error) {
	_, seq, _ := scan(path, nil)
	if seq < opts.StartSeq {
		seq = opts.StartSeq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &WAL{
		path: path,
		file: file,
		buf:  bufio.NewWriter(file),
		opts: opts,
		seq:  seq,
	}, nil
}

// Append 寫入事件並回傳其序號。Seq、Timestamp 與 Checksum 由 WAL 填入。
func (w *WAL) Append(event Event) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	event.Seq = w.seq + 1
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = Checksum(event)

	line, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}
	if _, err := w.buf.Write(append(line, '\n')); err != nil {
		return 0, err
	}
	w.seq = event.Seq

	if w.opts.SyncOnAppend {
		if err := w.syncLocked(); err != nil {
			return 0, err
		}
	}
	return event.Seq, nil
}

// Sync 將緩衝的事件寫入並 fsync
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.syncLocked()
}

// Replay 依序將每個事件交給 handler。
//
// 遇到無法解析或校驗失敗的記錄即停止，已套用的事件保留
// （通常是斷電造成的殘缺尾端）。回傳成功套用的事件數。
func (w *WAL) Replay(handler EventHandler) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.buf.Flush(); err != nil {
			return 0, err
		}
	}
	n, _, err := scan(w.path, handler)
	return n, err
}

// Rotate 清空日誌，序號繼續遞增。
// 只能在狀態已寫入快照後呼叫。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close 寫出緩衝並關閉檔案。重複呼叫為 no-op。
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.syncLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// LastSeq 最後寫入的事件序號
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

func (w *WAL) syncLocked() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}
