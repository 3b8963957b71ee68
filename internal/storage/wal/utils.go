package wal

import (
	"encoding/json"
	"errors"
	"io"
	"os"
)

// scan 解碼 path 中的事件直到 EOF 或第一筆損壞的記錄。
// fn 為 nil 時只計數。回傳讀取的事件數與最後一個有效序號。
func scan(path string, fn EventHandler) (int, uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	var (
		count   int
		lastSeq uint64
	)
	for {
		var event Event
		if err := dec.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return count, lastSeq, nil
			}
			return count, lastSeq, &CorruptionError{Seq: lastSeq, Cause: err}
		}
		if sum := Checksum(event); sum != event.Checksum {
			return count, lastSeq, &ChecksumError{Seq: event.Seq, Expected: sum, Actual: event.Checksum}
		}
		if fn != nil {
			if err := fn(event); err != nil {
				return count, lastSeq, err
			}
		}
		count++
		lastSeq = event.Seq
	}
}

// CountEvents 計算 WAL 中可解析的事件總數
func CountEvents(path string) (int, error) {
	n, _, err := scan(path, nil)
	return n, err
}
