package wal

import (
	"hash/crc32"
	"strconv"
)

// Checksum 計算事件的 CRC32-IEEE 校驗和，涵蓋 Seq、Type、Key 與 Value
// （不含 Timestamp）。
func Checksum(e Event) uint32 {
	h := crc32.NewIEEE()
	h.Write(strconv.AppendUint(nil, e.Seq, 10))
	h.Write([]byte{'\n'})
	h.Write([]byte(e.Type))
	h.Write([]byte{'\n'})
	h.Write([]byte(e.Key))
	h.Write([]byte{'\n'})
	h.Write([]byte(e.Value))
	return h.Sum32()
}
