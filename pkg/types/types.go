// Package types 定義了 farewatch 系統中使用的核心領域模型
package types

import (
	"sort"
	"time"
)

// TaskStatus 任務狀態
type TaskStatus string

// 定義任務狀態常數
const (
	StatusPending   TaskStatus = "pending"   // 待處理狀態：任務已排程但尚未到達執行時間或尚未分派
	StatusInFlight  TaskStatus = "in_flight" // 執行中狀態：任務正在被 worker 查詢
	StatusCompleted TaskStatus = "completed" // 完成狀態：票價查詢成功
	StatusDead      TaskStatus = "dead"      // 死亡狀態：超過重試次數
)

// SearchRequest 使用者的搜尋條件
//
// Returns 與 QtyDays 互斥：QtyDays 優先；兩者皆空時為單程搜尋。
// 去重時以「出發地集合 + 目的地集合」作為身分（無序）。
type SearchRequest struct {
	Origins      []string    `json:"origins"`
	Destinations []string    `json:"destinations"`
	Departures   []time.Time `json:"departures"`
	Returns      []time.Time `json:"returns,omitempty"`
	QtyDays      []int       `json:"qtyDays,omitempty"`

	Adults   int    `json:"adults"`
	Children int    `json:"children"`
	Infants  int    `json:"infants"`
	Site     string `json:"site"`

	// 低價通知欄位（可選）
	Email      string  `json:"email,omitempty"`
	PriceEmail float64 `json:"priceEmail,omitempty"`
}

// HasAlert 是否帶有低價通知欄位
func (r SearchRequest) HasAlert() bool {
	return r.Email != "" && r.PriceEmail > 0
}

// IsEmpty 沒有任何出發地與目的地的請求不會被保存
func (r SearchRequest) IsEmpty() bool {
	return len(r.Origins) == 0 && len(r.Destinations) == 0
}

// SameRoutes 比較兩個請求的出發地集合與目的地集合是否相等（忽略順序與重複）
func (r SearchRequest) SameRoutes(other SearchRequest) bool {
	return sameSet(r.Origins, other.Origins) && sameSet(r.Destinations, other.Destinations)
}

func sameSet(a, b []string) bool {
	ca, cb := canonical(a), canonical(b)
	if len(ca) != len(cb) {
		return false
	}
	for i := range ca {
		if ca[i] != cb[i] {
			return false
		}
	}
	return true
}

// canonical 回傳排序後且去重的副本
func canonical(codes []string) []string {
	out := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// FetchTask 一次具體的票價查詢
// 加入佇列後不可修改；Times 至少包含一個排程時間
type FetchTask struct {
	ID          string      `json:"id,omitempty"`
	Origin      string      `json:"origin"`
	Destination string      `json:"destination"`
	Departure   time.Time   `json:"departure"`
	Return      *time.Time  `json:"return"`
	Adults      int         `json:"adults"`
	Children    int         `json:"children"`
	Infants     int         `json:"infants"`
	Site        string      `json:"site"`
	Times       []time.Time `json:"times"`
}

// DueAt 任務最早可執行的時間
func (t FetchTask) DueAt() time.Time {
	if len(t.Times) == 0 {
		return time.Time{}
	}
	return t.Times[0]
}

// IsRoundTrip 是否為來回票
func (t FetchTask) IsRoundTrip() bool {
	return t.Return != nil
}

// FareResponse 外部查詢層回傳的結果
type FareResponse struct {
	Prices    []float64          `json:"prices"`
	ByCompany map[string]float64 `json:"byCompany"`
	URL       string             `json:"url,omitempty"`
}

// FareResult 一次完成查詢的結果，MinPrice 由 Prices 推導
type FareResult struct {
	Origin      string             `json:"origin"`
	Destination string             `json:"destination"`
	Departure   time.Time          `json:"departure"`
	Return      *time.Time         `json:"return"`
	URL         string             `json:"url"`
	Prices      []float64          `json:"prices"`
	ByCompany   map[string]float64 `json:"byCompany"`
	MinPrice    float64            `json:"minPrice"`
	Key         string             `json:"key"`
}

// RouteKey 組合鍵 origin-destination
func RouteKey(origin, destination string) string {
	return origin + "-" + destination
}

// Site 票價來源站點描述，核心僅原樣傳遞
type Site struct {
	ID            string  `json:"id" yaml:"id"`
	Name          string  `json:"name" yaml:"name"`
	Endpoint      string  `json:"endpoint" yaml:"endpoint"`
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"`
}
