// Package repeat owns the recurring re-run of the last alert-enabled search.
//
// The fire time and the request to replay are persisted so a pending re-run
// survives restarts. The request key is always written before the time key and
// the time key is always deleted before the request key, so a present time
// key implies a present request.
package repeat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ChuLiYu/farewatch/internal/clock"
	"github.com/ChuLiYu/farewatch/internal/kvstore"
	"github.com/ChuLiYu/farewatch/internal/store"
	"github.com/ChuLiYu/farewatch/internal/timer"
	"github.com/ChuLiYu/farewatch/pkg/types"
)

var log = slog.Default()

const (
	// DefaultInterval between automatic re-runs.
	DefaultInterval = 6 * time.Hour

	// minDelay is used when a persisted fire time has already passed.
	minDelay = time.Millisecond
)

// FireFunc re-runs a search.
type FireFunc func(req types.SearchRequest)

// Timer is the repeat-search slot.
type Timer struct {
	kv       kvstore.Store
	clock    clock.Clock
	slot     *timer.Slot
	interval time.Duration
	fire     FireFunc
}

// New creates a disarmed timer. A zero interval uses DefaultInterval and a nil
// clock uses the real one.
func New(kv kvstore.Store, interval time.Duration, c clock.Clock, fire FireFunc) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Timer{
		kv:       kv,
		clock:    c,
		slot:     timer.NewSlot("repeat-search", c),
		interval: interval,
		fire:     fire,
	}
}

// Interval returns the re-run interval.
func (t *Timer) Interval() time.Duration {
	return t.interval
}

// Apply arms the timer for requests with alert fields and disarms it otherwise.
func (t *Timer) Apply(req types.SearchRequest) error {
	if req.HasAlert() {
		return t.Arm(req)
	}
	return t.Disarm()
}

// Arm persists req and schedules a re-run one interval from now, replacing
// any pending re-run.
func (t *Timer) Arm(req types.SearchRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode repeat request: %w", err)
	}
	fireAt := t.clock.Now().Add(t.interval)

	if err := t.kv.Put(store.KeyRepeatSearchRequest, string(data)); err != nil {
		return fmt.Errorf("failed to save repeat request: %w", err)
	}
	if err := t.kv.Put(store.KeyRepeatSearchTime, strconv.FormatInt(fireAt.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("failed to save repeat time: %w", err)
	}

	t.slot.Arm(t.interval, t.onFire(req))
	log.Info("Repeat search armed", "fire_at", fireAt, "origins", req.Origins, "destinations", req.Destinations)
	return nil
}

// Disarm clears the persisted state and cancels the pending re-run.
// Safe to call when nothing is armed.
func (t *Timer) Disarm() error {
	t.slot.Disarm()

	if err := t.kv.Delete(store.KeyRepeatSearchTime); err != nil {
		return fmt.Errorf("failed to delete repeat time: %w", err)
	}
	if err := t.kv.Delete(store.KeyRepeatSearchRequest); err != nil {
		return fmt.Errorf("failed to delete repeat request: %w", err)
	}
	return nil
}

// RecoverOnStartup re-arms a persisted re-run. A fire time in the past fires
// after minDelay. It returns the scheduled delay and whether anything was armed.
func (t *Timer) RecoverOnStartup() (time.Duration, bool) {
	fireAt, ok := PersistedFireTime(t.kv)
	if !ok {
		return 0, false
	}

	var req types.SearchRequest
	raw, found, err := t.kv.Get(store.KeyRepeatSearchRequest)
	if err == nil && found {
		err = json.Unmarshal([]byte(raw), &req)
	}
	if err != nil || !found {
		log.Warn("Repeat time without a readable request, clearing", "found", found, "error", err)
		if err := t.Disarm(); err != nil {
			log.Error("Failed to clear repeat state", "error", err)
		}
		return 0, false
	}

	delay := fireAt.Sub(t.clock.Now())
	if delay < minDelay {
		delay = minDelay
	}

	t.slot.Arm(delay, t.onFire(req))
	log.Info("Repeat search recovered", "fire_at", fireAt, "delay", delay)
	return delay, true
}

// Due returns the fire time of the pending in-process re-run.
func (t *Timer) Due() (time.Time, bool) {
	return t.slot.Due()
}

// Pending reports whether a re-run is scheduled in this process.
func (t *Timer) Pending() bool {
	return t.slot.Pending()
}

func (t *Timer) onFire(armed types.SearchRequest) func() {
	return func() {
		req := armed
		var persisted types.SearchRequest
		if raw, ok, err := t.kv.Get(store.KeyRepeatSearchRequest); err == nil && ok {
			if json.Unmarshal([]byte(raw), &persisted) == nil {
				req = persisted
			}
		}
		log.Info("Repeat search firing", "origins", req.Origins, "destinations", req.Destinations)
		if t.fire != nil {
			t.fire(req)
		}
	}
}

// PersistedFireTime reads the stored fire time without arming anything.
func PersistedFireTime(kv kvstore.Store) (time.Time, bool) {
	raw, ok, err := kv.Get(store.KeyRepeatSearchTime)
	if err != nil {
		log.Warn("Failed to read key", "key", store.KeyRepeatSearchTime, "error", err)
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn("Discarding corrupt value", "key", store.KeyRepeatSearchTime, "error", err)
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
