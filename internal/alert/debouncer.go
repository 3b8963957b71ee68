// Package alert decides when a low-fare notification is sent and renders it.
package alert

import (
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/farewatch/internal/clock"
	"github.com/ChuLiYu/farewatch/internal/timer"
	"github.com/ChuLiYu/farewatch/pkg/types"
)

var log = slog.Default()

// DefaultDelay is the quiet period after the last qualifying result.
const DefaultDelay = 2 * time.Minute

const (
	subject    = "Low fares found"
	dateLayout = "02/01/2006"
)

// Channel delivers a rendered alert. Delivery is fire-and-forget: errors are
// logged, never retried.
type Channel interface {
	Send(to, subject, htmlBody string) error
}

// ResultSource supplies the stored results summarised when the alert fires.
type ResultSource interface {
	GetResults() []types.FareResult
}

// Debouncer sends at most one alert per search. Every qualifying result
// restarts the delay, so the alert goes out DefaultDelay after the last one.
type Debouncer struct {
	channel Channel
	results ResultSource
	slot    *timer.Slot
	delay   time.Duration

	mu      sync.Mutex
	sent    bool
	pending bool
	gen     uint64
	onSent  func()
}

// NewDebouncer creates a debouncer. A zero delay uses DefaultDelay.
func NewDebouncer(ch Channel, results ResultSource, delay time.Duration, c clock.Clock) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Debouncer{
		channel: ch,
		results: results,
		slot:    timer.NewSlot("alert-debounce", c),
		delay:   delay,
	}
}

// OnSent registers a hook called after each dispatch attempt.
func (d *Debouncer) OnSent(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSent = fn
}

// Observe feeds a freshly recorded result. Results above the threshold, and
// every result after the alert for this search went out, are ignored.
func (d *Debouncer) Observe(req types.SearchRequest, result types.FareResult) {
	if !req.HasAlert() || result.MinPrice > req.PriceEmail {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sent {
		return
	}
	d.gen++
	gen := d.gen
	d.pending = true
	d.slot.Arm(d.delay, func() { d.fire(req, gen) })
}

// Reset cancels a pending alert and re-enables sending. Called when a new
// search starts.
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slot.Disarm()
	d.sent = false
	d.pending = false
	d.gen++
}

// Pending reports whether an alert is waiting for its delay to elapse or is
// still being dispatched.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) fire(req types.SearchRequest, gen uint64) {
	defer d.settle(gen)

	d.mu.Lock()
	if d.sent {
		d.mu.Unlock()
		return
	}
	d.sent = true
	onSent := d.onSent
	d.mu.Unlock()

	body, n := Render(req.PriceEmail, d.results.GetResults())
	if n == 0 {
		log.Info("No stored result under threshold any more, alert skipped", "threshold", req.PriceEmail)
		return
	}

	if err := d.channel.Send(req.Email, subject, body); err != nil {
		log.Error("Failed to send alert", "to", req.Email, "error", err)
	} else {
		log.Info("Alert sent", "to", req.Email, "results", n)
	}
	if onSent != nil {
		onSent()
	}
}

// settle clears pending unless a newer alert was armed meanwhile
func (d *Debouncer) settle(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen == gen {
		d.pending = false
	}
}

// Render builds the HTML body listing every result at or under threshold. It
// returns the body and the number of listed results.
func Render(threshold float64, results []types.FareResult) (string, int) {
	var lines strings.Builder
	n := 0
	for _, r := range results {
		if r.MinPrice > threshold {
			continue
		}
		n++
		fmt.Fprintf(&lines, `<br/><a href="%s">%s</a>`, html.EscapeString(r.URL), html.EscapeString(Line(r)))
	}
	if n == 0 {
		return "", 0
	}

	body := "The following dates are priced at or below " + formatPrice(threshold) + ":<br>" +
		lines.String() + "<br><br>farewatch"
	return body, n
}

// Line renders one result as KEY - dd/MM/yyyy[ - dd/MM/yyyy] - price.
func Line(r types.FareResult) string {
	s := r.Key + " - " + r.Departure.Format(dateLayout)
	if r.Return != nil {
		s += " - " + r.Return.Format(dateLayout)
	}
	return s + " - " + formatPrice(r.MinPrice)
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
