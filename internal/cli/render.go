package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ChuLiYu/farewatch/internal/controller"
	"github.com/ChuLiYu/farewatch/pkg/types"
)

const displayDate = "02/01/2006"

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func formatDate(d time.Time) string {
	return d.Format(displayDate)
}

func formatDates(ds []time.Time) string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = formatDate(d)
	}
	return strings.Join(out, ", ")
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}

// renderResults 依最低價排序輸出結果
func renderResults(w io.Writer, results []types.FareResult, limit int) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results stored.")
		return
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"#", "Route", "Departure", "Return", "Min price", "Carriers", "Link"})
	for i, r := range results {
		ret := "-"
		if r.Return != nil {
			ret = formatDate(*r.Return)
		}
		t.AppendRow(table.Row{i + 1, r.Key, formatDate(r.Departure), ret, formatPrice(r.MinPrice), carriers(r.ByCompany), r.URL})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Name: "Min price", Align: text.AlignRight}})
	t.Render()
}

// carriers 依價格排序的航空公司清單
func carriers(byCompany map[string]float64) string {
	if len(byCompany) == 0 {
		return "-"
	}
	names := make([]string, 0, len(byCompany))
	for name := range byCompany {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if byCompany[names[i]] != byCompany[names[j]] {
			return byCompany[names[i]] < byCompany[names[j]]
		}
		return names[i] < names[j]
	})
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + " " + formatPrice(byCompany[name])
	}
	return strings.Join(parts, ", ")
}

// renderRequests 最新的請求在前
func renderRequests(w io.Writer, requests []types.SearchRequest) {
	if len(requests) == 0 {
		fmt.Fprintln(w, "No requests stored.")
		return
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"#", "Origins", "Destinations", "Departures", "Trip", "Passengers", "Site", "Alert"})
	for i, r := range requests {
		t.AppendRow(table.Row{
			i + 1,
			strings.Join(r.Origins, ", "),
			strings.Join(r.Destinations, ", "),
			formatDates(r.Departures),
			tripShape(r),
			fmt.Sprintf("%d/%d/%d", r.Adults, r.Children, r.Infants),
			r.Site,
			alertText(r),
		})
	}
	t.Render()
}

func tripShape(r types.SearchRequest) string {
	switch {
	case len(r.QtyDays) > 0:
		days := make([]string, len(r.QtyDays))
		for i, d := range r.QtyDays {
			days[i] = strconv.Itoa(d)
		}
		return strings.Join(days, ", ") + " days"
	case len(r.Returns) > 0:
		return "return " + formatDates(r.Returns)
	default:
		return "one-way"
	}
}

func alertText(r types.SearchRequest) string {
	if !r.HasAlert() {
		return "-"
	}
	return fmt.Sprintf("%s <= %s", r.Email, formatPrice(r.PriceEmail))
}

func renderSites(w io.Writer, list []types.Site) {
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Name", "Endpoint", "Rate/s"})
	for _, s := range list {
		endpoint, rate := s.Endpoint, "unlimited"
		if endpoint == "" {
			endpoint = "-"
		}
		if s.RatePerSecond > 0 {
			rate = strconv.FormatFloat(s.RatePerSecond, 'f', -1, 64)
		}
		t.AppendRow(table.Row{s.ID, s.Name, endpoint, rate})
	}
	t.Render()
}

func renderStatus(w io.Writer, st controller.Status, cfg *Config) {
	repeatDue := "not scheduled"
	if !st.RepeatDue.IsZero() {
		repeatDue = st.RepeatDue.Local().Format(time.RFC3339)
	}

	t := newTable(w)
	t.SetTitle("farewatch status")
	t.AppendRows([]table.Row{
		{"State", st.State.String()},
		{"Pending lookups", st.Pending},
		{"Initial lookups", st.InitialFlights},
		{"Stored results", st.Results},
		{"Stored requests", st.Requests},
		{"Next repeat search", repeatDue},
		{"Alert pending", st.AlertPending},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Config", configFile},
		{"Store", storeText(cfg)},
		{"Fetch mode", cfg.Fetch.Mode},
		{"Workers", cfg.Queue.Workers},
		{"Metrics", endpointText(cfg.Metrics.Enabled, cfg.Metrics.Port, "/metrics")},
		{"gRPC health", endpointText(cfg.GRPC.Enabled, cfg.GRPC.Port, "")},
	})
	t.Render()
}

func storeText(cfg *Config) string {
	switch cfg.Store.Backend {
	case BackendFile:
		return "file " + cfg.Store.Dir
	case BackendRedis:
		return "redis " + cfg.Store.Redis.Address
	}
	return cfg.Store.Backend
}

func endpointText(enabled bool, port int, path string) string {
	if !enabled {
		return "disabled"
	}
	return fmt.Sprintf(":%d%s", port, path)
}
