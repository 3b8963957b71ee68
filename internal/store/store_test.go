package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/farewatch/internal/kvstore"
	"github.com/ChuLiYu/farewatch/pkg/types"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func request(origins, destinations []string) types.SearchRequest {
	return types.SearchRequest{
		Origins:      origins,
		Destinations: destinations,
		Departures:   []time.Time{date(2024, 6, 1)},
		Adults:       1,
		Site:         "kayak",
	}
}

// ============================================================================
// RequestStore
// ============================================================================

func TestRequestStore_Empty(t *testing.T) {
	s := NewRequestStore(kvstore.NewMemory())
	assert.Empty(t, s.GetRequests())
	assert.NotNil(t, s.GetRequests())
}

func TestRequestStore_NewestFirst(t *testing.T) {
	s := NewRequestStore(kvstore.NewMemory())

	require.NoError(t, s.SaveRequest(request([]string{"GRU"}, []string{"JFK"})))
	require.NoError(t, s.SaveRequest(request([]string{"GIG"}, []string{"LIS"})))

	got := s.GetRequests()
	require.Len(t, got, 2)
	assert.Equal(t, []string{"GIG"}, got[0].Origins)
	assert.Equal(t, []string{"GRU"}, got[1].Origins)
}

func TestRequestStore_DedupUnorderedSets(t *testing.T) {
	s := NewRequestStore(kvstore.NewMemory())

	require.NoError(t, s.SaveRequest(request([]string{"GRU", "GIG"}, []string{"JFK", "MIA"})))
	require.NoError(t, s.SaveRequest(request([]string{"POA"}, []string{"LIS"})))
	require.NoError(t, s.SaveRequest(request([]string{"BSB"}, []string{"OPO"})))

	replacement := request([]string{"GIG", "GRU"}, []string{"MIA", "JFK"})
	replacement.Adults = 3
	require.NoError(t, s.SaveRequest(replacement))

	got := s.GetRequests()
	require.Len(t, got, 3)
	assert.Equal(t, 3, got[0].Adults, "replacement goes to the front")
	assert.Equal(t, []string{"GIG", "GRU"}, got[0].Origins)
	assert.Equal(t, []string{"BSB"}, got[1].Origins)
	assert.Equal(t, []string{"POA"}, got[2].Origins)
}

func TestRequestStore_SubsetIsDistinct(t *testing.T) {
	s := NewRequestStore(kvstore.NewMemory())

	require.NoError(t, s.SaveRequest(request([]string{"GRU", "GIG"}, []string{"JFK"})))
	require.NoError(t, s.SaveRequest(request([]string{"GRU"}, []string{"JFK"})))

	assert.Len(t, s.GetRequests(), 2)
}

func TestRequestStore_IgnoresEmpty(t *testing.T) {
	s := NewRequestStore(kvstore.NewMemory())
	require.NoError(t, s.SaveRequest(types.SearchRequest{}))
	assert.Empty(t, s.GetRequests())
}

func TestRequestStore_CorruptIsEmpty(t *testing.T) {
	kv := kvstore.NewMemory()
	require.NoError(t, kv.Put(KeyRequests, "not json"))

	s := NewRequestStore(kv)
	assert.Empty(t, s.GetRequests())

	// 損壞的值會在下一次保存時被覆蓋
	require.NoError(t, s.SaveRequest(request([]string{"GRU"}, []string{"JFK"})))
	assert.Len(t, s.GetRequests(), 1)
}

func TestRequestStore_Delete(t *testing.T) {
	s := NewRequestStore(kvstore.NewMemory())
	require.NoError(t, s.SaveRequest(request([]string{"GRU"}, []string{"JFK"})))
	require.NoError(t, s.DeleteRequests())
	assert.Empty(t, s.GetRequests())
}

func TestRequestStore_RoundTripsFields(t *testing.T) {
	kv := kvstore.NewMemory()
	req := request([]string{"GRU"}, []string{"JFK"})
	req.QtyDays = []int{7, 14}
	req.Email = "traveller@example.com"
	req.PriceEmail = 1500
	require.NoError(t, NewRequestStore(kv).SaveRequest(req))

	got := NewRequestStore(kv).GetRequests()
	require.Len(t, got, 1)
	assert.Equal(t, []int{7, 14}, got[0].QtyDays)
	assert.True(t, got[0].HasAlert())
	assert.True(t, got[0].Departures[0].Equal(date(2024, 6, 1)))
}

// ============================================================================
// ResultStore
// ============================================================================

func task(origin, destination string) types.FetchTask {
	return types.FetchTask{
		Origin:      origin,
		Destination: destination,
		Departure:   date(2024, 6, 1),
		Times:       []time.Time{date(2024, 5, 1)},
	}
}

func TestResultStore_SortedByMinPrice(t *testing.T) {
	s := NewResultStore(kvstore.NewMemory())

	_, err := s.RecordResult(task("GRU", "JFK"), types.FareResponse{Prices: []float64{700, 500}})
	require.NoError(t, err)
	got, err := s.RecordResult(task("GRU", "MIA"), types.FareResponse{Prices: []float64{300}})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, 300.0, got[0].MinPrice)
	assert.Equal(t, 500.0, got[1].MinPrice)
	assert.Equal(t, "GRU-JFK", got[1].Key)

	stored := s.GetResults()
	require.Len(t, stored, 2)
	assert.Equal(t, "GRU-MIA", stored[0].Key)
	assert.Equal(t, "GRU-JFK", stored[1].Key)
}

func TestResultStore_TiesByKey(t *testing.T) {
	s := NewResultStore(kvstore.NewMemory())

	_, err := s.RecordResult(task("GRU", "MIA"), types.FareResponse{Prices: []float64{400}})
	require.NoError(t, err)
	_, err = s.RecordResult(task("GRU", "JFK"), types.FareResponse{Prices: []float64{400}})
	require.NoError(t, err)
	got, err := s.RecordResult(task("GIG", "JFK"), types.FareResponse{Prices: []float64{100}})
	require.NoError(t, err)

	keys := make([]string, len(got))
	for i, r := range got {
		keys[i] = r.Key
	}
	assert.Equal(t, []string{"GIG-JFK", "GRU-JFK", "GRU-MIA"}, keys)
}

func TestResultStore_AlwaysSorted(t *testing.T) {
	s := NewResultStore(kvstore.NewMemory())

	prices := []float64{900, 120, 450, 450, 80, 1000, 300}
	for _, p := range prices {
		got, err := s.RecordResult(task("GRU", "JFK"), types.FareResponse{Prices: []float64{p}})
		require.NoError(t, err)
		for i := 1; i < len(got); i++ {
			assert.LessOrEqual(t, got[i-1].MinPrice, got[i].MinPrice)
		}
	}
	assert.Len(t, s.GetResults(), len(prices))
}

func TestResultStore_CarriesTaskAndResponse(t *testing.T) {
	s := NewResultStore(kvstore.NewMemory())

	tk := task("GRU", "JFK")
	ret := date(2024, 6, 8)
	tk.Return = &ret

	got, err := s.RecordResult(tk, types.FareResponse{
		Prices:    []float64{820, 790},
		ByCompany: map[string]float64{"LATAM": 790, "AA": 820},
		URL:       "https://fares.example.com/GRU-JFK",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)

	r := got[0]
	assert.Equal(t, "GRU", r.Origin)
	assert.Equal(t, "JFK", r.Destination)
	require.NotNil(t, r.Return)
	assert.True(t, r.Return.Equal(ret))
	assert.Equal(t, 790.0, r.MinPrice)
	assert.Equal(t, 790.0, r.ByCompany["LATAM"])
	assert.Equal(t, "https://fares.example.com/GRU-JFK", r.URL)
}

func TestResultStore_NoPrices(t *testing.T) {
	s := NewResultStore(kvstore.NewMemory())

	got, err := s.RecordResult(task("GRU", "JFK"), types.FareResponse{})
	assert.ErrorIs(t, err, ErrNoPrices)
	assert.Nil(t, got)
	assert.Empty(t, s.GetResults())
}

func TestResultStore_Insert(t *testing.T) {
	s := NewResultStore(kvstore.NewMemory())

	r, err := NewResult(task("GRU", "JFK"), types.FareResponse{Prices: []float64{640, 610}})
	require.NoError(t, err)
	_, err = s.Insert(r)
	require.NoError(t, err)

	got, err := s.RecordResult(task("GRU", "MIA"), types.FareResponse{Prices: []float64{700}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "GRU-JFK", got[0].Key)
	assert.Equal(t, 610.0, got[0].MinPrice)
}

func TestResultStore_PersistedAcrossInstances(t *testing.T) {
	kv := kvstore.NewMemory()
	_, err := NewResultStore(kv).RecordResult(task("GRU", "JFK"), types.FareResponse{Prices: []float64{500}})
	require.NoError(t, err)

	assert.Len(t, NewResultStore(kv).GetResults(), 1)
}

func TestResultStore_CorruptAndDelete(t *testing.T) {
	kv := kvstore.NewMemory()
	require.NoError(t, kv.Put(KeyResults, "[{"))

	s := NewResultStore(kv)
	assert.Empty(t, s.GetResults())

	_, err := s.RecordResult(task("GRU", "JFK"), types.FareResponse{Prices: []float64{500}})
	require.NoError(t, err)
	require.NoError(t, s.DeleteResults())
	assert.Empty(t, s.GetResults())
}

func TestResultStore_InitialFlightCount(t *testing.T) {
	kv := kvstore.NewMemory()
	s := NewResultStore(kv)

	assert.Equal(t, 0, s.InitialFlightCount())

	require.NoError(t, s.SaveInitialFlightCount(12))
	assert.Equal(t, 12, s.InitialFlightCount())

	require.NoError(t, kv.Put(KeyInitialFlights, "twelve"))
	assert.Equal(t, 0, s.InitialFlightCount())
}
