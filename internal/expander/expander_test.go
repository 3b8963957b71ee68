package expander

import (
	"testing"
	"time"

	"github.com/ChuLiYu/farewatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestExpandQtyDaysScenario(t *testing.T) {
	req := types.SearchRequest{
		Origins:      []string{"GRU"},
		Destinations: []string{"JFK"},
		Departures:   []time.Time{day("2024-06-01")},
		QtyDays:      []int{7},
		Adults:       1,
		Site:         "demo",
	}

	tasks := Expand(req, start, DefaultGap)
	require.Len(t, tasks, 1)

	task := tasks[0]
	assert.Equal(t, "GRU", task.Origin)
	assert.Equal(t, "JFK", task.Destination)
	assert.Equal(t, day("2024-06-01"), task.Departure)
	require.NotNil(t, task.Return)
	assert.Equal(t, day("2024-06-08"), *task.Return)
	assert.Equal(t, 1, task.Adults)
	assert.Equal(t, "demo", task.Site)
	assert.Equal(t, []time.Time{start}, task.Times)
}

func TestExpandSkipsSelfLoops(t *testing.T) {
	req := types.SearchRequest{
		Origins:      []string{"GRU", "JFK"},
		Destinations: []string{"JFK", "GRU"},
		Departures:   []time.Time{day("2024-06-01")},
	}

	tasks := Expand(req, start, DefaultGap)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.NotEqual(t, task.Origin, task.Destination)
	}
	assert.Equal(t, "GRU", tasks[0].Origin)
	assert.Equal(t, "JFK", tasks[1].Origin)
}

func TestExpandOneWay(t *testing.T) {
	req := types.SearchRequest{
		Origins:      []string{"GRU"},
		Destinations: []string{"JFK"},
		Departures:   []time.Time{day("2024-06-01"), day("2024-06-02")},
	}

	tasks := Expand(req, start, DefaultGap)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Nil(t, task.Return)
	}
}

func TestExpandExplicitReturnsNeverPrecedeDeparture(t *testing.T) {
	req := types.SearchRequest{
		Origins:      []string{"GRU"},
		Destinations: []string{"JFK", "MIA"},
		Departures:   []time.Time{day("2024-06-05"), day("2024-06-10")},
		Returns:      []time.Time{day("2024-06-01"), day("2024-06-05"), day("2024-06-12")},
	}

	tasks := Expand(req, start, DefaultGap)
	// 06-05: returns 06-05, 06-12; 06-10: return 06-12; times two destinations
	require.Len(t, tasks, 6)
	for _, task := range tasks {
		require.NotNil(t, task.Return)
		assert.False(t, task.Return.Before(task.Departure),
			"return %s precedes departure %s", task.Return, task.Departure)
	}
}

func TestExpandNegativeQtyDaysIsOneWay(t *testing.T) {
	req := types.SearchRequest{
		Origins:      []string{"GRU"},
		Destinations: []string{"JFK"},
		Departures:   []time.Time{day("2024-06-01")},
		QtyDays:      []int{-1, 0, 3},
	}

	tasks := Expand(req, start, DefaultGap)
	require.Len(t, tasks, 3)
	assert.Nil(t, tasks[0].Return)
	require.NotNil(t, tasks[1].Return)
	assert.Equal(t, day("2024-06-01"), *tasks[1].Return)
	assert.Equal(t, day("2024-06-04"), *tasks[2].Return)
}

func TestExpandQtyDaysTakesPrecedenceOverReturns(t *testing.T) {
	req := types.SearchRequest{
		Origins:      []string{"GRU"},
		Destinations: []string{"JFK"},
		Departures:   []time.Time{day("2024-06-01")},
		Returns:      []time.Time{day("2024-06-20")},
		QtyDays:      []int{2},
	}

	tasks := Expand(req, start, DefaultGap)
	require.Len(t, tasks, 1)
	assert.Equal(t, day("2024-06-03"), *tasks[0].Return)
}

func TestExpandSchedulesWithFixedGap(t *testing.T) {
	req := types.SearchRequest{
		Origins:      []string{"GRU", "CGH"},
		Destinations: []string{"JFK", "MIA"},
		Departures:   []time.Time{day("2024-06-01"), day("2024-06-02")},
		QtyDays:      []int{5, 7},
	}

	tasks := Expand(req, start, DefaultGap)
	require.Len(t, tasks, 16)
	for i := 1; i < len(tasks); i++ {
		assert.Equal(t, DefaultGap, tasks[i].DueAt().Sub(tasks[i-1].DueAt()))
	}
}

func TestExpandPreservesIterationOrder(t *testing.T) {
	req := types.SearchRequest{
		Origins:      []string{"A", "B"},
		Destinations: []string{"X", "Y"},
		Departures:   []time.Time{day("2024-06-01")},
	}

	tasks := Expand(req, start, time.Second)
	var routes []string
	for _, task := range tasks {
		routes = append(routes, types.RouteKey(task.Origin, task.Destination))
	}
	assert.Equal(t, []string{"A-X", "A-Y", "B-X", "B-Y"}, routes)
}

func TestExpandNonPositiveGapUsesDefault(t *testing.T) {
	req := types.SearchRequest{
		Origins:      []string{"A"},
		Destinations: []string{"X"},
		Departures:   []time.Time{day("2024-06-01"), day("2024-06-02")},
	}

	tasks := Expand(req, start, 0)
	require.Len(t, tasks, 2)
	assert.Equal(t, DefaultGap, tasks[1].DueAt().Sub(tasks[0].DueAt()))
}

func TestReturnAfterKeepsLocation(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	dep := time.Date(2024, 6, 1, 15, 30, 0, 0, loc)
	ret := ReturnAfter(dep, 7)
	assert.Equal(t, time.Date(2024, 6, 8, 0, 0, 0, 0, loc), ret)
}
