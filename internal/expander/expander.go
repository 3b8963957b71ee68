// Package expander turns a search request into the ordered stream of fetch
// tasks that the queue executes.
//
// Iteration order is origin, destination, departure, then trip shape. Each
// emitted task is scheduled one gap after the previous one so the queue sees
// an evenly spaced load.
package expander

import (
	"time"

	"github.com/ChuLiYu/farewatch/pkg/types"
)

// DefaultGap is the spacing between consecutive task schedules.
const DefaultGap = 300 * time.Millisecond

// Expand returns the fetch tasks for req. The first task is scheduled at
// start; every following task at the previous schedule plus gap.
func Expand(req types.SearchRequest, start time.Time, gap time.Duration) []types.FetchTask {
	if gap <= 0 {
		gap = DefaultGap
	}

	var tasks []types.FetchTask
	at := start
	emit := func(origin, destination string, departure time.Time, ret *time.Time) {
		tasks = append(tasks, types.FetchTask{
			Origin:      origin,
			Destination: destination,
			Departure:   departure,
			Return:      ret,
			Adults:      req.Adults,
			Children:    req.Children,
			Infants:     req.Infants,
			Site:        req.Site,
			Times:       []time.Time{at},
		})
		at = at.Add(gap)
	}

	for _, origin := range req.Origins {
		for _, destination := range req.Destinations {
			if origin == destination {
				continue
			}

			for _, departure := range req.Departures {
				switch {
				case len(req.QtyDays) > 0:
					for _, days := range req.QtyDays {
						// negative length means one-way
						if days < 0 {
							emit(origin, destination, departure, nil)
							continue
						}
						ret := ReturnAfter(departure, days)
						emit(origin, destination, departure, &ret)
					}

				case len(req.Returns) == 0:
					emit(origin, destination, departure, nil)

				default:
					for _, r := range req.Returns {
						if r.Before(departure) {
							continue
						}
						ret := r
						emit(origin, destination, departure, &ret)
					}
				}
			}
		}
	}

	return tasks
}

// ReturnAfter is the start of the calendar day `days` days after departure,
// in departure's location.
func ReturnAfter(departure time.Time, days int) time.Time {
	y, m, d := departure.Date()
	return time.Date(y, m, d+days, 0, 0, 0, 0, departure.Location())
}
