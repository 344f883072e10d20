package aggregator

import (
	"sort"
	"strings"

	"github.com/ChuLiYu/abz-submit/pkg/types"
)

// Reporter renders progress. All methods are called from the aggregator
// goroutine only.
type Reporter interface {
	Recovered(rec types.Recovered)
	Event(ev types.Event, p Progress)
	Done(s Summary)
}

type discard struct{}

func (discard) Recovered(types.Recovered) {}
func (discard) Event(types.Event, Progress) {}
func (discard) Done(Summary) {}

// Discard is a Reporter that prints nothing.
var Discard Reporter = discard{}

// displayName strips the feature document suffix from a job id.
func displayName(id types.JobID) string {
	return strings.TrimSuffix(string(id), "_.json")
}

// locationOrder lists locations in the order summaries print them.
func locationOrder() []types.Location {
	order := []types.Location{
		{State: types.StateSuccess},
		{State: types.StateDuplicate},
		{State: types.StatePending},
	}
	for _, kind := range types.ErrorKinds {
		order = append(order, types.Failed(kind))
	}
	return order
}

// sortedRecovered returns recovered job ids in a stable order.
func sortedRecovered(rec types.Recovered) []types.JobID {
	ids := make([]types.JobID, 0, len(rec))
	for id := range rec {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
