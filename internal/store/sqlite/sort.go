package sqlite

import (
	"encoding/json"
	"sort"

	"github.com/basket/fleetcore/internal/store"
)

func applySort(recs []store.Record, orders []store.SortOrder) []store.Record {
	if len(orders) == 0 {
		return recs
	}
	sort.SliceStable(recs, func(i, j int) bool {
		for _, ord := range orders {
			a := fieldValue(recs[i].Value, ord.Field)
			b := fieldValue(recs[j].Value, ord.Field)
			if a == b {
				continue
			}
			if ord.Descending {
				return a > b
			}
			return a < b
		}
		return false
	})
	return recs
}

func fieldValue(raw []byte, field string) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	b, _ := json.Marshal(m[field])
	return string(b)
}
