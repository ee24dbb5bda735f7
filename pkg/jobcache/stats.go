package jobcache

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Stats is a snapshot of resolver counters.
type Stats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Loads      int64 `json:"loads"`
	LoadErrors int64 `json:"load_errors"`
	Evictions  int64 `json:"evictions"`
	Instances  int   `json:"instances"`
	Entries    int   `json:"entries"`
}

// HitRate returns hits / (hits + misses), or 0 when nothing was requested.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// String formats the snapshot as a one-line summary.
func (s Stats) String() string {
	return fmt.Sprintf("hit rate %.1f%% (%s hits, %s misses), %s loads, %s load errors, %s evictions, %s entries across %s instances",
		s.HitRate()*100,
		humanize.Comma(s.Hits),
		humanize.Comma(s.Misses),
		humanize.Comma(s.Loads),
		humanize.Comma(s.LoadErrors),
		humanize.Comma(s.Evictions),
		humanize.Comma(int64(s.Entries)),
		humanize.Comma(int64(s.Instances)),
	)
}
