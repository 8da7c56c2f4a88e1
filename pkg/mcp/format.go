package mcp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/medlearn/aicache/pkg/models"
)

// FormatCacheStats formats cache stats as text with a per-mode table.
func FormatCacheStats(stats models.CacheStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cache Statistics\n"+
		"  Entries:    %d\n"+
		"  Hits:       %d\n"+
		"  Cost Saved: $%.4f\n"+
		"  Hit Rate:   %.1f%%\n",
		stats.TotalEntries, stats.TotalHits, stats.TotalCostSaved, stats.HitRate*100)
	if len(stats.ByMode) == 0 {
		return b.String()
	}

	modes := make([]string, 0, len(stats.ByMode))
	for m := range stats.ByMode {
		modes = append(modes, m)
	}
	sort.Strings(modes)

	b.WriteString("\n")
	fmt.Fprintf(&b, "%-20s %8s %8s %12s\n", "Mode", "Entries", "Hits", "Cost Saved")
	b.WriteString(strings.Repeat("-", 51) + "\n")
	for _, m := range modes {
		s := stats.ByMode[m]
		fmt.Fprintf(&b, "%-20s %8d %8d %12.4f\n", m, s.Count, s.Hits, s.CostSaved)
	}
	return b.String()
}

// FormatEventSummary formats per-mode event totals as a text table.
func FormatEventSummary(rows []models.EventSummary) string {
	if len(rows) == 0 {
		return "No cache events found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %8s %8s %8s %8s %8s %12s %12s\n",
		"Mode", "Hits", "Misses", "Shared", "Errors", "Hit%", "Cost Spent", "Cost Saved")
	b.WriteString(strings.Repeat("-", 93) + "\n")
	for _, r := range rows {
		pct := float64(0)
		if total := r.Hits + r.Misses; total > 0 {
			pct = float64(r.Hits) / float64(total) * 100
		}
		fmt.Fprintf(&b, "%-20s %8d %8d %8d %8d %7.1f%% %12.4f %12.4f\n",
			r.Mode, r.Hits, r.Misses, r.Shared, r.Errors, pct, r.CostSpent, r.CostSaved)
	}
	return b.String()
}
