package store

import (
	"sort"
	"time"

	"github.com/vigil-dev/vigil/pkg/models"
)

// indexPreviewSize caps how many immediate-tier messages the index carries.
const indexPreviewSize = 3

// Index is the cheap-to-read summary an assistant polls instead of the full
// tier files.
type Index struct {
	LastUpdated       time.Time    `json:"last_updated"`
	CheckNow          IndexUrgent  `json:"check_now"`
	MentionIfRelevant IndexSummary `json:"mention_if_relevant"`
	Background        IndexCount   `json:"background"`
	AutoFixed         IndexCount   `json:"auto_fixed"`
}

// IndexUrgent summarizes the immediate tier.
type IndexUrgent struct {
	Count             int            `json:"count"`
	SeverityBreakdown map[string]int `json:"severity_breakdown,omitempty"`
	Files             []string       `json:"files,omitempty"`
	Preview           []string       `json:"preview,omitempty"`
}

// IndexSummary summarizes the relevant tier.
type IndexSummary struct {
	Count      int            `json:"count"`
	Categories map[string]int `json:"categories,omitempty"`
}

// IndexCount is a bare tier count.
type IndexCount struct {
	Count int `json:"count"`
}

// buildIndex derives the summary from the tiered findings. Immediate
// findings are previewed highest relevance first.
func buildIndex(tiers map[models.Tier][]*models.Finding, now time.Time) Index {
	idx := Index{
		LastUpdated: now,
		Background:  IndexCount{Count: len(tiers[models.TierBackground])},
		AutoFixed:   IndexCount{Count: len(tiers[models.TierAutoFixed])},
	}

	immediate := append([]*models.Finding(nil), tiers[models.TierImmediate]...)
	sort.Slice(immediate, func(i, j int) bool {
		return immediate[i].RelevanceScore > immediate[j].RelevanceScore
	})

	idx.CheckNow.Count = len(immediate)
	if len(immediate) > 0 {
		idx.CheckNow.SeverityBreakdown = make(map[string]int)
		seenFiles := make(map[string]bool)
		for _, f := range immediate {
			idx.CheckNow.SeverityBreakdown[string(f.Severity)]++
			if f.File != "" && !seenFiles[f.File] {
				seenFiles[f.File] = true
				idx.CheckNow.Files = append(idx.CheckNow.Files, f.File)
			}
		}
		sort.Strings(idx.CheckNow.Files)
		for _, f := range immediate[:min(indexPreviewSize, len(immediate))] {
			idx.CheckNow.Preview = append(idx.CheckNow.Preview, f.Message)
		}
	}

	relevant := tiers[models.TierRelevant]
	idx.MentionIfRelevant.Count = len(relevant)
	if len(relevant) > 0 {
		idx.MentionIfRelevant.Categories = make(map[string]int)
		for _, f := range relevant {
			idx.MentionIfRelevant.Categories[f.Category]++
		}
	}
	return idx
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
