package service

import (
	"sort"

	"github.com/devrev/qrs/internal/model"
)

// ResultMerger folds the partial results of a phase into one result.
// Implementations must not depend on the order of partials.
type ResultMerger interface {
	Merge(partials []*model.PartialResult) *model.MergedResult
}

// DefaultMerger ranks hits by score and sums everything else
type DefaultMerger struct{}

type hitKey struct {
	cluster string
	ref     model.GlobalDocRef
}

// Merge implements ResultMerger. Hits of one cluster sharing a GlobalDocRef keep the best score.
func (DefaultMerger) Merge(partials []*model.PartialResult) *model.MergedResult {
	result := model.NewMergedResult()

	inline := true
	best := make(map[hitKey]*model.Hit)
	for _, p := range partials {
		if p == nil {
			continue
		}
		for _, err := range p.Errors {
			result.AddError(err)
		}
		if p.Failed() {
			continue
		}
		result.SuccessfulResponders++
		inline = inline && p.SummaryInline

		for _, hit := range p.Hits {
			key := hitKey{cluster: hit.ClusterName, ref: hit.Ref}
			if prev, ok := best[key]; ok && prev.Score >= hit.Score {
				continue
			}
			best[key] = hit
		}
		for k, v := range p.Aggregates {
			result.Aggregates[k] += v
		}
		result.ActualMatchDocs += p.ActualMatchDocs
		result.TotalMatchDocs += p.TotalMatchDocs

		if _, ok := result.CoveredRanges[p.ClusterName]; !ok {
			result.CoveredRanges[p.ClusterName] = []model.PartitionRange{}
		}
		result.CoveredRanges[p.ClusterName] = append(result.CoveredRanges[p.ClusterName], p.CoveredRanges...)
	}
	result.SummaryInline = inline && result.SuccessfulResponders > 0

	result.Hits = make([]*model.Hit, 0, len(best))
	for _, hit := range best {
		result.Hits = append(result.Hits, hit)
	}
	sort.Slice(result.Hits, func(i, j int) bool {
		a, b := result.Hits[i], result.Hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if c := a.Ref.Compare(b.Ref); c != 0 {
			return c < 0
		}
		return a.ClusterName < b.ClusterName
	})

	for cluster, ranges := range result.CoveredRanges {
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].From < ranges[j].From })
		result.CoveredRanges[cluster] = ranges
	}
	return result
}
