package model

import (
	"fmt"
	"strings"
	"time"
)

// FetchSummaryType selects how phase 2 addresses documents
type FetchSummaryType int

const (
	FetchSummaryByDocID FetchSummaryType = iota
	FetchSummaryByPK
	FetchSummaryByRawPK
)

// String returns the clause spelling of the type
func (t FetchSummaryType) String() string {
	switch t {
	case FetchSummaryByDocID:
		return "docid"
	case FetchSummaryByPK:
		return "pk"
	case FetchSummaryByRawPK:
		return "rawpk"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseFetchSummaryType is the inverse of String
func ParseFetchSummaryType(s string) (FetchSummaryType, error) {
	switch strings.ToLower(s) {
	case "docid":
		return FetchSummaryByDocID, nil
	case "pk":
		return FetchSummaryByPK, nil
	case "rawpk":
		return FetchSummaryByRawPK, nil
	}
	return 0, fmt.Errorf("unknown fetch summary type %q", s)
}

// LevelQueryMode controls the cascading fallback across tiers
type LevelQueryMode int

const (
	OnlyFirstLevel LevelQueryMode = iota
	CheckFirstLevel
	BothLevel
)

// String returns the clause spelling of the mode
func (m LevelQueryMode) String() string {
	switch m {
	case OnlyFirstLevel:
		return "only_first_level"
	case CheckFirstLevel:
		return "check_first_level"
	case BothLevel:
		return "both_level"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseLevelQueryMode is the inverse of String
func ParseLevelQueryMode(s string) (LevelQueryMode, error) {
	switch strings.ToLower(s) {
	case "only_first_level":
		return OnlyFirstLevel, nil
	case "check_first_level":
		return CheckFirstLevel, nil
	case "both_level":
		return BothLevel, nil
	}
	return 0, fmt.Errorf("unknown level query mode %q", s)
}

// ConfigClause carries routing and behavior knobs. The orchestrator mutates it in place.
type ConfigClause struct {
	ClusterNames      []string
	StartOffset       int
	HitCount          int
	FetchSummaryType  FetchSummaryType
	ResearchThreshold uint32
	DegradeLevel      float64
	RPCTimeout        time.Duration

	UseTruncateOptimizer bool
	TraceLevel           TraceLevel

	// DisallowLackSummary makes hits left without a summary count as unexpected.
	// It is set by allow_lack_summary:false; lacks are expected otherwise.
	DisallowLackSummary bool

	// SummaryProfile discriminates schema cache entries of the same cluster.
	SummaryProfile string

	// FetchSummaryClusters maps a producing cluster to the cluster owning its summaries.
	FetchSummaryClusters map[string]string
}

// LevelClause lists fallback tiers of clusters
type LevelClause struct {
	Tiers    [][]string
	MinDocs  uint32
	Mode     LevelQueryMode
	UseLevel bool
}

// ClusterClause optionally pins partitions per cluster
type ClusterClause struct {
	Clusters     []string
	PartitionIDs map[string][]int
}

// QueryClause holds the query text. It is opaque to this service.
type QueryClause struct {
	Text string
}

// FilterClause holds a filter expression, opaque to this service
type FilterClause struct {
	Expr string
}

// RankClause names the rank profile used by the backends
type RankClause struct {
	Profile string
}

// SortField is one sort key
type SortField struct {
	Field     string
	Ascending bool
}

// SortClause holds the requested sort keys
type SortClause struct {
	Fields []SortField
}

// AuxQueryClause holds an auxiliary query, opaque to this service
type AuxQueryClause struct {
	Text string
}

// FetchSummaryClause asks for summaries of known documents without a seek phase
type FetchSummaryClause struct {
	Cluster string
	RawPKs  []string
}

// Request is one parsed search request, owned by the caller for the lifetime of the query
type Request struct {
	RawQuery string

	QueryClause        *QueryClause
	FilterClause       *FilterClause
	RankClause         *RankClause
	SortClause         *SortClause
	LevelClause        *LevelClause
	ClusterClause      *ClusterClause
	ConfigClause       *ConfigClause
	AuxQueryClause     *AuxQueryClause
	FetchSummaryClause *FetchSummaryClause
	// KVPairs carries free-form key/value options passed through to backends.
	KVPairs map[string]string
}

// Clone returns a deep copy of the request
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := &Request{RawQuery: r.RawQuery}
	if r.QueryClause != nil {
		q := *r.QueryClause
		c.QueryClause = &q
	}
	if r.FilterClause != nil {
		f := *r.FilterClause
		c.FilterClause = &f
	}
	if r.RankClause != nil {
		rk := *r.RankClause
		c.RankClause = &rk
	}
	if r.SortClause != nil {
		c.SortClause = &SortClause{Fields: append([]SortField(nil), r.SortClause.Fields...)}
	}
	if r.LevelClause != nil {
		l := *r.LevelClause
		l.Tiers = make([][]string, len(r.LevelClause.Tiers))
		for i, tier := range r.LevelClause.Tiers {
			l.Tiers[i] = append([]string(nil), tier...)
		}
		c.LevelClause = &l
	}
	if r.ClusterClause != nil {
		cc := &ClusterClause{Clusters: append([]string(nil), r.ClusterClause.Clusters...)}
		if r.ClusterClause.PartitionIDs != nil {
			cc.PartitionIDs = make(map[string][]int, len(r.ClusterClause.PartitionIDs))
			for k, v := range r.ClusterClause.PartitionIDs {
				cc.PartitionIDs[k] = append([]int(nil), v...)
			}
		}
		c.ClusterClause = cc
	}
	if r.ConfigClause != nil {
		cfg := *r.ConfigClause
		cfg.ClusterNames = append([]string(nil), r.ConfigClause.ClusterNames...)
		cfg.FetchSummaryClusters = copyStringMap(r.ConfigClause.FetchSummaryClusters)
		c.ConfigClause = &cfg
	}
	if r.AuxQueryClause != nil {
		a := *r.AuxQueryClause
		c.AuxQueryClause = &a
	}
	if r.FetchSummaryClause != nil {
		c.FetchSummaryClause = &FetchSummaryClause{
			Cluster: r.FetchSummaryClause.Cluster,
			RawPKs:  append([]string(nil), r.FetchSummaryClause.RawPKs...),
		}
	}
	c.KVPairs = copyStringMap(r.KVPairs)
	return c
}

// SummaryClusterOverride returns the request-level owner of summaries for hits produced by cluster
func (r *Request) SummaryClusterOverride(cluster string) (string, bool) {
	if r.ConfigClause == nil {
		return "", false
	}
	owner, ok := r.ConfigClause.FetchSummaryClusters[cluster]
	return owner, ok && owner != ""
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
