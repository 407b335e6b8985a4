package protocol

import (
	"github.com/devrev/qrs/internal/model"
)

// Version is the wire protocol version spoken with backend clusters
const Version = 1

// RPC method names served by backend clusters
const (
	MethodSearch  = "/qrs.Searcher/Search"
	MethodSummary = "/qrs.Searcher/Summary"
)

// WireError is an error reported by a backend
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SearchRequest is the seek-phase request sent to one cluster or partition
type SearchRequest struct {
	Version     int    `json:"version"`
	Cluster     string `json:"cluster"`
	PartitionID int    `json:"partition_id"`

	Query  string            `json:"query,omitempty"`
	Filter string            `json:"filter,omitempty"`
	Rank   string            `json:"rank,omitempty"`
	Sort   []model.SortField `json:"sort,omitempty"`
	Aux    string            `json:"aux,omitempty"`
	KV     map[string]string `json:"kv,omitempty"`

	Start                int  `json:"start"`
	Hit                  int  `json:"hit"`
	UseTruncateOptimizer bool `json:"use_truncate_optimizer"`
	TimeoutMs            int64 `json:"timeout_ms"`
	TraceLevel           int  `json:"trace_level,omitempty"`
}

// WireHit is one hit as returned by a backend
type WireHit struct {
	Ref           model.GlobalDocRef `json:"ref"`
	Score         float64            `json:"score"`
	RawPK         string             `json:"raw_pk,omitempty"`
	HasPrimaryKey bool               `json:"has_primary_key"`
	Attributes    map[string]string  `json:"attributes,omitempty"`
	// Inline summary, present when the backend answered both phases at once.
	SummaryFields []string `json:"summary_fields,omitempty"`
	SummaryValues []string `json:"summary_values,omitempty"`
}

// SearchResponse is one backend's seek-phase reply
type SearchResponse struct {
	Version              int                    `json:"version"`
	Cluster              string                 `json:"cluster"`
	Hits                 []WireHit              `json:"hits"`
	Aggregates           map[string]float64     `json:"aggregates,omitempty"`
	ActualMatchDocs      uint32                 `json:"actual_match_docs"`
	TotalMatchDocs       uint32                 `json:"total_match_docs"`
	UseTruncateOptimizer bool                   `json:"use_truncate_optimizer"`
	CoveredRanges        []model.PartitionRange `json:"covered_ranges"`
	SummaryInline        bool                   `json:"summary_inline"`
	Errors               []WireError            `json:"errors,omitempty"`
	Trace                []string               `json:"trace,omitempty"`
}

// SummaryRequest asks one cluster for the summaries of a group of documents
type SummaryRequest struct {
	Version int    `json:"version"`
	Cluster string `json:"cluster"`
	// Type is the fetch-summary type spelling: docid, pk or rawpk.
	Type   string               `json:"type"`
	Refs   []model.GlobalDocRef `json:"refs,omitempty"`
	RawPKs []string             `json:"raw_pks,omitempty"`
	// SchemaSignature lets the backend omit a schema the caller already holds.
	SchemaSignature uint64 `json:"schema_signature,omitempty"`
	Profile         string `json:"profile,omitempty"`
	TimeoutMs       int64  `json:"timeout_ms"`
	TraceLevel      int    `json:"trace_level,omitempty"`
}

// WireSummary is the summary of the document at Index in the request
type WireSummary struct {
	Index  int      `json:"index"`
	Values []string `json:"values"`
}

// SummaryResponse is one cluster's summary reply
type SummaryResponse struct {
	Version         int           `json:"version"`
	Cluster         string        `json:"cluster"`
	SchemaSignature uint64        `json:"schema_signature"`
	// Fields is omitted when SchemaSignature matches the one sent in the request.
	Fields    []string      `json:"fields,omitempty"`
	Summaries []WireSummary `json:"summaries"`
	Errors    []WireError   `json:"errors,omitempty"`
	Trace     []string      `json:"trace,omitempty"`
}
