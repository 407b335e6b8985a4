package model

import (
	"strings"

	"github.com/cespare/xxhash/v2"

	qrserrors "github.com/devrev/qrs/internal/errors"
)

// SummarySchema names the fields carried by summaries of one cluster
type SummarySchema struct {
	Fields    []string `json:"fields"`
	Signature uint64   `json:"signature"`
}

// NewSummarySchema builds a schema and derives its signature from the field list
func NewSummarySchema(fields []string) *SummarySchema {
	return &SummarySchema{
		Fields:    append([]string(nil), fields...),
		Signature: xxhash.Sum64String(strings.Join(fields, "\x00")),
	}
}

// Clone returns a copy sharing nothing with s
func (s *SummarySchema) Clone() *SummarySchema {
	if s == nil {
		return nil
	}
	return &SummarySchema{
		Fields:    append([]string(nil), s.Fields...),
		Signature: s.Signature,
	}
}

// Summary is the fetched content of one hit
type Summary struct {
	Schema *SummarySchema
	Values []string
}

// Field returns the value of the named field
func (s *Summary) Field(name string) (string, bool) {
	if s == nil || s.Schema == nil {
		return "", false
	}
	for i, f := range s.Schema.Fields {
		if f == name && i < len(s.Values) {
			return s.Values[i], true
		}
	}
	return "", false
}

// Fields returns the summary as a name -> value map
func (s *Summary) Fields() map[string]string {
	if s == nil || s.Schema == nil {
		return nil
	}
	out := make(map[string]string, len(s.Schema.Fields))
	for i, f := range s.Schema.Fields {
		if i < len(s.Values) {
			out[f] = s.Values[i]
		}
	}
	return out
}

// Hit is one ranked document
type Hit struct {
	Ref   GlobalDocRef
	Score float64
	// ClusterName is the cluster that produced the hit in phase 1.
	ClusterName string
	// SummaryCluster is the cluster that owns the hit's summary, assigned after phase 1.
	SummaryCluster string
	RawPK          string
	HasPrimaryKey  bool
	Attributes     map[string]string
	Summary        *Summary
}

// PartialResult is one responder's contribution to a phase
type PartialResult struct {
	ClusterName          string
	Hits                 []*Hit
	Aggregates           map[string]float64
	Errors               []*qrserrors.SearchError
	UseTruncateOptimizer bool
	ActualMatchDocs      uint32
	TotalMatchDocs       uint32
	CoveredRanges        []PartitionRange
	SummaryInline        bool
}

// NewErrorPartialResult creates an error-only contribution
func NewErrorPartialResult(cluster string, err *qrserrors.SearchError) *PartialResult {
	return &PartialResult{
		ClusterName: cluster,
		Errors:      []*qrserrors.SearchError{err},
	}
}

// Failed reports whether the responder contributed only errors
func (p *PartialResult) Failed() bool {
	return len(p.Errors) > 0 && len(p.Hits) == 0 && len(p.CoveredRanges) == 0
}

// MergedResult accumulates one full phase. It is mutated monotonically and handed upward.
type MergedResult struct {
	Hits            []*Hit
	Aggregates      map[string]float64
	TotalMatchDocs  uint32
	ActualMatchDocs uint32
	Errors          *qrserrors.MultiError
	// LackResult is set when an expected responder never replied.
	LackResult    bool
	CoveredRanges map[string][]PartitionRange
	// SuccessfulResponders counts replies that contributed content.
	SuccessfulResponders int
	SummaryInline        bool

	SummaryLackCount           int
	UnexpectedSummaryLackCount int

	// SummaryLackByCluster counts hits left without a summary per owning cluster.
	SummaryLackByCluster map[string]int
}

// NewMergedResult creates an empty result
func NewMergedResult() *MergedResult {
	return &MergedResult{
		Aggregates:    make(map[string]float64),
		Errors:        qrserrors.NewMultiError(),
		CoveredRanges: make(map[string][]PartitionRange),
	}
}

// HasError reports whether any error has been recorded
func (r *MergedResult) HasError() bool {
	return r.Errors.Len() > 0
}

// AddError records err
func (r *MergedResult) AddError(err *qrserrors.SearchError) {
	if r.Errors == nil {
		r.Errors = qrserrors.NewMultiError()
	}
	r.Errors.Add(err)
}

// Absorb folds other into r without dropping anything r already holds
func (r *MergedResult) Absorb(other *MergedResult) {
	if other == nil {
		return
	}
	r.Hits = other.Hits
	if r.Aggregates == nil {
		r.Aggregates = make(map[string]float64)
	}
	for k, v := range other.Aggregates {
		r.Aggregates[k] += v
	}
	r.TotalMatchDocs += other.TotalMatchDocs
	r.ActualMatchDocs += other.ActualMatchDocs
	if r.Errors == nil {
		r.Errors = qrserrors.NewMultiError()
	}
	r.Errors.AddAll(other.Errors)
	r.LackResult = r.LackResult || other.LackResult
	if r.CoveredRanges == nil {
		r.CoveredRanges = make(map[string][]PartitionRange)
	}
	for k, v := range other.CoveredRanges {
		if _, ok := r.CoveredRanges[k]; !ok {
			r.CoveredRanges[k] = make([]PartitionRange, 0, len(v))
		}
		r.CoveredRanges[k] = append(r.CoveredRanges[k], v...)
	}
	r.SuccessfulResponders += other.SuccessfulResponders
	r.SummaryInline = r.SummaryInline || other.SummaryInline
}
