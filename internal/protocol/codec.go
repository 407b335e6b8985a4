package protocol

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	qrserrors "github.com/devrev/qrs/internal/errors"
	"github.com/devrev/qrs/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode serializes a wire message
func Encode(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeSearchResponse parses a seek-phase payload
func DecodeSearchResponse(payload []byte) (*SearchResponse, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty search response")
	}
	var resp SearchResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if err := checkVersion(resp.Version); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeSummaryResponse parses a summary payload
func DecodeSummaryResponse(payload []byte) (*SummaryResponse, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty summary response")
	}
	var resp SummaryResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode summary response: %w", err)
	}
	if err := checkVersion(resp.Version); err != nil {
		return nil, err
	}
	for _, s := range resp.Summaries {
		if s.Index < 0 {
			return nil, fmt.Errorf("summary index %d out of range", s.Index)
		}
	}
	return &resp, nil
}

func checkVersion(v int) error {
	if v < 1 || v > Version {
		return fmt.Errorf("unsupported protocol version %d", v)
	}
	return nil
}

// ToPartialResult converts a seek reply into the merge input for cluster
func (r *SearchResponse) ToPartialResult(cluster string) *model.PartialResult {
	partial := &model.PartialResult{
		ClusterName:          cluster,
		Hits:                 make([]*model.Hit, 0, len(r.Hits)),
		Aggregates:           r.Aggregates,
		UseTruncateOptimizer: r.UseTruncateOptimizer,
		ActualMatchDocs:      r.ActualMatchDocs,
		TotalMatchDocs:       r.TotalMatchDocs,
		CoveredRanges:        append([]model.PartitionRange{}, r.CoveredRanges...),
		SummaryInline:        r.SummaryInline,
	}
	for i := range r.Hits {
		w := &r.Hits[i]
		hit := &model.Hit{
			Ref:           w.Ref,
			Score:         w.Score,
			ClusterName:   cluster,
			RawPK:         w.RawPK,
			HasPrimaryKey: w.HasPrimaryKey,
			Attributes:    w.Attributes,
		}
		if len(w.SummaryFields) > 0 {
			hit.Summary = &model.Summary{
				Schema: model.NewSummarySchema(w.SummaryFields),
				Values: w.SummaryValues,
			}
		}
		partial.Hits = append(partial.Hits, hit)
	}
	for _, e := range r.Errors {
		partial.Errors = append(partial.Errors, e.toSearchError(cluster))
	}
	return partial
}

// SearchErrors converts the reported errors of a summary reply
func (r *SummaryResponse) SearchErrors(cluster string) []*qrserrors.SearchError {
	out := make([]*qrserrors.SearchError, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.toSearchError(cluster))
	}
	return out
}

func (e WireError) toSearchError(cluster string) *qrserrors.SearchError {
	return qrserrors.MultiCallError(cluster, e.Message, nil).WithDetail("backend_code", e.Code)
}
