package handler

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/devrev/qrs/internal/chain"
	qrserrors "github.com/devrev/qrs/internal/errors"
	"github.com/devrev/qrs/internal/metrics"
	"github.com/devrev/qrs/internal/model"
	"github.com/devrev/qrs/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ChainProvider hands out per-request chain instances
type ChainProvider interface {
	GetChain(name string) (*chain.ChainInstance, error)
	Names() []string
	Modules() []string
}

// SearchRequest is the JSON body of POST /v1/search
type SearchRequest struct {
	Chain string `json:"chain"`
	Query string `json:"query"`
}

// ErrorBody is one error in a response
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Cluster string                 `json:"cluster,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HitBody is one hit in a response
type HitBody struct {
	Cluster        string            `json:"cluster"`
	SummaryCluster string            `json:"summary_cluster,omitempty"`
	Score          float64           `json:"score"`
	DocID          int32             `json:"doc_id"`
	HashID         uint16            `json:"hash_id"`
	ClusterID      uint32            `json:"cluster_id"`
	PrimaryKey     uint64            `json:"primary_key,omitempty"`
	RawPK          string            `json:"raw_pk,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Summary        map[string]string `json:"summary,omitempty"`
}

// SearchResponse is the JSON body returned for a search
type SearchResponse struct {
	RequestID                  string             `json:"request_id,omitempty"`
	Chain                      string             `json:"chain"`
	TotalMatchDocs             uint32             `json:"total_match_docs"`
	ActualMatchDocs            uint32             `json:"actual_match_docs"`
	LackResult                 bool               `json:"lack_result"`
	SummaryLackCount           int                `json:"summary_lack_count"`
	UnexpectedSummaryLackCount int                `json:"unexpected_summary_lack_count"`
	SummaryLackByCluster       map[string]int     `json:"summary_lack_by_cluster,omitempty"`
	Hits                       []HitBody          `json:"hits"`
	Aggregates                 map[string]float64 `json:"aggregates,omitempty"`
	Errors                     []ErrorBody        `json:"errors,omitempty"`
	Trace                      []string           `json:"trace,omitempty"`
}

// SearchHandler serves /v1/search
type SearchHandler struct {
	chains       ChainProvider
	metrics      *metrics.Metrics
	logger       *zap.Logger
	budget       time.Duration
	defaultChain string
}

// NewSearchHandler creates the search endpoint
func NewSearchHandler(chains ChainProvider, m *metrics.Metrics, budget time.Duration, defaultChain string, logger *zap.Logger) *SearchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchHandler{
		chains:       chains,
		metrics:      m,
		logger:       logger,
		budget:       budget,
		defaultChain: defaultChain,
	}
}

// Search handles GET and POST /v1/search
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var in SearchRequest
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			h.fail(w, r, in.Chain, start, qrserrors.ParseError("invalid request body", err))
			return
		}
	} else {
		in.Chain = r.URL.Query().Get("chain")
		in.Query = r.URL.Query().Get("query")
	}
	if in.Chain == "" {
		in.Chain = h.defaultChain
	}

	instance, err := h.chains.GetChain(in.Chain)
	if err != nil {
		h.fail(w, r, in.Chain, start, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.budget)
	defer cancel()
	instance.Begin(service.NewTimeoutTerminator(start, h.budget), nil)

	req := &model.Request{RawQuery: in.Query}
	res := model.NewMergedResult()
	instance.Process(ctx, req, res)
	instance.FillSummary(ctx, req, res)

	status := StatusOf(res)
	for _, e := range res.Errors.Errors() {
		h.metrics.RecordError(e.Code.String())
	}
	h.metrics.RecordRequest(in.Chain, strconv.Itoa(status), time.Since(start).Seconds())
	if status != http.StatusOK {
		h.logger.Warn("Search failed",
			zap.String("chain", in.Chain),
			zap.Int("status", status),
			zap.Error(res.Errors.Err()))
	}

	WriteJSON(w, status, buildResponse(requestID(w), in.Chain, res, instance.Tracer()))
}

// Chains handles GET /v1/chains. The built-in module is listed as "".
func (h *SearchHandler) Chains(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"chains":  h.chains.Names(),
		"default": h.defaultChain,
		"modules": h.chains.Modules(),
	})
}

// StatusOf maps a finished request to its HTTP status
func StatusOf(res *model.MergedResult) int {
	switch {
	case res.Errors.Has(qrserrors.ErrCodeParse), res.Errors.Has(qrserrors.ErrCodeValidation):
		return http.StatusBadRequest
	case res.SuccessfulResponders > 0:
		return http.StatusOK
	case res.Errors.Has(qrserrors.ErrCodeProcessTimeout):
		return http.StatusGatewayTimeout
	case res.HasError():
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (h *SearchHandler) fail(w http.ResponseWriter, r *http.Request, chainName string, start time.Time, err error) {
	status := http.StatusInternalServerError
	body := ErrorBody{Code: qrserrors.ErrCodeInternal.String(), Message: err.Error()}
	var se *qrserrors.SearchError
	if stderrors.As(err, &se) {
		status = se.HTTPStatus()
		body = errorBody(se)
	}
	h.metrics.RecordError(body.Code)
	h.metrics.RecordRequest(chainName, strconv.Itoa(status), time.Since(start).Seconds())
	h.logger.Warn("Search rejected",
		zap.String("chain", chainName),
		zap.String("path", r.URL.Path),
		zap.Error(err))

	WriteJSON(w, status, SearchResponse{
		RequestID: requestID(w),
		Chain:     chainName,
		Hits:      []HitBody{},
		Errors:    []ErrorBody{body},
	})
}

func buildResponse(id, chainName string, res *model.MergedResult, tracer *model.Tracer) SearchResponse {
	out := SearchResponse{
		RequestID:                  id,
		Chain:                      chainName,
		TotalMatchDocs:             res.TotalMatchDocs,
		ActualMatchDocs:            res.ActualMatchDocs,
		LackResult:                 res.LackResult,
		SummaryLackCount:           res.SummaryLackCount,
		UnexpectedSummaryLackCount: res.UnexpectedSummaryLackCount,
		Hits:                       make([]HitBody, 0, len(res.Hits)),
		Trace:                      tracer.Lines(),
	}
	if len(res.SummaryLackByCluster) > 0 {
		out.SummaryLackByCluster = res.SummaryLackByCluster
	}
	if len(res.Aggregates) > 0 {
		out.Aggregates = res.Aggregates
	}
	for _, hit := range res.Hits {
		out.Hits = append(out.Hits, HitBody{
			Cluster:        hit.ClusterName,
			SummaryCluster: hit.SummaryCluster,
			Score:          hit.Score,
			DocID:          hit.Ref.DocID,
			HashID:         hit.Ref.HashID,
			ClusterID:      hit.Ref.ClusterID,
			PrimaryKey:     hit.Ref.PrimaryKey,
			RawPK:          hit.RawPK,
			Attributes:     hit.Attributes,
			Summary:        hit.Summary.Fields(),
		})
	}
	for _, e := range res.Errors.Errors() {
		out.Errors = append(out.Errors, errorBody(e))
	}
	return out
}

func errorBody(e *qrserrors.SearchError) ErrorBody {
	return ErrorBody{
		Code:    e.Code.String(),
		Message: e.Message,
		Cluster: e.Cluster,
		Details: e.Details,
	}
}

func requestID(w http.ResponseWriter) string {
	return w.Header().Get("X-Request-ID")
}

// WriteJSON writes v with status
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
