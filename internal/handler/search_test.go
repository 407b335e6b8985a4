package handler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/qrs/internal/algorithm"
	"github.com/devrev/qrs/internal/chain"
	"github.com/devrev/qrs/internal/client"
	"github.com/devrev/qrs/internal/config"
	qrserrors "github.com/devrev/qrs/internal/errors"
	"github.com/devrev/qrs/internal/metrics"
	"github.com/devrev/qrs/internal/model"
	"github.com/devrev/qrs/internal/protocol"
	"github.com/devrev/qrs/internal/service"
	"github.com/devrev/qrs/internal/store"
)

// backend answers searches with two hits per cluster and summaries with a title, or fails every call
type backend struct {
	down bool
}

func (b *backend) Submit(_ context.Context, requests []*client.RPCRequest) (*client.PendingBatch, error) {
	batch := client.NewPendingBatch(len(requests), nil)
	for _, req := range requests {
		if b.down {
			batch.Deliver(&client.Reply{ClusterName: req.ClusterName, PartitionID: req.PartitionID, Err: errors.New("connection refused")})
			continue
		}
		var resp interface{}
		if req.Method == protocol.MethodSummary {
			var msg protocol.SummaryRequest
			if err := json.Unmarshal(req.Body, &msg); err != nil {
				return nil, err
			}
			sr := &protocol.SummaryResponse{Version: protocol.Version, Fields: []string{"title"}}
			for i := range msg.Refs {
				sr.Summaries = append(sr.Summaries, protocol.WireSummary{Index: i, Values: []string{"t-" + req.ClusterName}})
			}
			resp = sr
		} else {
			resp = &protocol.SearchResponse{
				Version:         protocol.Version,
				ActualMatchDocs: 2,
				TotalMatchDocs:  2,
				CoveredRanges:   []model.PartitionRange{{From: 0, To: 65535}},
				Hits: []protocol.WireHit{
					{Ref: model.GlobalDocRef{DocID: 1}, Score: 2},
					{Ref: model.GlobalDocRef{DocID: 2}, Score: 1},
				},
			}
		}
		data, err := protocol.Encode(resp)
		if err != nil {
			return nil, err
		}
		batch.Deliver(&client.Reply{ClusterName: req.ClusterName, PartitionID: req.PartitionID, Data: data, Version: protocol.Version})
	}
	return batch, nil
}

func (b *backend) Join(batch *client.PendingBatch, deadline time.Time) *client.ReplySet {
	return batch.Wait(deadline)
}

func newTestHandler(t *testing.T, b *backend) *SearchHandler {
	t.Helper()
	topo := algorithm.NewTopology()
	require.NoError(t, topo.AddCluster("c1", "", 1, ""))
	orch := service.NewOrchestrator(service.Options{
		Fanout:     b,
		Cache:      store.NewSchemaCache(),
		Topology:   topo,
		RPCTimeout: 200 * time.Millisecond,
	})
	m := chain.NewManager(nil, chain.Dependencies{
		Orchestrator: orch,
		Limits:       chain.Limits{MaxHitCount: 100, DefaultHitCount: 10, DefaultCluster: "c1"},
	}, nil, zap.NewNop())
	require.NoError(t, m.Build(config.DefaultChainConfig("DEFAULT")))

	return NewSearchHandler(m, metrics.NewMetrics(prometheus.NewRegistry()), 2*time.Second, "DEFAULT", zap.NewNop())
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) SearchResponse {
	t.Helper()
	var out SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSearch_Post(t *testing.T) {
	h := newTestHandler(t, &backend{})
	body := `{"query":"config=cluster:c1,hit:5&&query=phone"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/search", bytes.NewBufferString(body))
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "abc")

	h.Search(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "abc", out.RequestID)
	assert.Equal(t, "DEFAULT", out.Chain)
	assert.Empty(t, out.Errors)
	require.Len(t, out.Hits, 2)
	assert.Equal(t, int32(1), out.Hits[0].DocID)
	assert.Equal(t, "c1", out.Hits[0].Cluster)
	assert.Equal(t, map[string]string{"title": "t-c1"}, out.Hits[0].Summary)
	assert.Equal(t, uint32(2), out.ActualMatchDocs)
}

func TestSearch_GetWithTrace(t *testing.T) {
	h := newTestHandler(t, &backend{})
	q := url.Values{"chain": {"DEFAULT"}, "query": {"config=trace:debug&&query=phone"}}
	rec := httptest.NewRecorder()

	h.Search(rec, httptest.NewRequest(http.MethodGet, "/v1/search?"+q.Encode(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode(t, rec).Trace)
}

func TestSearch_Statuses(t *testing.T) {
	tests := []struct {
		name     string
		backend  *backend
		body     string
		wantCode int
		wantErr  string
	}{
		{"malformed body", &backend{}, `{`, http.StatusBadRequest, qrserrors.ErrCodeParse.String()},
		{"unknown chain", &backend{}, `{"chain":"NOPE","query":"query=x"}`, http.StatusNotFound, qrserrors.ErrCodeNotFound.String()},
		{"parse error", &backend{}, `{"query":"bogus"}`, http.StatusBadRequest, qrserrors.ErrCodeParse.String()},
		{"validation error", &backend{}, `{"query":"config=cluster:zz&&query=x"}`, http.StatusBadRequest, qrserrors.ErrCodeValidation.String()},
		{"all backends down", &backend{down: true}, `{"query":"query=x"}`, http.StatusServiceUnavailable, qrserrors.ErrCodeMultiCall.String()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.backend)
			rec := httptest.NewRecorder()
			h.Search(rec, httptest.NewRequest(http.MethodPost, "/v1/search", bytes.NewBufferString(tt.body)))

			assert.Equal(t, tt.wantCode, rec.Code)
			out := decode(t, rec)
			require.NotEmpty(t, out.Errors)
			assert.Equal(t, tt.wantErr, out.Errors[0].Code)
		})
	}
}

func TestChains(t *testing.T) {
	h := newTestHandler(t, &backend{})
	rec := httptest.NewRecorder()
	h.Chains(rec, httptest.NewRequest(http.MethodGet, "/v1/chains", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Chains  []string `json:"chains"`
		Default string   `json:"default"`
		Modules []string `json:"modules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, []string{"DEFAULT"}, out.Chains)
	assert.Equal(t, "DEFAULT", out.Default)
	assert.Equal(t, []string{""}, out.Modules)
}

func TestStatusOf(t *testing.T) {
	res := model.NewMergedResult()
	assert.Equal(t, http.StatusOK, StatusOf(res))

	res.AddError(qrserrors.MultiCallError("c1", "down", nil))
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(res))

	res.SuccessfulResponders = 1
	assert.Equal(t, http.StatusOK, StatusOf(res))

	timedOut := model.NewMergedResult()
	timedOut.AddError(qrserrors.ProcessTimeout("search", 1))
	assert.Equal(t, http.StatusGatewayTimeout, StatusOf(timedOut))
}
