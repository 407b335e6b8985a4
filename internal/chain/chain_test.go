package chain

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/qrs/internal/algorithm"
	"github.com/devrev/qrs/internal/client"
	"github.com/devrev/qrs/internal/config"
	qrserrors "github.com/devrev/qrs/internal/errors"
	"github.com/devrev/qrs/internal/model"
	"github.com/devrev/qrs/internal/protocol"
	"github.com/devrev/qrs/internal/service"
	"github.com/devrev/qrs/internal/store"
)

// stubFanout answers every search with the same ranked hits and every summary with one field
type stubFanout struct {
	mu    sync.Mutex
	shops []string
	waves int
	// noSummary lists doc ids whose summary the backend leaves out
	noSummary map[int32]bool
}

func (f *stubFanout) Submit(_ context.Context, requests []*client.RPCRequest) (*client.PendingBatch, error) {
	f.mu.Lock()
	f.waves++
	f.mu.Unlock()

	batch := client.NewPendingBatch(len(requests), nil)
	for _, req := range requests {
		var resp interface{}
		if req.Method == protocol.MethodSummary {
			var msg protocol.SummaryRequest
			if err := jsoniter.Unmarshal(req.Body, &msg); err != nil {
				return nil, err
			}
			sr := &protocol.SummaryResponse{Version: protocol.Version, Fields: []string{"title"}}
			for i, ref := range msg.Refs {
				if f.noSummary[ref.DocID] {
					continue
				}
				sr.Summaries = append(sr.Summaries, protocol.WireSummary{Index: i, Values: []string{fmt.Sprintf("doc-%d", ref.DocID)}})
			}
			resp = sr
		} else {
			sr := &protocol.SearchResponse{
				Version:         protocol.Version,
				ActualMatchDocs: uint32(len(f.shops)),
				CoveredRanges:   []model.PartitionRange{{From: 0, To: 65535}},
			}
			for i, shop := range f.shops {
				sr.Hits = append(sr.Hits, protocol.WireHit{
					Ref:        model.GlobalDocRef{DocID: int32(i)},
					Score:      float64(100 - i),
					Attributes: map[string]string{"shop": shop},
				})
			}
			resp = sr
		}
		data, err := protocol.Encode(resp)
		if err != nil {
			return nil, err
		}
		batch.Deliver(&client.Reply{ClusterName: req.ClusterName, PartitionID: req.PartitionID, Data: data, Version: protocol.Version})
	}
	return batch, nil
}

func (f *stubFanout) Join(batch *client.PendingBatch, deadline time.Time) *client.ReplySet {
	return batch.Wait(deadline)
}

func newTestManager(t *testing.T, fanout client.FanoutClient, registry *Registry) *Manager {
	t.Helper()
	topo := algorithm.NewTopology()
	require.NoError(t, topo.AddCluster("c1", "", 2, ""))
	require.NoError(t, topo.AddCluster("c2", "", 2, ""))
	orch := service.NewOrchestrator(service.Options{
		Fanout:     fanout,
		Cache:      store.NewSchemaCache(),
		Topology:   topo,
		RPCTimeout: 200 * time.Millisecond,
	})
	return NewManager(registry, Dependencies{
		Orchestrator: orch,
		Limits:       Limits{MaxHitCount: 100, DefaultHitCount: 10, DefaultCluster: "c1"},
	}, nil, zap.NewNop())
}

func run(t *testing.T, m *Manager, chainName, query string) (*model.MergedResult, *ChainInstance) {
	t.Helper()
	ch, err := m.GetChain(chainName)
	require.NoError(t, err)
	ch.Begin(service.NewTimeoutTerminator(time.Now(), 5*time.Second), nil)

	req := &model.Request{RawQuery: query}
	res := model.NewMergedResult()
	ch.Process(context.Background(), req, res)
	ch.FillSummary(context.Background(), req, res)
	return res, ch
}

// spyProcessor records calls and optionally fails the request
type spyProcessor struct {
	BaseProcessor
	name    string
	fail    bool
	calls   *int
	summary *int
}

func (p *spyProcessor) Name() string { return p.name }

func (p *spyProcessor) Clone() RequestProcessor {
	return &spyProcessor{name: p.name, fail: p.fail, calls: p.calls, summary: p.summary}
}

func (p *spyProcessor) Init(params map[string]string, _ config.Reader) bool {
	p.fail = params["fail"] == "true"
	return params["broken"] != "true"
}

func (p *spyProcessor) Process(ctx context.Context, req *model.Request, res *model.MergedResult) {
	if res.HasError() {
		return
	}
	*p.calls++
	if p.fail {
		res.AddError(qrserrors.ValidationError(p.name + " refused"))
		return
	}
	p.ProcessNext(ctx, req, res)
}

func (p *spyProcessor) FillSummary(ctx context.Context, req *model.Request, res *model.MergedResult) {
	*p.summary++
	p.FillSummaryNext(ctx, req, res)
}

func spyRegistry(t *testing.T, calls, summary map[string]*int) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, name := range []string{"Failing", "Spy", "Broken"} {
		name := name
		calls[name], summary[name] = new(int), new(int)
		require.NoError(t, r.Register("test", name, func() RequestProcessor {
			return &spyProcessor{name: name, calls: calls[name], summary: summary[name]}
		}))
	}
	return r
}

func TestBuild_StageOrder(t *testing.T) {
	calls, summary := map[string]*int{}, map[string]*int{}
	m := newTestManager(t, &stubFanout{}, spyRegistry(t, calls, summary))

	cfg := &config.ChainConfig{
		Processors: []config.ProcessorConfig{
			{ProcessorName: "Spy", ModuleName: "test"},
			{ProcessorName: PageDistinctProcessorName, Parameters: map[string]string{"page_size": "5", "dist_key": "shop"}},
		},
		Chains: []config.ChainDef{{
			ChainName: "web",
			PluginPoints: map[config.PluginPoint][]string{
				config.BeforeSearchPoint:   {"Spy"},
				config.BeforeValidatePoint: {PageDistinctProcessorName},
			},
		}},
	}
	require.NoError(t, m.Build(cfg))

	ch, err := m.GetChain("web")
	require.NoError(t, err)
	assert.Equal(t, []string{
		ParseProcessorName,
		PageDistinctProcessorName,
		ValidateProcessorName,
		"Spy",
		SearchProcessorName,
	}, ch.Stages())
	assert.Equal(t, []string{"web"}, m.Names())
}

func TestBuild_Errors(t *testing.T) {
	pd := func(params map[string]string) config.ProcessorConfig {
		return config.ProcessorConfig{ProcessorName: PageDistinctProcessorName, Parameters: params}
	}
	good := map[string]string{"page_size": "5", "dist_key": "shop"}

	tests := []struct {
		name       string
		processors []config.ProcessorConfig
		points     map[config.PluginPoint][]string
		code       qrserrors.ErrorCode
	}{
		{
			name:   "unknown processor",
			points: map[config.PluginPoint][]string{config.BeforeSearchPoint: {"Missing"}},
			code:   qrserrors.ErrCodeUnknownProcessor,
		},
		{
			name:       "unknown module",
			processors: []config.ProcessorConfig{{ProcessorName: "Spy", ModuleName: "other"}},
			points:     map[config.PluginPoint][]string{config.BeforeSearchPoint: {"Spy"}},
			code:       qrserrors.ErrCodeUnknownProcessor,
		},
		{
			name:       "init failure",
			processors: []config.ProcessorConfig{{ProcessorName: "Broken", ModuleName: "test", Parameters: map[string]string{"broken": "true"}}},
			points:     map[config.PluginPoint][]string{config.BeforeParserPoint: {"Broken"}},
			code:       qrserrors.ErrCodeInitFailed,
		},
		{
			name:       "page distinct bad params",
			processors: []config.ProcessorConfig{pd(map[string]string{"page_size": "0", "dist_key": "shop"})},
			points:     map[config.PluginPoint][]string{config.BeforeValidatePoint: {PageDistinctProcessorName}},
			code:       qrserrors.ErrCodeInitFailed,
		},
		{
			name:   "reserved name",
			points: map[config.PluginPoint][]string{config.BeforeSearchPoint: {SearchProcessorName}},
			code:   qrserrors.ErrCodeInvalidChainConfig,
		},
		{
			name:       "two page distinct stages",
			processors: []config.ProcessorConfig{pd(good)},
			points: map[config.PluginPoint][]string{
				config.BeforeValidatePoint: {PageDistinctProcessorName, PageDistinctProcessorName},
			},
			code: qrserrors.ErrCodeInvalidChainConfig,
		},
		{
			name:       "page distinct outside before-validate",
			processors: []config.ProcessorConfig{pd(good)},
			points:     map[config.PluginPoint][]string{config.BeforeSearchPoint: {PageDistinctProcessorName}},
			code:       qrserrors.ErrCodeInvalidChainConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls, summary := map[string]*int{}, map[string]*int{}
			m := newTestManager(t, &stubFanout{}, spyRegistry(t, calls, summary))
			err := m.Build(&config.ChainConfig{
				Processors: tt.processors,
				Chains:     []config.ChainDef{{ChainName: "bad", PluginPoints: tt.points}},
			})
			require.Error(t, err)
			assert.Equal(t, tt.code, qrserrors.GetCode(err))
			assert.Empty(t, m.Names())
		})
	}
}

func TestGetChain_NotFound(t *testing.T) {
	m := newTestManager(t, &stubFanout{}, nil)
	_, err := m.GetChain("nope")
	assert.True(t, qrserrors.IsCode(err, qrserrors.ErrCodeNotFound))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	factory := func() RequestProcessor { return &ParseProcessor{} }

	assert.Error(t, r.Register("m", ParseProcessorName, factory))
	assert.Error(t, r.Register(BuiltinModule, "Mine", factory))
	assert.Error(t, r.Register("m", "", factory))
	require.NoError(t, r.Register("m", "Mine", factory))

	_, ok := r.Lookup("m", "Mine")
	assert.True(t, ok)
	_, ok = r.Lookup(BuiltinModule, PageDistinctProcessorName)
	assert.True(t, ok)
	assert.Equal(t, []string{"", "m"}, r.Modules())
}

func TestChain_ShortCircuit(t *testing.T) {
	calls, summary := map[string]*int{}, map[string]*int{}
	fanout := &stubFanout{shops: []string{"a"}}
	m := newTestManager(t, fanout, spyRegistry(t, calls, summary))

	require.NoError(t, m.Build(&config.ChainConfig{
		Processors: []config.ProcessorConfig{
			{ProcessorName: "Failing", ModuleName: "test", Parameters: map[string]string{"fail": "true"}},
			{ProcessorName: "Spy", ModuleName: "test"},
		},
		Chains: []config.ChainDef{{
			ChainName: "web",
			PluginPoints: map[config.PluginPoint][]string{
				config.BeforeValidatePoint: {"Failing"},
				config.BeforeSearchPoint:   {"Spy"},
			},
		}},
	}))

	res, _ := run(t, m, "web", "query=phone")

	assert.Equal(t, 1, *calls["Failing"])
	assert.Equal(t, 0, *calls["Spy"])
	assert.Equal(t, 0, fanout.waves)
	assert.True(t, res.Errors.Has(qrserrors.ErrCodeValidation))

	// The summary traversal still reaches every stage.
	assert.Equal(t, 1, *summary["Failing"])
	assert.Equal(t, 1, *summary["Spy"])
}

func TestChain_Determinism(t *testing.T) {
	fanout := &stubFanout{shops: []string{"a", "a", "b", "c", "a", "d"}}
	m := newTestManager(t, fanout, nil)
	require.NoError(t, m.Build(&config.ChainConfig{
		Processors: []config.ProcessorConfig{{
			ProcessorName: PageDistinctProcessorName,
			Parameters:    map[string]string{"page_size": "2", "dist_key": "shop"},
		}},
		Chains: []config.ChainDef{{
			ChainName:    "web",
			PluginPoints: map[config.PluginPoint][]string{config.BeforeValidatePoint: {PageDistinctProcessorName}},
		}},
	}))

	query := "config=cluster:c1,start:0,hit:4&&query=phone"
	first, _ := run(t, m, "web", query)
	second, _ := run(t, m, "web", query)

	require.Equal(t, len(first.Hits), len(second.Hits))
	for i := range first.Hits {
		assert.Equal(t, first.Hits[i].Ref, second.Hits[i].Ref)
		assert.Equal(t, first.Hits[i].Summary.Values, second.Hits[i].Summary.Values)
	}
	assert.Equal(t, first.Errors.Len(), second.Errors.Len())
}

func TestChain_ClonesDoNotShareState(t *testing.T) {
	m := newTestManager(t, &stubFanout{shops: []string{"a"}}, nil)
	require.NoError(t, m.Build(config.DefaultChainConfig("plain")))

	a, err := m.GetChain("plain")
	require.NoError(t, err)
	b, err := m.GetChain("plain")
	require.NoError(t, err)

	tracer := model.NewTracer(model.TraceDebug)
	a.Begin(nil, tracer)
	assert.Same(t, tracer, a.Tracer())
	assert.Nil(t, b.Tracer())

	for i := range a.stages {
		assert.NotSame(t, a.stages[i], b.stages[i])
	}
}

func TestChain_EndToEnd(t *testing.T) {
	m := newTestManager(t, &stubFanout{shops: []string{"a", "b", "c"}}, nil)
	require.NoError(t, m.Build(config.DefaultChainConfig("plain")))

	res, ch := run(t, m, "plain", "config=cluster:c1;c2,hit:4,trace:DEBUG&&query=phone")

	assert.False(t, res.HasError())
	require.Len(t, res.Hits, 4)
	for _, hit := range res.Hits {
		require.NotNil(t, hit.Summary)
		title, ok := hit.Summary.Field("title")
		assert.True(t, ok)
		assert.Equal(t, fmt.Sprintf("doc-%d", hit.Ref.DocID), title)
	}
	assert.Len(t, res.CoveredRanges, 2)
	assert.NotEmpty(t, ch.Tracer().Lines())
}

func TestChain_ParseAndValidateErrors(t *testing.T) {
	m := newTestManager(t, &stubFanout{}, nil)
	require.NoError(t, m.Build(config.DefaultChainConfig("plain")))

	tests := []struct {
		query string
		code  qrserrors.ErrorCode
	}{
		{"config=hit:abc&&query=x", qrserrors.ErrCodeParse},
		{"bogus=1", qrserrors.ErrCodeParse},
		{"config=cluster:nope&&query=x", qrserrors.ErrCodeValidation},
		{"config=hit:1000&&query=x", qrserrors.ErrCodeValidation},
		{"config=start:0", qrserrors.ErrCodeValidation},
		{"query=x&&cluster=c1:7", qrserrors.ErrCodeValidation},
		{"query=x&&level=tiers:zz", qrserrors.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			res, _ := run(t, m, "plain", tt.query)
			assert.True(t, res.Errors.Has(tt.code), "errors: %v", res.Errors.Err())
			assert.Empty(t, res.Hits)
		})
	}
}

func TestChain_SummaryLackExpectedByDefault(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		wantUnexpected int
	}{
		{"option absent", "config=cluster:c1&&query=x", 0},
		{"explicitly allowed", "config=cluster:c1,allow_lack_summary:true&&query=x", 0},
		{"explicitly disallowed", "config=cluster:c1,allow_lack_summary:false&&query=x", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, &stubFanout{shops: []string{"A", "B"}, noSummary: map[int32]bool{1: true}}, nil)
			require.NoError(t, m.Build(config.DefaultChainConfig("web")))

			res, _ := run(t, m, "web", tt.query)

			require.False(t, res.HasError())
			assert.Equal(t, 1, res.SummaryLackCount)
			assert.Equal(t, tt.wantUnexpected, res.UnexpectedSummaryLackCount)
			assert.Equal(t, map[string]int{"c1": 1}, res.SummaryLackByCluster)
		})
	}
}
