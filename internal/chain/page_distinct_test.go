package chain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/qrs/internal/config"
	"github.com/devrev/qrs/internal/model"
)

// windowStage stands in for the rest of the chain below page distinct
type windowStage struct {
	BaseProcessor
	shops      []string
	seenStart  int
	seenHit    int
	scoreBands []float64
}

func (s *windowStage) Name() string { return "window" }

func (s *windowStage) Clone() RequestProcessor { return s }

func (s *windowStage) Init(map[string]string, config.Reader) bool { return true }

func (s *windowStage) Process(_ context.Context, req *model.Request, res *model.MergedResult) {
	s.seenStart, s.seenHit = req.ConfigClause.StartOffset, req.ConfigClause.HitCount
	for i, shop := range s.shops {
		score := float64(len(s.shops) - i)
		if s.scoreBands != nil {
			score = s.scoreBands[i]
		}
		res.Hits = append(res.Hits, &model.Hit{
			Ref:        model.GlobalDocRef{DocID: int32(i)},
			Score:      score,
			Attributes: map[string]string{"shop": shop},
		})
	}
}

func newPageDistinct(t *testing.T, params map[string]string) *PageDistinctProcessor {
	t.Helper()
	p := &PageDistinctProcessor{}
	require.True(t, p.Init(params, nil))
	return p
}

func docIDs(hits []*model.Hit) []int32 {
	ids := make([]int32, len(hits))
	for i, h := range hits {
		ids[i] = h.Ref.DocID
	}
	return ids
}

func TestPageDistinct_SelectsWindow(t *testing.T) {
	pd := newPageDistinct(t, map[string]string{"page_size": "2", "dist_key": "shop", "fetch_factor": "1.5"})
	next := &windowStage{shops: []string{"A", "A", "A", "B", "C", "D"}}
	ch := newChainInstance("t", []RequestProcessor{pd, next}, nil)

	req := &model.Request{ConfigClause: &model.ConfigClause{ClusterNames: []string{"c1"}, StartOffset: 2, HitCount: 2}}
	res := model.NewMergedResult()
	ch.Process(context.Background(), req, res)

	assert.Equal(t, 0, next.seenStart)
	assert.Equal(t, 6, next.seenHit)
	assert.Equal(t, 2, req.ConfigClause.StartOffset)
	assert.Equal(t, 2, req.ConfigClause.HitCount)
	// Pages: [A0 B3] [A1 C4]; the second page is the requested window.
	assert.Equal(t, []int32{1, 4}, docIDs(res.Hits))
}

func TestPageDistinct_GradesKeepOrder(t *testing.T) {
	pd := newPageDistinct(t, map[string]string{"page_size": "3", "dist_key": "shop", "grade_thresholds": "5"})
	next := &windowStage{
		shops:      []string{"A", "A", "B", "C"},
		scoreBands: []float64{9, 8, 2, 1},
	}
	ch := newChainInstance("t", []RequestProcessor{pd, next}, nil)

	req := &model.Request{ConfigClause: &model.ConfigClause{HitCount: 3}}
	res := model.NewMergedResult()
	ch.Process(context.Background(), req, res)

	// The deferred high-grade A is drained before any lower-grade hit.
	assert.Equal(t, []int32{0, 1, 2}, docIDs(res.Hits))
}

func TestPageDistinct_SkipsOtherClusters(t *testing.T) {
	pd := newPageDistinct(t, map[string]string{"page_size": "2", "dist_key": "shop", "clusters": "c9"})
	next := &windowStage{shops: []string{"A", "A", "A"}}
	ch := newChainInstance("t", []RequestProcessor{pd, next}, nil)

	req := &model.Request{ConfigClause: &model.ConfigClause{ClusterNames: []string{"c1"}, HitCount: 2}}
	res := model.NewMergedResult()
	ch.Process(context.Background(), req, res)

	assert.Equal(t, 2, next.seenHit)
	assert.Len(t, res.Hits, 3)
}

func TestPageDistinct_InitRejectsBadParams(t *testing.T) {
	for _, params := range []map[string]string{
		{},
		{"page_size": "2"},
		{"page_size": "x", "dist_key": "shop"},
		{"page_size": "2", "dist_key": "shop", "dist_count": "0"},
		{"page_size": "2", "dist_key": "shop", "fetch_factor": "0.5"},
		{"page_size": "2", "dist_key": "shop", "grade_thresholds": "a,b"},
	} {
		assert.False(t, (&PageDistinctProcessor{}).Init(params, nil), "%v", params)
	}
}

func TestPageDistinct_CloneKeepsParams(t *testing.T) {
	pd := newPageDistinct(t, map[string]string{"page_size": "4", "dist_key": "shop", "dist_count": "2"})
	clone, ok := pd.Clone().(*PageDistinctProcessor)
	require.True(t, ok)
	assert.NotSame(t, pd, clone)
	assert.Equal(t, 4, clone.pageSize)
	assert.Equal(t, 2, clone.distCount)
	assert.Equal(t, "shop", clone.distKey)
}

func TestPageDistinct_GateUsesEffectiveClusters(t *testing.T) {
	tests := []struct {
		name    string
		req     *model.Request
		applied bool
	}{
		{"default cluster", &model.Request{ConfigClause: &model.ConfigClause{HitCount: 2}}, true},
		{"cluster clause", &model.Request{
			ConfigClause:  &model.ConfigClause{HitCount: 2},
			ClusterClause: &model.ClusterClause{Clusters: []string{"c1"}},
		}, true},
		{"explicit other cluster", &model.Request{ConfigClause: &model.ConfigClause{ClusterNames: []string{"c2"}, HitCount: 2}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pd := newPageDistinct(t, map[string]string{"page_size": "2", "dist_key": "shop", "clusters": "c1"})
			pd.defaultCluster = "c1"
			next := &windowStage{shops: []string{"A", "A", "B"}}
			ch := newChainInstance("t", []RequestProcessor{pd.Clone(), next}, nil)

			res := model.NewMergedResult()
			ch.Process(context.Background(), tt.req, res)

			if tt.applied {
				assert.Equal(t, []int32{0, 2}, docIDs(res.Hits))
			} else {
				assert.Len(t, res.Hits, 3)
			}
		})
	}
}

func TestPageDistinct_DefaultClusterThroughChain(t *testing.T) {
	m := newTestManager(t, &stubFanout{shops: []string{"A", "A", "A", "B"}}, nil)
	require.NoError(t, m.Build(&config.ChainConfig{
		Processors: []config.ProcessorConfig{{
			ProcessorName: PageDistinctProcessorName,
			Parameters:    map[string]string{"page_size": "2", "dist_key": "shop", "fetch_factor": "2", "clusters": "c1"},
		}},
		Chains: []config.ChainDef{{
			ChainName:    "distinct",
			PluginPoints: map[config.PluginPoint][]string{config.BeforeValidatePoint: {PageDistinctProcessorName}},
		}},
	}))

	res, _ := run(t, m, "distinct", "config=hit:2&&query=phone")

	require.False(t, res.HasError())
	assert.Equal(t, []int32{0, 3}, docIDs(res.Hits))
}
