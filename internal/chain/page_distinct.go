package chain

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/qrs/internal/algorithm"
	"github.com/devrev/qrs/internal/config"
	"github.com/devrev/qrs/internal/model"
)

// PageDistinctProcessor limits hits sharing one attribute value per page.
//
// Parameters:
//
//	page_size         hits per page, required
//	dist_key          hit attribute holding the distinct key, required
//	dist_count        hits per key and page, default 1
//	grade_thresholds  score thresholds splitting hits into grades, e.g. "0.5,0.8"
//	fetch_factor      multiplier applied to the candidate window, default 1
//	clusters          requests must target one of these clusters, empty means all
type PageDistinctProcessor struct {
	BaseProcessor
	pageSize    int
	distCount   int
	distKey     string
	thresholds  []float64
	fetchFactor float64
	clusters    map[string]bool

	// defaultCluster is searched when the request names no cluster.
	defaultCluster string
}

// Name implements RequestProcessor
func (p *PageDistinctProcessor) Name() string { return PageDistinctProcessorName }

// Clone implements RequestProcessor
func (p *PageDistinctProcessor) Clone() RequestProcessor {
	return &PageDistinctProcessor{
		pageSize:    p.pageSize,
		distCount:   p.distCount,
		distKey:     p.distKey,
		thresholds:  p.thresholds,
		fetchFactor: p.fetchFactor,
		clusters:    p.clusters,

		defaultCluster: p.defaultCluster,
	}
}

// Init implements RequestProcessor
func (p *PageDistinctProcessor) Init(params map[string]string, _ config.Reader) bool {
	var err error
	if p.pageSize, err = strconv.Atoi(params["page_size"]); err != nil || p.pageSize <= 0 {
		return false
	}
	if p.distKey = params["dist_key"]; p.distKey == "" {
		return false
	}

	p.distCount = 1
	if v, ok := params["dist_count"]; ok {
		if p.distCount, err = strconv.Atoi(v); err != nil || p.distCount <= 0 {
			return false
		}
	}

	p.fetchFactor = 1
	if v, ok := params["fetch_factor"]; ok {
		if p.fetchFactor, err = strconv.ParseFloat(v, 64); err != nil || p.fetchFactor < 1 {
			return false
		}
	}

	p.thresholds = nil
	for _, item := range splitList(params["grade_thresholds"], optionSeparator) {
		t, err := strconv.ParseFloat(item, 64)
		if err != nil {
			return false
		}
		p.thresholds = append(p.thresholds, t)
	}
	sort.Float64s(p.thresholds)

	p.clusters = nil
	if names := splitList(strings.ReplaceAll(params["clusters"], listSeparator, optionSeparator), optionSeparator); len(names) > 0 {
		p.clusters = make(map[string]bool, len(names))
		for _, name := range names {
			p.clusters[name] = true
		}
	}
	return true
}

func (p *PageDistinctProcessor) appliesTo(req *model.Request) bool {
	if req.ConfigClause == nil || req.FetchSummaryClause != nil {
		return false
	}
	if p.clusters == nil {
		return true
	}
	for _, name := range p.targetClusters(req) {
		if p.clusters[name] {
			return true
		}
	}
	return false
}

// targetClusters resolves the clusters the request will search the way the validate stage does.
// The stage runs before validation fills ConfigClause.ClusterNames.
func (p *PageDistinctProcessor) targetClusters(req *model.Request) []string {
	if names := req.ConfigClause.ClusterNames; len(names) > 0 {
		return names
	}
	if req.ClusterClause != nil && len(req.ClusterClause.Clusters) > 0 {
		return req.ClusterClause.Clusters
	}
	if p.defaultCluster != "" {
		return []string{p.defaultCluster}
	}
	return nil
}

// Process widens the request to every page up to the requested window, lets the rest of the
// chain run, then selects the requested window from the distinct pages.
func (p *PageDistinctProcessor) Process(ctx context.Context, req *model.Request, res *model.MergedResult) {
	if res.HasError() {
		return
	}
	if !p.appliesTo(req) {
		p.ProcessNext(ctx, req, res)
		return
	}

	cfg := req.ConfigClause
	start, hit := cfg.StartOffset, cfg.HitCount
	if hit <= 0 {
		hit = p.pageSize
	}
	pages := (start + hit + p.pageSize - 1) / p.pageSize
	cfg.StartOffset = 0
	cfg.HitCount = int(math.Ceil(float64(pages*p.pageSize) * p.fetchFactor))

	p.ProcessNext(ctx, req, res)

	cfg.StartOffset, cfg.HitCount = start, hit
	if len(res.Hits) == 0 {
		return
	}

	items := make([]algorithm.PageItem, len(res.Hits))
	for i, h := range res.Hits {
		items[i] = algorithm.PageItem{Key: h.Attributes[p.distKey], Grade: p.grade(h.Score)}
	}
	positions := algorithm.SelectPages(items, start, hit, p.pageSize, p.distCount)

	selected := make([]*model.Hit, 0, len(positions))
	for _, pos := range positions {
		selected = append(selected, res.Hits[pos])
	}
	p.Tracer().Tracef(model.TraceInfo, "page distinct kept %d of %d candidates", len(selected), len(res.Hits))
	p.Logger().Debug("Page distinct applied",
		zap.Int("candidates", len(res.Hits)),
		zap.Int("selected", len(selected)))
	res.Hits = selected
}

// grade counts the thresholds score reaches
func (p *PageDistinctProcessor) grade(score float64) int {
	return sort.Search(len(p.thresholds), func(i int) bool { return p.thresholds[i] > score })
}
