package chain

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/qrs/internal/algorithm"
	qrserrors "github.com/devrev/qrs/internal/errors"
	"github.com/devrev/qrs/internal/model"
)

// Limits are the request defaults and bounds enforced by the validate stage
type Limits struct {
	MaxHitCount       int
	DefaultHitCount   int
	DefaultCluster    string
	ResearchThreshold uint32
}

// ValidateProcessor fills defaults and rejects requests the backends cannot serve
type ValidateProcessor struct {
	BaseProcessor
	topology *algorithm.Topology
	limits   Limits
}

// NewValidateProcessor creates the validate stage
func NewValidateProcessor(topology *algorithm.Topology, limits Limits) *ValidateProcessor {
	if topology == nil {
		topology = algorithm.NewTopology()
	}
	return &ValidateProcessor{topology: topology, limits: limits}
}

// Name implements RequestProcessor
func (p *ValidateProcessor) Name() string { return ValidateProcessorName }

// Clone implements RequestProcessor
func (p *ValidateProcessor) Clone() RequestProcessor {
	return &ValidateProcessor{topology: p.topology, limits: p.limits}
}

// Process implements RequestProcessor
func (p *ValidateProcessor) Process(ctx context.Context, req *model.Request, res *model.MergedResult) {
	if res.HasError() {
		return
	}
	if err := p.validate(req); err != nil {
		p.Logger().Debug("Request rejected", zap.String("reason", err.Error()))
		res.AddError(qrserrors.ValidationError(err.Error()))
		return
	}
	p.ProcessNext(ctx, req, res)
}

func (p *ValidateProcessor) validate(req *model.Request) error {
	if req.ConfigClause == nil {
		req.ConfigClause = &model.ConfigClause{}
	}
	cfg := req.ConfigClause

	if fs := req.FetchSummaryClause; fs != nil {
		if !p.topology.Has(fs.Cluster) {
			return fmt.Errorf("fetch_summary: unknown cluster %q", fs.Cluster)
		}
		if len(fs.RawPKs) == 0 {
			return fmt.Errorf("fetch_summary: no primary keys")
		}
	} else if req.QueryClause == nil || req.QueryClause.Text == "" {
		return fmt.Errorf("query clause is required")
	}

	if len(cfg.ClusterNames) == 0 {
		switch {
		case req.ClusterClause != nil && len(req.ClusterClause.Clusters) > 0:
			cfg.ClusterNames = append([]string(nil), req.ClusterClause.Clusters...)
		case p.limits.DefaultCluster != "":
			cfg.ClusterNames = []string{p.limits.DefaultCluster}
		case req.FetchSummaryClause == nil:
			return fmt.Errorf("no cluster requested")
		}
	}
	for _, name := range cfg.ClusterNames {
		if !p.topology.Has(name) {
			return fmt.Errorf("unknown cluster %q", name)
		}
	}

	if cfg.StartOffset < 0 {
		return fmt.Errorf("start %d is negative", cfg.StartOffset)
	}
	if cfg.HitCount < 0 {
		return fmt.Errorf("hit %d is negative", cfg.HitCount)
	}
	if cfg.HitCount == 0 {
		cfg.HitCount = p.limits.DefaultHitCount
	}
	if p.limits.MaxHitCount > 0 && cfg.HitCount > p.limits.MaxHitCount {
		return fmt.Errorf("hit %d exceeds limit %d", cfg.HitCount, p.limits.MaxHitCount)
	}
	if cfg.FetchSummaryType > model.FetchSummaryByRawPK {
		return fmt.Errorf("unknown fetch summary type %d", cfg.FetchSummaryType)
	}
	if cfg.ResearchThreshold == 0 {
		cfg.ResearchThreshold = p.limits.ResearchThreshold
	}
	if cfg.DegradeLevel < 0 || cfg.DegradeLevel > 1 {
		return fmt.Errorf("degrade_level %v outside [0, 1]", cfg.DegradeLevel)
	}

	for from, owner := range cfg.FetchSummaryClusters {
		if !p.topology.Has(owner) {
			return fmt.Errorf("fetch_summary_cluster %s>%s: unknown cluster", from, owner)
		}
	}

	if level := req.LevelClause; level != nil {
		for i, tier := range level.Tiers {
			for _, name := range tier {
				if !p.topology.Has(name) {
					return fmt.Errorf("level tier %d: unknown cluster %q", i, name)
				}
			}
		}
	}

	if cc := req.ClusterClause; cc != nil {
		for name, ids := range cc.PartitionIDs {
			info, ok := p.topology.Cluster(name)
			if !ok {
				return fmt.Errorf("cluster clause: unknown cluster %q", name)
			}
			for _, id := range ids {
				if id < 0 || id >= info.Hasher.PartitionCount() {
					return fmt.Errorf("cluster %s: partition %d out of range", name, id)
				}
			}
		}
	}
	return nil
}
