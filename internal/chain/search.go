package chain

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/qrs/internal/model"
	"github.com/devrev/qrs/internal/service"
)

// SearchProcessor is the terminal stage running the two-phase protocol.
// Each clone owns the session of one request.
type SearchProcessor struct {
	BaseProcessor
	orchestrator *service.Orchestrator
	session      *service.Session
}

// NewSearchProcessor creates the search stage around the orchestrator template
func NewSearchProcessor(orchestrator *service.Orchestrator) *SearchProcessor {
	return &SearchProcessor{orchestrator: orchestrator}
}

// Name implements RequestProcessor
func (p *SearchProcessor) Name() string { return SearchProcessorName }

// Clone implements RequestProcessor
func (p *SearchProcessor) Clone() RequestProcessor {
	return &SearchProcessor{orchestrator: p.orchestrator}
}

// Process implements RequestProcessor
func (p *SearchProcessor) Process(ctx context.Context, req *model.Request, res *model.MergedResult) {
	if res.HasError() {
		return
	}
	env := p.Env()
	p.session = p.orchestrator.NewSession(req, env.Terminator, env.Tracer)
	res.Absorb(p.session.Search(ctx))

	p.Logger().Debug("Search finished",
		zap.Int("hits", len(res.Hits)),
		zap.Int("waves", p.session.Waves()),
		zap.Bool("lack_result", res.LackResult))
}

// FillSummary implements RequestProcessor
func (p *SearchProcessor) FillSummary(ctx context.Context, req *model.Request, res *model.MergedResult) {
	if p.session == nil {
		return
	}
	p.session.FillSummary(ctx, res)
}
