package chain

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/qrs/internal/config"
	"github.com/devrev/qrs/internal/model"
	"github.com/devrev/qrs/internal/service"
)

// RequestProcessor is one stage of a processor chain.
//
// Process must forward control explicitly, normally through BaseProcessor.ProcessNext,
// which stops as soon as the result carries an error. FillSummary is a second, independent
// traversal that always forwards.
type RequestProcessor interface {
	Name() string
	Init(params map[string]string, reader config.Reader) bool
	Process(ctx context.Context, req *model.Request, res *model.MergedResult)
	FillSummary(ctx context.Context, req *model.Request, res *model.MergedResult)
	// Clone returns an unlinked copy carrying the initialized configuration but no per-request state.
	Clone() RequestProcessor
	// Link wires the stage to its successor and to the chain's shared environment.
	Link(next RequestProcessor, env *Env)
}

// Env is the per-request state shared by every stage of one chain instance.
// Stages hold a pointer to it, so a tracer set once is seen by all of them.
type Env struct {
	Terminator *service.TimeoutTerminator
	Tracer     *model.Tracer
	Logger     *zap.Logger
}

// BaseProcessor implements linking and default forwarding. Embed it in every stage.
type BaseProcessor struct {
	next RequestProcessor
	env  *Env
}

// Link implements RequestProcessor
func (b *BaseProcessor) Link(next RequestProcessor, env *Env) {
	b.next = next
	b.env = env
}

// Next returns the successor stage, nil at the end of the chain
func (b *BaseProcessor) Next() RequestProcessor {
	return b.next
}

// Env returns the shared environment; it is never nil for a linked stage
func (b *BaseProcessor) Env() *Env {
	if b.env == nil {
		return &Env{Logger: zap.NewNop()}
	}
	return b.env
}

// Tracer returns the per-request tracer, possibly nil
func (b *BaseProcessor) Tracer() *model.Tracer {
	return b.Env().Tracer
}

// Logger returns the chain logger
func (b *BaseProcessor) Logger() *zap.Logger {
	if l := b.Env().Logger; l != nil {
		return l
	}
	return zap.NewNop()
}

// ProcessNext hands the request to the next stage unless res already carries an error
func (b *BaseProcessor) ProcessNext(ctx context.Context, req *model.Request, res *model.MergedResult) {
	if b.next == nil || res.HasError() {
		return
	}
	b.next.Process(ctx, req, res)
}

// FillSummary forwards unconditionally
func (b *BaseProcessor) FillSummary(ctx context.Context, req *model.Request, res *model.MergedResult) {
	b.FillSummaryNext(ctx, req, res)
}

// FillSummaryNext hands the summary traversal to the next stage
func (b *BaseProcessor) FillSummaryNext(ctx context.Context, req *model.Request, res *model.MergedResult) {
	if b.next == nil {
		return
	}
	b.next.FillSummary(ctx, req, res)
}

// Init accepts any parameters
func (b *BaseProcessor) Init(map[string]string, config.Reader) bool {
	return true
}
