package chain

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/qrs/internal/algorithm"
	"github.com/devrev/qrs/internal/config"
	qrserrors "github.com/devrev/qrs/internal/errors"
	"github.com/devrev/qrs/internal/model"
	"github.com/devrev/qrs/internal/service"
)

// ChainInstance is an ordered list of linked stages. Instances returned by GetChain are
// owned by one request.
type ChainInstance struct {
	name   string
	stages []RequestProcessor
	env    *Env
}

func newChainInstance(name string, stages []RequestProcessor, logger *zap.Logger) *ChainInstance {
	c := &ChainInstance{name: name, stages: stages, env: &Env{Logger: logger}}
	c.link()
	return c
}

func (c *ChainInstance) link() {
	for i, stage := range c.stages {
		var next RequestProcessor
		if i+1 < len(c.stages) {
			next = c.stages[i+1]
		}
		stage.Link(next, c.env)
	}
}

// Name returns the chain name
func (c *ChainInstance) Name() string {
	return c.name
}

// Stages returns the stage names in execution order
func (c *ChainInstance) Stages() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name()
	}
	return names
}

// Begin installs the per-request budget and tracer seen by every stage
func (c *ChainInstance) Begin(terminator *service.TimeoutTerminator, tracer *model.Tracer) {
	c.env.Terminator = terminator
	c.env.Tracer = tracer
}

// Tracer returns the tracer of the request, which the parse stage may have created
func (c *ChainInstance) Tracer() *model.Tracer {
	return c.env.Tracer
}

// Process runs the request through the stages, stopping at the first error
func (c *ChainInstance) Process(ctx context.Context, req *model.Request, res *model.MergedResult) {
	if len(c.stages) == 0 || res.HasError() {
		return
	}
	c.stages[0].Process(ctx, req, res)
}

// FillSummary runs the summary traversal
func (c *ChainInstance) FillSummary(ctx context.Context, req *model.Request, res *model.MergedResult) {
	if len(c.stages) == 0 {
		return
	}
	c.stages[0].FillSummary(ctx, req, res)
}

func (c *ChainInstance) clone() *ChainInstance {
	stages := make([]RequestProcessor, len(c.stages))
	for i, s := range c.stages {
		stages[i] = s.Clone()
	}
	return newChainInstance(c.name, stages, c.env.Logger)
}

// Dependencies are handed to the fixed stages
type Dependencies struct {
	Orchestrator *service.Orchestrator
	Topology     *algorithm.Topology
	Limits       Limits
}

// Manager builds chains from configuration and hands out per-request clones
type Manager struct {
	registry *Registry
	deps     Dependencies
	reader   config.Reader
	logger   *zap.Logger

	mu     sync.RWMutex
	chains map[string]*ChainInstance
}

// NewManager creates a manager resolving processors through registry
func NewManager(registry *Registry, deps Dependencies, reader config.Reader, logger *zap.Logger) *Manager {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Topology == nil && deps.Orchestrator != nil {
		deps.Topology = deps.Orchestrator.Topology()
	}
	return &Manager{
		registry: registry,
		deps:     deps,
		reader:   reader,
		logger:   logger,
		chains:   make(map[string]*ChainInstance),
	}
}

// Build creates every chain of cfg. Nothing is registered unless all chains build.
func (m *Manager) Build(cfg *config.ChainConfig) error {
	if err := cfg.Validate(); err != nil {
		return qrserrors.InvalidChainConfig(err.Error())
	}

	built := make(map[string]*ChainInstance, len(cfg.Chains))
	for _, def := range cfg.Chains {
		chain, err := m.buildChain(cfg, def)
		if err != nil {
			m.logger.Error("Failed to build chain",
				zap.String("chain", def.ChainName),
				zap.Error(err))
			return err
		}
		built[def.ChainName] = chain
		m.logger.Info("Chain built",
			zap.String("chain", def.ChainName),
			zap.Strings("stages", chain.Stages()))
	}

	m.mu.Lock()
	for name, chain := range built {
		m.chains[name] = chain
	}
	m.mu.Unlock()
	return nil
}

// buildChain assembles before-parser, parse, before-validate, validate, before-search, search
func (m *Manager) buildChain(cfg *config.ChainConfig, def config.ChainDef) (*ChainInstance, error) {
	var stages []RequestProcessor

	for _, point := range config.PluginPoints {
		plugins, err := m.pluginStages(cfg, def, point)
		if err != nil {
			return nil, err
		}
		stages = append(stages, plugins...)

		switch point {
		case config.BeforeParserPoint:
			stages = append(stages, &ParseProcessor{})
		case config.BeforeValidatePoint:
			stages = append(stages, NewValidateProcessor(m.deps.Topology, m.deps.Limits))
		case config.BeforeSearchPoint:
			stages = append(stages, NewSearchProcessor(m.deps.Orchestrator))
		}
	}
	return newChainInstance(def.ChainName, stages, m.logger.With(zap.String("chain", def.ChainName))), nil
}

func (m *Manager) pluginStages(cfg *config.ChainConfig, def config.ChainDef, point config.PluginPoint) ([]RequestProcessor, error) {
	var (
		stages       []RequestProcessor
		pageDistinct int
	)
	for _, name := range def.PluginPoints[point] {
		if IsReserved(name) {
			return nil, qrserrors.InvalidChainConfig("processor name " + name + " is reserved").
				WithDetail("chain", def.ChainName)
		}

		decl, ok := cfg.Processor(name)
		if !ok {
			decl = config.ProcessorConfig{ProcessorName: name, ModuleName: BuiltinModule}
		}
		factory, ok := m.registry.Lookup(decl.ModuleName, decl.ProcessorName)
		if !ok {
			return nil, qrserrors.UnknownProcessor(decl.ModuleName, decl.ProcessorName).
				WithDetail("chain", def.ChainName)
		}

		stage := factory()
		if pd, ok := stage.(*PageDistinctProcessor); ok {
			pd.defaultCluster = m.deps.Limits.DefaultCluster
			if point != config.BeforeValidatePoint {
				return nil, qrserrors.InvalidChainConfig(PageDistinctProcessorName + " is only allowed at " +
					string(config.BeforeValidatePoint)).WithDetail("chain", def.ChainName)
			}
			if pageDistinct++; pageDistinct > 1 {
				return nil, qrserrors.InvalidChainConfig("more than one " + PageDistinctProcessorName).
					WithDetail("chain", def.ChainName)
			}
		}
		if !stage.Init(decl.Parameters, m.reader) {
			return nil, qrserrors.InitFailed(name).WithDetail("chain", def.ChainName)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// GetChain returns a deep clone of the named chain
func (m *Manager) GetChain(name string) (*ChainInstance, error) {
	m.mu.RLock()
	template, ok := m.chains[name]
	m.mu.RUnlock()
	if !ok {
		return nil, qrserrors.NotFound("chain", name)
	}
	return template.clone(), nil
}

// Modules returns the processor modules chains can draw from, sorted
func (m *Manager) Modules() []string {
	return m.registry.Modules()
}

// Names returns the built chain names, sorted
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.chains))
	for name := range m.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
