package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/qrs/internal/algorithm"
	"github.com/devrev/qrs/internal/client"
	qrserrors "github.com/devrev/qrs/internal/errors"
	"github.com/devrev/qrs/internal/metrics"
	"github.com/devrev/qrs/internal/model"
	"github.com/devrev/qrs/internal/protocol"
	"github.com/devrev/qrs/internal/store"
)

const (
	phaseSeek    = "seek"
	phaseSummary = "summary"
)

// Orchestrator is the immutable template of the two-phase search protocol.
// Each request runs on its own Session.
type Orchestrator struct {
	fanout     client.FanoutClient
	merger     ResultMerger
	cache      *store.SchemaCache
	topology   *algorithm.Topology
	metrics    *metrics.Metrics
	logger     *zap.Logger
	rpcTimeout time.Duration
}

// Options configures an Orchestrator
type Options struct {
	Fanout   client.FanoutClient
	Merger   ResultMerger
	Cache    *store.SchemaCache
	Topology *algorithm.Topology
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	// RPCTimeout applies when the request does not configure one.
	RPCTimeout time.Duration
}

// NewOrchestrator creates the template
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Merger == nil {
		opts.Merger = DefaultMerger{}
	}
	if opts.Topology == nil {
		opts.Topology = algorithm.NewTopology()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		fanout:     opts.Fanout,
		merger:     opts.Merger,
		cache:      opts.Cache,
		topology:   opts.Topology,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		rpcTimeout: opts.RPCTimeout,
	}
}

// Topology returns the cluster topology
func (o *Orchestrator) Topology() *algorithm.Topology {
	return o.topology
}

// Session is the per-request state of the protocol. It is not safe for concurrent use.
type Session struct {
	o          *Orchestrator
	req        *model.Request
	terminator *TimeoutTerminator
	tracer     *model.Tracer
	logger     *zap.Logger

	partials  []*model.PartialResult
	errors    *qrserrors.MultiError
	aborted   *qrserrors.SearchError
	lack      bool
	matchDocs uint32
	waves     int
	queried   map[string]bool
	working   []string
}

// NewSession starts the protocol for req
func (o *Orchestrator) NewSession(req *model.Request, terminator *TimeoutTerminator, tracer *model.Tracer) *Session {
	if req.ConfigClause == nil {
		req.ConfigClause = &model.ConfigClause{}
	}
	return &Session{
		o:          o,
		req:        req,
		terminator: terminator,
		tracer:     tracer,
		logger:     o.logger,
		errors:     qrserrors.NewMultiError(),
		queried:    make(map[string]bool),
	}
}

// Waves returns the number of fan-out waves attempted so far
func (s *Session) Waves() int {
	return s.waves
}

// Search runs the seek phase and returns its merged result
func (s *Session) Search(ctx context.Context) *model.MergedResult {
	start := time.Now()
	defer func() { s.o.metrics.RecordPhase(phaseSeek, time.Since(start).Seconds()) }()

	if s.req.FetchSummaryClause != nil {
		return s.directFetch()
	}

	cfg := s.req.ConfigClause
	level := s.req.LevelClause

	initial := s.addClusters(cfg.ClusterNames)
	if level != nil && level.UseLevel && level.Mode == model.BothLevel {
		for _, tier := range level.Tiers {
			initial = append(initial, s.addClusters(tier)...)
		}
	}
	s.doSearchAndResearch(ctx, initial)

	if level != nil && level.UseLevel && level.Mode == model.CheckFirstLevel {
		for _, tier := range level.Tiers {
			if s.matchDocs >= level.MinDocs || s.aborted != nil {
				break
			}
			fresh := s.addClusters(tier)
			if len(fresh) == 0 {
				continue
			}
			s.o.metrics.RecordLevelTier()
			s.tracer.Tracef(model.TraceInfo, "level fallback to %v, match docs %d < %d", fresh, s.matchDocs, level.MinDocs)
			s.doSearchAndResearch(ctx, fresh)
		}
	}

	merged := s.o.merger.Merge(s.partials)
	merged.Errors.AddAll(s.errors)
	merged.LackResult = merged.LackResult || s.lack
	for _, cluster := range s.working {
		if _, ok := merged.CoveredRanges[cluster]; !ok {
			merged.CoveredRanges[cluster] = []model.PartitionRange{}
		}
	}

	s.assignSummaryOwners(merged)
	s.trim(merged)

	if merged.LackResult {
		s.o.metrics.RecordLackResult()
	}
	s.logger.Debug("Seek phase finished",
		zap.Int("waves", s.waves),
		zap.Int("hits", len(merged.Hits)),
		zap.Uint32("match_docs", s.matchDocs),
		zap.Int("errors", merged.Errors.Len()),
		zap.Bool("lack_result", merged.LackResult))
	return merged
}

// addClusters marks names as queried and returns the ones not seen before, in order
func (s *Session) addClusters(names []string) []string {
	var fresh []string
	for _, name := range names {
		if name == "" || s.queried[name] {
			continue
		}
		s.queried[name] = true
		s.working = append(s.working, name)
		fresh = append(fresh, name)
	}
	return fresh
}

// doSearchAndResearch runs one wave against clusters and repeats it once without the truncate
// optimizer when the wave matched suspiciously few documents.
func (s *Session) doSearchAndResearch(ctx context.Context, clusters []string) {
	partials, ok := s.doSearch(ctx, clusters)
	if !ok {
		return
	}

	if s.needResearch(partials) {
		s.req.ConfigClause.UseTruncateOptimizer = false
		s.o.metrics.RecordResearch()
		s.tracer.Tracef(model.TraceInfo, "research %v, match docs %d < %d",
			clusters, actualMatchDocs(partials), s.req.ConfigClause.ResearchThreshold)

		// A failed research wave falls back to what the first wave found.
		if retry, ok := s.doSearch(ctx, clusters); ok {
			partials = retry
		}
	}

	s.partials = append(s.partials, partials...)
	s.matchDocs += actualMatchDocs(partials)
}

func (s *Session) needResearch(partials []*model.PartialResult) bool {
	truncated := false
	for _, p := range partials {
		if p.UseTruncateOptimizer {
			truncated = true
			break
		}
	}
	return truncated && actualMatchDocs(partials) < s.req.ConfigClause.ResearchThreshold
}

func actualMatchDocs(partials []*model.PartialResult) uint32 {
	var n uint32
	for _, p := range partials {
		n += p.ActualMatchDocs
	}
	return n
}

// doSearch issues one seek wave. It reports false when the wave produced nothing usable.
func (s *Session) doSearch(ctx context.Context, clusters []string) ([]*model.PartialResult, bool) {
	if s.aborted != nil || len(clusters) == 0 {
		return nil, false
	}
	s.waves++

	timeout, ok := s.preflight(phaseSeek)
	if !ok {
		return nil, false
	}

	requests, err := s.buildSearchRequests(clusters, timeout)
	if err != nil {
		s.errors.Add(qrserrors.InternalError("encode search request", err))
		return nil, false
	}

	set, ok := s.issue(ctx, phaseSeek, requests, timeout)
	if !ok {
		return nil, false
	}

	partials := make([]*model.PartialResult, 0, len(set.Replies))
	for _, reply := range set.Replies {
		partials = append(partials, s.toPartial(reply))
	}
	s.tracer.Tracef(model.TraceDebug, "seek wave %d: %d/%d replies", s.waves, len(set.Replies), set.Expected)
	return partials, true
}

// preflight checks the budget before a wave and returns the per-call timeout.
// An exhausted budget aborts every remaining wave of the request.
func (s *Session) preflight(phase string) (time.Duration, bool) {
	if s.terminator.Expired() {
		err := qrserrors.ProcessTimeout(phase, s.waves)
		s.aborted = err
		s.errors.Add(err)
		s.o.metrics.RecordPhaseTimeout(phase)
		s.logger.Error("Request budget exhausted before wave",
			zap.String("phase", phase),
			zap.Int("wave", s.waves),
			zap.Duration("elapsed", s.terminator.Elapsed()))
		return 0, false
	}

	cfg := s.req.ConfigClause
	configured := cfg.RPCTimeout
	if configured <= 0 {
		configured = s.o.rpcTimeout
	}
	timeout := s.terminator.Clamp(configured)
	cfg.RPCTimeout = timeout
	return timeout, true
}

// issue submits requests as one batch and joins it. An empty reply set is fatal to the wave.
func (s *Session) issue(ctx context.Context, phase string, requests []*client.RPCRequest, timeout time.Duration) (*client.ReplySet, bool) {
	s.o.metrics.RecordWave(phase)

	batch, err := s.o.fanout.Submit(ctx, requests)
	if err != nil {
		if ctx.Err() != nil {
			abort := qrserrors.ProcessTimeout(phase, s.waves).WithDetail("cause", err.Error())
			s.aborted = abort
			s.errors.Add(abort)
			s.o.metrics.RecordPhaseTimeout(phase)
			return nil, false
		}
		s.errors.Add(qrserrors.MultiCallError("", "submit failed", err))
		s.lack = true
		return nil, false
	}

	set := s.o.fanout.Join(batch, time.Now().Add(timeout))
	if set.Missing() > 0 {
		s.lack = true
	}
	if len(set.Replies) == 0 {
		s.errors.Add(qrserrors.MultiCallError("", "no responder replied", nil).
			WithDetail("phase", phase).
			WithDetail("expected", set.Expected))
		s.logger.Error("Wave got no replies",
			zap.String("phase", phase),
			zap.Int("wave", s.waves),
			zap.Int("expected", set.Expected))
		return nil, false
	}
	return set, true
}

func (s *Session) buildSearchRequests(clusters []string, timeout time.Duration) ([]*client.RPCRequest, error) {
	req := s.req
	cfg := req.ConfigClause

	msg := protocol.SearchRequest{
		Version:              protocol.Version,
		Start:                0,
		Hit:                  cfg.StartOffset + cfg.HitCount,
		UseTruncateOptimizer: cfg.UseTruncateOptimizer,
		TimeoutMs:            timeout.Milliseconds(),
		TraceLevel:           int(cfg.TraceLevel),
		KV:                   req.KVPairs,
	}
	if req.QueryClause != nil {
		msg.Query = req.QueryClause.Text
	}
	if req.FilterClause != nil {
		msg.Filter = req.FilterClause.Expr
	}
	if req.RankClause != nil {
		msg.Rank = req.RankClause.Profile
	}
	if req.SortClause != nil {
		msg.Sort = req.SortClause.Fields
	}
	if req.AuxQueryClause != nil {
		msg.Aux = req.AuxQueryClause.Text
	}

	var requests []*client.RPCRequest
	for _, cluster := range clusters {
		partitions := []int{-1}
		if req.ClusterClause != nil && len(req.ClusterClause.PartitionIDs[cluster]) > 0 {
			partitions = req.ClusterClause.PartitionIDs[cluster]
		}
		for _, pid := range partitions {
			msg.Cluster = cluster
			msg.PartitionID = pid
			body, err := protocol.Encode(&msg)
			if err != nil {
				return nil, err
			}
			requests = append(requests, &client.RPCRequest{
				ClusterName: cluster,
				PartitionID: pid,
				Method:      protocol.MethodSearch,
				Body:        body,
				Timeout:     timeout,
			})
		}
	}
	return requests, nil
}

// toPartial converts one reply. Failures become error-only partials.
func (s *Session) toPartial(reply *client.Reply) *model.PartialResult {
	cluster := reply.RespondingClusterName()
	if reply.IsFailed() {
		s.o.metrics.RecordRPC(cluster, phaseSeek, reply.ErrorCode().String(), reply.Latency.Seconds())
		s.logger.Warn("Backend search failed",
			zap.String("cluster", cluster),
			zap.Int("partition", reply.PartitionID),
			zap.String("code", reply.ErrorCode().String()),
			zap.Error(reply.Err))
		return model.NewErrorPartialResult(cluster,
			qrserrors.MultiCallError(cluster, fmt.Sprintf("search rpc failed with %s", reply.ErrorCode()), reply.Err))
	}

	resp, err := s.decodeSearch(reply)
	if err != nil {
		s.o.metrics.RecordRPC(cluster, phaseSeek, "invalid", reply.Latency.Seconds())
		s.logger.Warn("Invalid search response",
			zap.String("cluster", cluster),
			zap.Error(err))
		return model.NewErrorPartialResult(cluster, qrserrors.SearchResponseInvalid(cluster, err))
	}

	s.o.metrics.RecordRPC(cluster, phaseSeek, "ok", reply.Latency.Seconds())
	s.tracer.Absorb(cluster, resp.Trace)
	return resp.ToPartialResult(cluster)
}

func (s *Session) decodeSearch(reply *client.Reply) (*protocol.SearchResponse, error) {
	if v := reply.ProtocolVersion(); v != 0 && v != protocol.Version {
		return nil, fmt.Errorf("responder speaks protocol version %d", v)
	}
	return protocol.DecodeSearchResponse(reply.Payload())
}

// summaryOwner resolves the cluster holding summaries of hits produced by cluster
func (s *Session) summaryOwner(cluster string) string {
	if owner, ok := s.req.SummaryClusterOverride(cluster); ok {
		return owner
	}
	return s.o.topology.SummaryOwner(cluster)
}

// assignSummaryOwners routes every hit to the cluster owning its summary
func (s *Session) assignSummaryOwners(merged *model.MergedResult) {
	allHavePK := len(merged.Hits) > 0
	for _, hit := range merged.Hits {
		owner := s.summaryOwner(hit.ClusterName)
		hit.SummaryCluster = owner

		info, known := s.o.topology.Cluster(owner)
		if known {
			hit.Ref.ClusterID = info.ID
			if hit.RawPK != "" && (owner != hit.ClusterName || !hit.HasPrimaryKey) {
				hit.Ref.HashID = info.Hasher.HashID(hit.RawPK)
				hit.Ref.PrimaryKey = algorithm.PrimaryKeyOf(hit.RawPK)
				hit.HasPrimaryKey = true
			}
		}
		if !hit.HasPrimaryKey {
			allHavePK = false
		}
	}

	cfg := s.req.ConfigClause
	if allHavePK && cfg.FetchSummaryType == model.FetchSummaryByDocID {
		cfg.FetchSummaryType = model.FetchSummaryByPK
	}
}

// trim cuts the ranked hits down to the requested window
func (s *Session) trim(merged *model.MergedResult) {
	cfg := s.req.ConfigClause
	if cfg.HitCount <= 0 && cfg.StartOffset <= 0 {
		return
	}
	start := cfg.StartOffset
	if start > len(merged.Hits) {
		start = len(merged.Hits)
	}
	end := len(merged.Hits)
	if cfg.HitCount > 0 && start+cfg.HitCount < end {
		end = start + cfg.HitCount
	}
	merged.Hits = merged.Hits[start:end]
}

// directFetch builds hits for a summary-only request without a seek wave
func (s *Session) directFetch() *model.MergedResult {
	clause := s.req.FetchSummaryClause
	merged := model.NewMergedResult()
	s.addClusters([]string{clause.Cluster})
	merged.CoveredRanges[clause.Cluster] = []model.PartitionRange{}

	for _, raw := range clause.RawPKs {
		merged.Hits = append(merged.Hits, &model.Hit{
			ClusterName: clause.Cluster,
			RawPK:       raw,
		})
	}
	s.assignSummaryOwners(merged)
	s.req.ConfigClause.FetchSummaryType = model.FetchSummaryByRawPK
	merged.SuccessfulResponders = 1
	return merged
}
