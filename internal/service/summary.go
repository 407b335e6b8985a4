package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/qrs/internal/client"
	qrserrors "github.com/devrev/qrs/internal/errors"
	"github.com/devrev/qrs/internal/model"
	"github.com/devrev/qrs/internal/protocol"
	"github.com/devrev/qrs/internal/store"
)

// FillSummary runs the summary phase, filling res.Hits in place by position
func (s *Session) FillSummary(ctx context.Context, res *model.MergedResult) {
	if res.SummaryInline || len(res.Hits) == 0 {
		return
	}
	start := time.Now()
	defer func() { s.o.metrics.RecordPhase(phaseSummary, time.Since(start).Seconds()) }()

	// A timeout of the seek phase does not stop the summary phase. Seek errors already live on res.
	s.aborted = nil
	s.errors = qrserrors.NewMultiError()
	s.waves++
	timeout, ok := s.preflight(phaseSummary)
	if !ok {
		s.flushErrors(res)
		s.countLack(res)
		return
	}

	cfg := s.req.ConfigClause
	batch := s.groupByOwner(res)

	requests, err := s.buildSummaryRequests(batch, cfg, timeout)
	if err != nil {
		res.AddError(qrserrors.InternalError("encode summary request", err))
		s.countLack(res)
		return
	}

	set, ok := s.issue(ctx, phaseSummary, requests, timeout)
	if ok {
		for _, reply := range set.Replies {
			s.mergeSummaryReply(res, batch, reply)
		}
		if set.Missing() > 0 {
			s.logger.Warn("Summary phase missing replies",
				zap.Int("expected", set.Expected),
				zap.Int("received", len(set.Replies)))
		}
	}
	s.flushErrors(res)
	s.countLack(res)
}

// groupByOwner builds the per-cluster batch and stamps cached schema signatures
func (s *Session) groupByOwner(res *model.MergedResult) model.DocRefBatch {
	batch := model.DocRefBatch{}
	for i, hit := range res.Hits {
		owner := hit.SummaryCluster
		if owner == "" {
			owner = s.summaryOwner(hit.ClusterName)
			hit.SummaryCluster = owner
		}
		group, created := batch.Add(owner, i, hit.Ref, hit.RawPK)
		if !created || s.o.cache == nil {
			continue
		}
		cached, found := s.o.cache.Get(s.schemaKey(owner))
		s.o.metrics.RecordSchemaCacheLookup(found)
		if found {
			group.SchemaSignature = cached.Signature
		}
	}
	return batch
}

func (s *Session) schemaKey(cluster string) store.SchemaKey {
	return store.SchemaKey{Cluster: cluster, Profile: s.req.ConfigClause.SummaryProfile}
}

func (s *Session) buildSummaryRequests(batch model.DocRefBatch, cfg *model.ConfigClause, timeout time.Duration) ([]*client.RPCRequest, error) {
	owners := make([]string, 0, len(batch))
	for owner := range batch {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	requests := make([]*client.RPCRequest, 0, len(owners))
	for _, owner := range owners {
		group := batch[owner]
		msg := &protocol.SummaryRequest{
			Version:         protocol.Version,
			Cluster:         owner,
			Type:            cfg.FetchSummaryType.String(),
			Refs:            group.Refs,
			SchemaSignature: group.SchemaSignature,
			Profile:         cfg.SummaryProfile,
			TimeoutMs:       timeout.Milliseconds(),
			TraceLevel:      int(cfg.TraceLevel),
		}
		if cfg.FetchSummaryType != model.FetchSummaryByDocID {
			msg.RawPKs = group.RawPKs
		}
		body, err := protocol.Encode(msg)
		if err != nil {
			return nil, err
		}
		requests = append(requests, &client.RPCRequest{
			ClusterName: owner,
			PartitionID: -1,
			Method:      protocol.MethodSummary,
			Body:        body,
			Timeout:     timeout,
		})
	}
	return requests, nil
}

// mergeSummaryReply writes one cluster's summaries onto the hits they were requested for
func (s *Session) mergeSummaryReply(res *model.MergedResult, batch model.DocRefBatch, reply *client.Reply) {
	cluster := reply.RespondingClusterName()
	group, ok := batch[cluster]
	if !ok {
		res.AddError(qrserrors.SearchResponseInvalid(cluster, fmt.Errorf("unexpected summary responder")))
		return
	}

	if reply.IsFailed() {
		s.o.metrics.RecordRPC(cluster, phaseSummary, reply.ErrorCode().String(), reply.Latency.Seconds())
		s.logger.Warn("Backend summary failed",
			zap.String("cluster", cluster),
			zap.String("code", reply.ErrorCode().String()),
			zap.Error(reply.Err))
		res.AddError(qrserrors.MultiCallError(cluster,
			fmt.Sprintf("summary rpc failed with %s", reply.ErrorCode()), reply.Err))
		return
	}

	resp, err := s.decodeSummary(reply)
	if err == nil {
		err = s.applySummaries(res, group, resp)
	}
	if err != nil {
		s.o.metrics.RecordRPC(cluster, phaseSummary, "invalid", reply.Latency.Seconds())
		s.logger.Warn("Invalid summary response",
			zap.String("cluster", cluster),
			zap.Error(err))
		res.AddError(qrserrors.SearchResponseInvalid(cluster, err))
		return
	}

	s.o.metrics.RecordRPC(cluster, phaseSummary, "ok", reply.Latency.Seconds())
	s.tracer.Absorb(cluster, resp.Trace)
	for _, e := range resp.SearchErrors(cluster) {
		res.AddError(e)
	}
}

func (s *Session) decodeSummary(reply *client.Reply) (*protocol.SummaryResponse, error) {
	if v := reply.ProtocolVersion(); v != 0 && v != protocol.Version {
		return nil, fmt.Errorf("responder speaks protocol version %d", v)
	}
	return protocol.DecodeSummaryResponse(reply.Payload())
}

// applySummaries resolves the schema of resp and fills the group's hits
func (s *Session) applySummaries(res *model.MergedResult, group *model.DocRefGroup, resp *protocol.SummaryResponse) error {
	schema, err := s.resolveSchema(group, resp)
	if err != nil {
		return err
	}
	for _, summary := range resp.Summaries {
		if summary.Index >= len(group.Positions) {
			return fmt.Errorf("summary index %d beyond %d requested documents", summary.Index, len(group.Positions))
		}
		res.Hits[group.Positions[summary.Index]].Summary = &model.Summary{
			Schema: schema,
			Values: summary.Values,
		}
	}
	return nil
}

// resolveSchema returns the schema resp refers to. A schema sent in full replaces the cached
// entry; the cache keeps its own copy so responses never share it.
func (s *Session) resolveSchema(group *model.DocRefGroup, resp *protocol.SummaryResponse) (*model.SummarySchema, error) {
	key := s.schemaKey(group.Cluster)

	if len(resp.Fields) > 0 {
		schema := model.NewSummarySchema(resp.Fields)
		if resp.SchemaSignature != 0 {
			schema.Signature = resp.SchemaSignature
		}
		if s.o.cache != nil && s.o.cache.Put(key, schema) {
			s.o.metrics.RecordSchemaCacheUpdate(s.o.cache.Size())
		}
		return schema, nil
	}

	if len(resp.Summaries) == 0 {
		return nil, nil
	}
	if s.o.cache != nil {
		if cached, ok := s.o.cache.Get(key); ok && cached.Signature == resp.SchemaSignature {
			return cached, nil
		}
	}
	return nil, fmt.Errorf("summary schema %d unknown", resp.SchemaSignature)
}

// flushErrors copies summary-phase wave errors, such as timeouts, onto res
func (s *Session) flushErrors(res *model.MergedResult) {
	for _, err := range s.errors.Errors() {
		res.AddError(err)
	}
}

// countLack records hits left without a summary, in total and per owning cluster.
// Lacks are never fatal.
func (s *Session) countLack(res *model.MergedResult) {
	lack := 0
	byCluster := make(map[string]int)
	for _, hit := range res.Hits {
		if hit.Summary != nil {
			continue
		}
		lack++
		owner := hit.SummaryCluster
		if owner == "" {
			owner = hit.ClusterName
		}
		byCluster[owner]++
	}
	res.SummaryLackCount = lack
	res.SummaryLackByCluster = byCluster
	unexpected := s.req.ConfigClause.DisallowLackSummary
	if unexpected {
		res.UnexpectedSummaryLackCount = lack
	}
	for cluster, n := range byCluster {
		s.o.metrics.RecordSummaryLack(cluster, n, !unexpected)
	}

	if lack > 0 {
		s.tracer.Tracef(model.TraceInfo, "summary lack %d of %d hits", lack, len(res.Hits))
	}
}
