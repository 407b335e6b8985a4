package chain

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	qrserrors "github.com/devrev/qrs/internal/errors"
	"github.com/devrev/qrs/internal/model"
)

// Clause string syntax:
//
//	config=cluster:c1;c2,start:0,hit:10,trace:INFO&&query=phone&&level=tiers:c3|c4;c5,min_docs:100
//
// Clauses are separated by "&&". Inside config, level, cluster, fetch_summary and kvpairs,
// options are comma separated key:value pairs and lists use ';'.
const (
	clauseSeparator = "&&"
	optionSeparator = ","
	listSeparator   = ";"
	tierSeparator   = "|"
)

// ParseProcessor fills the request clauses from its raw clause string
type ParseProcessor struct {
	BaseProcessor
}

// Name implements RequestProcessor
func (p *ParseProcessor) Name() string { return ParseProcessorName }

// Clone implements RequestProcessor
func (p *ParseProcessor) Clone() RequestProcessor { return &ParseProcessor{} }

// Process implements RequestProcessor
func (p *ParseProcessor) Process(ctx context.Context, req *model.Request, res *model.MergedResult) {
	if res.HasError() {
		return
	}
	if req.RawQuery != "" {
		if err := ParseClauses(req.RawQuery, req); err != nil {
			p.Logger().Debug("Failed to parse request", zap.String("query", req.RawQuery), zap.Error(err))
			res.AddError(qrserrors.ParseError(err.Error(), err))
			return
		}
	} else if req.ConfigClause == nil && req.QueryClause == nil && req.FetchSummaryClause == nil {
		res.AddError(qrserrors.ParseError("empty request", nil))
		return
	}
	if req.ConfigClause == nil {
		req.ConfigClause = &model.ConfigClause{}
	}

	env := p.Env()
	if level := req.ConfigClause.TraceLevel; level != model.TraceOff && env.Tracer == nil {
		env.Tracer = model.NewTracer(level)
	}
	env.Tracer.Tracef(model.TraceDebug, "parsed request %q", req.RawQuery)

	p.ProcessNext(ctx, req, res)
}

// ParseClauses parses raw into req, replacing the clauses it names
func ParseClauses(raw string, req *model.Request) error {
	for _, part := range strings.Split(raw, clauseSeparator) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("clause %q has no '='", part)
		}
		var err error
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "config":
			req.ConfigClause, err = parseConfig(value)
		case "query":
			req.QueryClause = &model.QueryClause{Text: value}
		case "filter":
			req.FilterClause = &model.FilterClause{Expr: value}
		case "rank":
			req.RankClause = &model.RankClause{Profile: value}
		case "sort":
			req.SortClause = parseSort(value)
		case "aux_query":
			req.AuxQueryClause = &model.AuxQueryClause{Text: value}
		case "level":
			req.LevelClause, err = parseLevel(value)
		case "cluster":
			req.ClusterClause, err = parseCluster(value)
		case "fetch_summary":
			req.FetchSummaryClause, err = parseFetchSummary(value)
		case "kvpairs":
			req.KVPairs, err = parsePairs(value)
		default:
			return fmt.Errorf("unknown clause %q", name)
		}
		if err != nil {
			return fmt.Errorf("%s clause: %w", name, err)
		}
	}
	return nil
}

func parsePairs(value string) (map[string]string, error) {
	pairs := make(map[string]string)
	for _, opt := range strings.Split(value, optionSeparator) {
		if strings.TrimSpace(opt) == "" {
			continue
		}
		k, v, ok := strings.Cut(opt, ":")
		if !ok {
			return nil, fmt.Errorf("option %q is not key:value", opt)
		}
		pairs[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return pairs, nil
}

func splitList(value, sep string) []string {
	var out []string
	for _, item := range strings.Split(value, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBool(key, value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("%s: %q is not a boolean", key, value)
}

func parseConfig(value string) (*model.ConfigClause, error) {
	pairs, err := parsePairs(value)
	if err != nil {
		return nil, err
	}
	cfg := &model.ConfigClause{}
	for key, v := range pairs {
		switch key {
		case "cluster":
			cfg.ClusterNames = splitList(v, listSeparator)
		case "start":
			cfg.StartOffset, err = strconv.Atoi(v)
		case "hit":
			cfg.HitCount, err = strconv.Atoi(v)
		case "fetch_summary_type":
			cfg.FetchSummaryType, err = model.ParseFetchSummaryType(v)
		case "research_threshold":
			var n uint64
			n, err = strconv.ParseUint(v, 10, 32)
			cfg.ResearchThreshold = uint32(n)
		case "degrade_level":
			cfg.DegradeLevel, err = strconv.ParseFloat(v, 64)
		case "timeout":
			var ms int
			ms, err = strconv.Atoi(v)
			cfg.RPCTimeout = time.Duration(ms) * time.Millisecond
		case "use_truncate_optimizer":
			cfg.UseTruncateOptimizer, err = parseBool(key, v)
		case "allow_lack_summary":
			var allow bool
			allow, err = parseBool(key, v)
			cfg.DisallowLackSummary = !allow
		case "summary_profile":
			cfg.SummaryProfile = v
		case "fetch_summary_cluster":
			cfg.FetchSummaryClusters, err = parseOwnerMap(v)
		case "trace":
			cfg.TraceLevel = model.ParseTraceLevel(v)
		default:
			return nil, fmt.Errorf("unknown option %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("option %s: %w", key, err)
		}
	}
	return cfg, nil
}

// parseOwnerMap reads "c1>s1;c2>s2"
func parseOwnerMap(value string) (map[string]string, error) {
	owners := make(map[string]string)
	for _, item := range splitList(value, listSeparator) {
		from, to, ok := strings.Cut(item, ">")
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("%q is not cluster>owner", item)
		}
		owners[from] = to
	}
	return owners, nil
}

// parseSort reads "-price;+id"; a field without sign sorts ascending
func parseSort(value string) *model.SortClause {
	clause := &model.SortClause{}
	for _, item := range splitList(value, listSeparator) {
		field := model.SortField{Field: item, Ascending: true}
		switch item[0] {
		case '-':
			field.Field, field.Ascending = item[1:], false
		case '+':
			field.Field = item[1:]
		}
		clause.Fields = append(clause.Fields, field)
	}
	return clause
}

func parseLevel(value string) (*model.LevelClause, error) {
	pairs, err := parsePairs(value)
	if err != nil {
		return nil, err
	}
	level := &model.LevelClause{Mode: model.CheckFirstLevel, UseLevel: true}
	for key, v := range pairs {
		switch key {
		case "tiers":
			for _, tier := range splitList(v, tierSeparator) {
				level.Tiers = append(level.Tiers, splitList(tier, listSeparator))
			}
		case "min_docs":
			var n uint64
			n, err = strconv.ParseUint(v, 10, 32)
			level.MinDocs = uint32(n)
		case "mode":
			level.Mode, err = model.ParseLevelQueryMode(v)
		case "use_level":
			level.UseLevel, err = parseBool(key, v)
		default:
			return nil, fmt.Errorf("unknown option %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("option %s: %w", key, err)
		}
	}
	return level, nil
}

// parseCluster reads "c1:0;1,c2"; a cluster without ids is queried whole
func parseCluster(value string) (*model.ClusterClause, error) {
	clause := &model.ClusterClause{PartitionIDs: make(map[string][]int)}
	for _, entry := range splitList(value, optionSeparator) {
		name, ids, _ := strings.Cut(entry, ":")
		clause.Clusters = append(clause.Clusters, name)
		for _, id := range splitList(ids, listSeparator) {
			pid, err := strconv.Atoi(id)
			if err != nil {
				return nil, fmt.Errorf("cluster %s: bad partition id %q", name, id)
			}
			clause.PartitionIDs[name] = append(clause.PartitionIDs[name], pid)
		}
	}
	return clause, nil
}

func parseFetchSummary(value string) (*model.FetchSummaryClause, error) {
	pairs, err := parsePairs(value)
	if err != nil {
		return nil, err
	}
	clause := &model.FetchSummaryClause{}
	for key, v := range pairs {
		switch key {
		case "cluster":
			clause.Cluster = v
		case "pks":
			clause.RawPKs = splitList(v, listSeparator)
		default:
			return nil, fmt.Errorf("unknown option %q", key)
		}
	}
	return clause, nil
}
