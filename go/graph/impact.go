package graph

import (
	"context"
	"fmt"
	"sort"
)

// RiskBucket buckets an impact score.
type RiskBucket string

const (
	RiskLow      RiskBucket = "low"
	RiskMedium   RiskBucket = "medium"
	RiskHigh     RiskBucket = "high"
	RiskCritical RiskBucket = "critical"
)

// ImpactReport describes the blast radius of changing one function.
type ImpactReport struct {
	Function       string
	AffectedCount  int
	Affected       []string // Function ids, transitive callers.
	EntryPointHits int
	SensitivePaths int
	MaxDepth       int
	Score          float64
	Bucket         RiskBucket
	Partial        bool
}

// Impact collects the transitive callers of |functionID| and scores the
// change risk from affected count, entry-point exposure, sensitive data
// paths, and depth.
func Impact(ctx context.Context, eng Engine, functionID string) (*ImpactReport, error) {
	var start, err = eng.FunctionByID(ctx, functionID)
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, fmt.Errorf("function %q not found", functionID)
	}

	var report = &ImpactReport{Function: functionID}
	var visited = map[string]bool{functionID: true}
	var frontier = []frontierItem{{id: functionID, depth: 0}}

	for len(frontier) > 0 {
		if ctx.Err() != nil {
			report.Partial = true
			break
		}
		var item = frontier[0]
		frontier = frontier[1:]

		if item.depth > 0 {
			report.Affected = append(report.Affected, item.id)
			if item.depth > report.MaxDepth {
				report.MaxDepth = item.depth
			}

			var fn, err = eng.FunctionByID(ctx, item.id)
			if err != nil {
				return nil, err
			}
			if fn != nil && fn.IsEntryPoint {
				report.EntryPointHits++
			}
			accesses, err := eng.Accesses(ctx, item.id)
			if err != nil {
				return nil, err
			}
			for _, a := range accesses {
				if accessIsSensitive(a) {
					report.SensitivePaths++
					break
				}
			}
		}

		edges, err := eng.Callers(ctx, item.id)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if visited[e.CallerID] {
				continue
			}
			visited[e.CallerID] = true
			frontier = append(frontier, frontierItem{id: e.CallerID, depth: item.depth + 1})
		}
	}

	sort.Strings(report.Affected)
	report.AffectedCount = len(report.Affected)
	report.Score = impactScore(report)
	report.Bucket = bucketOf(report.Score)
	return report, nil
}

// impactScore weighs the collected signals into [0, 100].
func impactScore(r *ImpactReport) float64 {
	var score = float64(r.AffectedCount)*2 +
		float64(r.EntryPointHits)*10 +
		float64(r.SensitivePaths)*15 +
		float64(r.MaxDepth)*3
	if score > 100 {
		score = 100
	}
	return score
}

func bucketOf(score float64) RiskBucket {
	switch {
	case score >= 75:
		return RiskCritical
	case score >= 50:
		return RiskHigh
	case score >= 25:
		return RiskMedium
	default:
		return RiskLow
	}
}
