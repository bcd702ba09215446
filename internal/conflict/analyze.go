package conflict

import (
	"github.com/mirrorkv/mirrorkv/internal/model"
)

// Analysis grades a detected conflict and recommends a strategy.
type Analysis struct {
	Severity            model.Severity `json:"severity"`
	AutoResolvable      bool           `json:"autoResolvable"`
	RecommendedStrategy model.Strategy `json:"recommendedStrategy"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// Analyze maps a detection to severity, auto-resolvability, and a
// recommended strategy:
//
//	version_mismatch            -> high, merge
//	concurrent_update (< 1s)    -> critical, first-write-wins
//	concurrent_update (>= 1s)   -> high, first-write-wins
//	schema_change               -> critical, manual, not auto-resolvable
//	anything else               -> low
func Analyze(d *Detection) Analysis {
	if d == nil {
		return Analysis{
			Severity:            model.SeverityLow,
			AutoResolvable:      true,
			RecommendedStrategy: model.StrategyLastWriteWins,
		}
	}

	switch d.Type {
	case model.ConflictVersionMismatch:
		return Analysis{
			Severity:            model.SeverityHigh,
			AutoResolvable:      true,
			RecommendedStrategy: model.StrategyMerge,
			Metadata:            d.Details,
		}
	case model.ConflictConcurrentUpdate:
		severity := model.SeverityHigh
		if deltaMs, ok := d.Details["deltaMs"].(int64); ok && deltaMs < 1000 {
			severity = model.SeverityCritical
		}
		return Analysis{
			Severity:            severity,
			AutoResolvable:      true,
			RecommendedStrategy: model.StrategyFirstWriteWins,
			Metadata:            d.Details,
		}
	case model.ConflictSchemaChange:
		return Analysis{
			Severity:            model.SeverityCritical,
			AutoResolvable:      false,
			RecommendedStrategy: model.StrategyManual,
			Metadata:            d.Details,
		}
	default:
		return Analysis{
			Severity:            model.SeverityLow,
			AutoResolvable:      true,
			RecommendedStrategy: model.StrategyLastWriteWins,
			Metadata:            d.Details,
		}
	}
}
