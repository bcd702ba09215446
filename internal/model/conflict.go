package model

import (
	"encoding/json"
	"time"
)

// ConflictType classifies what the detector observed.
type ConflictType string

const (
	ConflictVersionMismatch  ConflictType = "version_mismatch"
	ConflictConcurrentUpdate ConflictType = "concurrent_update"
	ConflictSchemaChange     ConflictType = "schema_change"
	ConflictDataCorruption   ConflictType = "data_corruption"
)

// ConflictStatus is the lifecycle state of a conflict record.
type ConflictStatus string

const (
	ConflictPending   ConflictStatus = "pending"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictEscalated ConflictStatus = "escalated"
)

// Strategy names a conflict resolution strategy.
type Strategy string

const (
	StrategyLastWriteWins  Strategy = "last-write-wins"
	StrategyFirstWriteWins Strategy = "first-write-wins"
	StrategyMerge          Strategy = "merge"
	StrategyManual         Strategy = "manual"
	StrategyAIAssisted     Strategy = "ai-assisted"
)

// Severity grades a detected conflict for triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ConflictRecord is the audit trail entry for one detected conflict.
// ResolvedValue and ResolvedAt are set iff Status is resolved; once
// resolved the record is immutable except for HumanReviewed.
type ConflictRecord struct {
	ID               string          `json:"id"`
	ItemID           string          `json:"itemId"`
	UserID           string          `json:"userId"`
	Type             ConflictType    `json:"conflictType"`
	OriginalValue    json.RawMessage `json:"originalValue"`
	ConflictingValue json.RawMessage `json:"conflictingValue"`
	Strategy         Strategy        `json:"resolutionStrategy"`
	ResolvedValue    json.RawMessage `json:"resolvedValue,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	Confidence       float64         `json:"confidence"`
	Status           ConflictStatus  `json:"status"`
	CreatedAt        time.Time       `json:"createdAt"`
	ResolvedAt       *time.Time      `json:"resolvedAt,omitempty"`
	AIModel          string          `json:"aiModel,omitempty"`
	HumanReviewed    bool            `json:"humanReviewed"`
}

// ConflictStats aggregates records over a time range.
type ConflictStats struct {
	Total              int                  `json:"total"`
	Resolved           int                  `json:"resolved"`
	Pending            int                  `json:"pending"`
	Escalated          int                  `json:"escalated"`
	AutoResolutionRate float64              `json:"autoResolutionRate"`
	ByType             map[ConflictType]int `json:"byType"`
}
