package schema

import (
	"encoding/json"
	"time"
)

// Version is the schema version stamped on every persisted record.
const Version = "1.0"

// Severity is the triage classification of an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Route is the triage disposition controlling pipeline escalation.
type Route string

const (
	// RouteDuplicateNoisy marks a suppression candidate; the pipeline stops here.
	RouteDuplicateNoisy Route = "A_DUPLICATE_NOISY"

	// RouteLowConfidence needs enrichment; advances to correlation flagged for review.
	RouteLowConfidence Route = "B_LOW_CONFIDENCE"

	// RouteHighConfidence advances to correlation as a priority item.
	RouteHighConfidence Route = "C_HIGH_CONFIDENCE"

	// RouteLikelyBenign is a closure candidate; the pipeline stops here.
	RouteLikelyBenign Route = "D_LIKELY_BENIGN"
)

// Advances reports whether the route escalates the alert to the correlation stage.
func (r Route) Advances() bool {
	return r == RouteLowConfidence || r == RouteHighConfidence
}

// Status tracks where a stage record is in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// EntityType classifies an extracted observable.
type EntityType string

const (
	EntityHost           EntityType = "host"
	EntityHostname       EntityType = "hostname"
	EntityIP             EntityType = "ip"
	EntityUser           EntityType = "user"
	EntityHash           EntityType = "hash"
	EntityFilePath       EntityType = "file_path"
	EntityRuleID         EntityType = "rule_id"
	EntityMitreTechnique EntityType = "mitre_technique"
	EntityCVE            EntityType = "cve"
)

// Entity is a typed observable extracted from an alert.
type Entity struct {
	Type       EntityType `json:"type"`
	Value      string     `json:"value"`
	Source     string     `json:"source"`
	Confidence float64    `json:"confidence"`
}

// Key returns the identity of an entity for set comparisons and graph upserts.
func (e Entity) Key() string {
	return string(e.Type) + ":" + e.Value
}

// MitreTechnique is one ATT&CK mapping from the alert rule metadata.
type MitreTechnique struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Tactic string `json:"tactic"`
}

// AgentInfo identifies the monitored endpoint that raised the alert.
type AgentInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	IP   string `json:"ip,omitempty"`
	OS   string `json:"os,omitempty"`
}

// DedupResult is the outcome of the similarity check against the recent window.
type DedupResult struct {
	IsDuplicate     bool    `json:"isDuplicate"`
	SimilarityScore float64 `json:"similarityScore"`
	SimilarTriageID string  `json:"similarTriageId,omitempty"`
}

// TriageObject is the per-alert record emitted by the triage stage.
// Immutable once completed, except for attaching a caseLink.
type TriageObject struct {
	TriageID      string `json:"triageId"`
	AlertID       string `json:"alertId"`
	SchemaVersion string `json:"schemaVersion"`

	RuleID          string    `json:"ruleId,omitempty"`
	RuleDescription string    `json:"ruleDescription,omitempty"`
	RuleLevel       int       `json:"ruleLevel"`
	AlertTimestamp  string    `json:"alertTimestamp,omitempty"`
	Agent           AgentInfo `json:"agent"`
	AlertFamily     string    `json:"alertFamily,omitempty"`

	Severity           Severity `json:"severity"`
	SeverityConfidence float64  `json:"severityConfidence"`
	SeverityReasoning  string   `json:"severityReasoning,omitempty"`

	Entities     []Entity         `json:"entities"`
	MitreMapping []MitreTechnique `json:"mitreMapping"`

	Dedup DedupResult `json:"dedup"`

	Route          Route  `json:"route"`
	RouteReasoning string `json:"routeReasoning,omitempty"`

	Summary       string   `json:"summary,omitempty"`
	KeyEvidence   []string `json:"keyEvidence,omitempty"`
	Uncertainties []string `json:"uncertainties,omitempty"`

	CaseLink string          `json:"caseLink,omitempty"`
	RawAlert json.RawMessage `json:"rawAlert,omitempty"`

	TriagedAt    time.Time `json:"triagedAt"`
	TriagedBy    string    `json:"triagedBy,omitempty"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	LatencyMs    int64     `json:"latencyMs"`
	TokensUsed   int       `json:"tokensUsed"`
}

// TimeWindow bounds the evidence gathered by a correlation run.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// EvidenceItem is an excerpt of a related triage inside the correlation window.
type EvidenceItem struct {
	TriageID        string    `json:"triageId"`
	AlertID         string    `json:"alertId"`
	RuleID          string    `json:"ruleId,omitempty"`
	RuleDescription string    `json:"ruleDescription,omitempty"`
	Severity        Severity  `json:"severity"`
	AgentID         string    `json:"agentId,omitempty"`
	AgentName       string    `json:"agentName,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Summary         string    `json:"summary,omitempty"`
	Entities        []Entity  `json:"entities,omitempty"`
	SharedEntities  []string  `json:"sharedEntities,omitempty"`
}

// CrossEntityLink records two entities co-occurring across evidence items.
type CrossEntityLink struct {
	EntityA     Entity `json:"entityA"`
	EntityB     Entity `json:"entityB"`
	LinkType    string `json:"linkType"`
	Occurrences int    `json:"occurrences"`
}

// RiskFactor names one contributor to the aggregated risk score.
type RiskFactor struct {
	Name         string  `json:"name"`
	Contribution float64 `json:"contribution"`
	Detail       string  `json:"detail,omitempty"`
}

// CorrelationBundle is the record emitted by one correlation run.
// Immutable; a later bundle for the same triage supersedes but never replaces it.
type CorrelationBundle struct {
	CorrelationID  string     `json:"correlationId"`
	SchemaVersion  string     `json:"schemaVersion"`
	SourceTriageID string     `json:"sourceTriageId"`
	CorrelatedAt   time.Time  `json:"correlatedAt"`
	TimeWindow     TimeWindow `json:"timeWindow"`

	EvidencePack     []EvidenceItem    `json:"evidencePack"`
	CrossEntityLinks []CrossEntityLink `json:"crossEntityLinks"`
	RiskScore        float64           `json:"riskScore"`
	RiskFactors      []RiskFactor      `json:"riskFactors"`

	CorrelationSummary  string   `json:"correlationSummary,omitempty"`
	SuggestedHypotheses []string `json:"suggestedHypotheses,omitempty"`

	Status       Status `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	LatencyMs    int64  `json:"latencyMs"`
	TokensUsed   int    `json:"tokensUsed"`
}

// CaseStatus is the lifecycle state of an investigation.
type CaseStatus string

const (
	CaseOpen          CaseStatus = "open"
	CaseInvestigating CaseStatus = "investigating"
	CaseEscalated     CaseStatus = "escalated"
	CaseResolved      CaseStatus = "resolved"
	CaseClosed        CaseStatus = "closed"
	CaseFalsePositive CaseStatus = "false_positive"
)

// Verdict is the final disposition of a terminal case.
type Verdict string

const (
	VerdictTruePositive       Verdict = "true_positive"
	VerdictFalsePositive      Verdict = "false_positive"
	VerdictBenignTruePositive Verdict = "benign_true_positive"
	VerdictInconclusive       Verdict = "inconclusive"
)

// CaseHistoryEntry records one mutation of a living case.
type CaseHistoryEntry struct {
	At    time.Time `json:"at"`
	Kind  string    `json:"kind"`
	RefID string    `json:"refId,omitempty"`
	Note  string    `json:"note,omitempty"`
}

// LivingCaseObject is the mutable aggregate tracking an ongoing investigation.
type LivingCaseObject struct {
	CaseID        string     `json:"caseId"`
	SchemaVersion string     `json:"schemaVersion"`
	Status        CaseStatus `json:"status"`

	WorkingTheory  string   `json:"workingTheory,omitempty"`
	TriageIDs      []string `json:"triageIds"`
	CorrelationIDs []string `json:"correlationIds"`
	Entities       []Entity `json:"entities,omitempty"`

	Verdict Verdict `json:"verdict,omitempty"`

	History []CaseHistoryEntry `json:"history"`

	// PriorCaseID links a fresh case opened for entities whose earlier
	// case already reached a terminal status.
	PriorCaseID string `json:"priorCaseId,omitempty"`

	OpenedAt  time.Time `json:"openedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
