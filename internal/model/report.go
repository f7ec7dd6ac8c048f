package model

// IssueCategory groups quality issues so the gate can route them.
type IssueCategory string

const (
	IssueMissingEntityType  IssueCategory = "missing_entity_type"
	IssueLowBlockCoverage   IssueCategory = "low_block_coverage"
	IssueLowEntityCount     IssueCategory = "low_entity_count"
	IssueDuplicateEntity    IssueCategory = "duplicate_entity"
	IssueLowRelationDensity IssueCategory = "low_relation_density"
	IssueSchemaViolation    IssueCategory = "schema_violation"
	IssueDanglingReference  IssueCategory = "dangling_reference"
	IssueStageFailure       IssueCategory = "stage_failure"
	IssueMalformedResponse  IssueCategory = "malformed_response"
	IssueUnsupportedType    IssueCategory = "unsupported_type"
	IssueReview             IssueCategory = "review"
	IssueUnroutable         IssueCategory = "unroutable"
)

// Issue is a single quality finding attributed to a stage.
type Issue struct {
	Stage       StageID       `json:"stage"`
	Category    IssueCategory `json:"category"`
	Description string        `json:"description"`
}

// QualityReport is the outcome of one quality-check pass.
type QualityReport struct {
	Score                      float64            `json:"score"`
	Passed                     bool               `json:"passed"`
	Signals                    map[string]float64 `json:"signals,omitempty"`
	Issues                     []Issue            `json:"issues"`
	RecommendedBacktrackTarget StageID            `json:"recommended_backtrack_target,omitempty"`
}
