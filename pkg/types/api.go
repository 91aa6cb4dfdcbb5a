package types

// Package types defines public API types of the hydrodiag-ai conversational
// endpoint.
//
// These types define the REST and WebSocket API contracts.

// Request types

// AgentRequest carries one conversational turn.
type AgentRequest struct {
	Text       string `json:"text"`
	SessionID  string `json:"sessionId,omitempty"`
	ArtifactID string `json:"artifactId,omitempty"`
}

// Response types

// Status discriminates Result.
type Status string

const (
	StatusContinue     Status = "continue"
	StatusNeedArtifact Status = "need_artifact"
	StatusProposedFix  Status = "proposed_fix"
	StatusDiagnosis    Status = "diagnosis"
	StatusReset        Status = "reset"
	StatusError        Status = "error"
)

// Result is the tagged outcome of a turn. Which fields are set depends on
// Status.
type Result struct {
	Status    Status `json:"status"`
	Stage     string `json:"stage,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// continue
	NextQuestion string `json:"next_question,omitempty"`
	Safety       string `json:"safety,omitempty"`

	// need_artifact
	Request        string   `json:"request,omitempty"`
	UploadEndpoint string   `json:"upload_endpoint,omitempty"`
	Accept         []string `json:"accept,omitempty"`
	Tips           []string `json:"tips,omitempty"`

	// proposed_fix
	Cause               string   `json:"cause,omitempty"`
	Confidence          float64  `json:"confidence,omitempty"`
	DiagnosticSteps     []string `json:"diagnostic_steps,omitempty"`
	RecommendedSolution *string  `json:"recommended_solution,omitempty"`
	Verify              string   `json:"verify,omitempty"`

	// diagnosis
	Diagnosis *Diagnosis `json:"result,omitempty"`

	// error
	Error string `json:"error,omitempty"`

	Message string `json:"message,omitempty"`
}

// Diagnosis is the structured record produced by the hypothesis generator
// or by a confirmed fix.
type Diagnosis struct {
	ClarifyingQuestions []string `json:"clarifying_questions"`
	DiagnosticSteps     []string `json:"diagnostic_steps"`
	LikelyCause         *string  `json:"likely_cause"`
	RecommendedSolution *string  `json:"recommended_solution"`
	FailureModeTags     []string `json:"failure_mode_tags"`
	Confidence          float64  `json:"confidence"`
	Rationale           string   `json:"rationale,omitempty"`
	RawText             string   `json:"raw_text,omitempty"`
}

// EmptyDiagnosis is the zero-confidence result used when generation fails
// or returns nothing usable.
func EmptyDiagnosis(raw string) Diagnosis {
	return Diagnosis{
		ClarifyingQuestions: []string{},
		DiagnosticSteps:     []string{},
		FailureModeTags:     []string{},
		RawText:             raw,
	}
}

// UploadResponse is returned by POST /upload.
type UploadResponse struct {
	ArtifactID string `json:"artifactId"`
	Path       string `json:"path"`
	MediaType  string `json:"mediaType"`
	Size       int64  `json:"size"`
}

// KnowledgeSummary describes the loaded knowledge base.
type KnowledgeSummary struct {
	Symptoms int      `json:"symptoms"`
	Causes   int      `json:"causes"`
	Tests    int      `json:"tests"`
	Edges    int      `json:"edges"`
	Warnings []string `json:"warnings,omitempty"`
}

// LessonRecord is a resolved diagnosis kept for later review.
type LessonRecord struct {
	ID         string   `json:"id"`
	SessionID  string   `json:"session_id"`
	Complaint  string   `json:"complaint"`
	Cause      string   `json:"cause"`
	Solution   string   `json:"solution"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
	Confirmed  bool     `json:"confirmed"`
	CreatedAt  int64    `json:"created_at"`
}

// HealthStatus is returned by GET /health.
type HealthStatus struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// ErrorResponse represents an HTTP error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
