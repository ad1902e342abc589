package domain

// QueryStage is a step of the query lifecycle.
type QueryStage string

const (
	StageReceived        QueryStage = "RECEIVED"
	StageRetrieving      QueryStage = "RETRIEVING"
	StageFusing          QueryStage = "FUSING"
	StageReranking       QueryStage = "RERANKING"
	StageContextAssembly QueryStage = "CONTEXT_ASSEMBLY"
	StageGenerating      QueryStage = "GENERATING"
	StageDone            QueryStage = "DONE"
	StageFailed          QueryStage = "ERROR"
)

type AnswerEventType string

const (
	EventToken AnswerEventType = "token"
	EventError AnswerEventType = "error"
	EventDone  AnswerEventType = "done"
)

// AnswerEvent is one item of an answer stream. Error and done events are terminal.
type AnswerEvent struct {
	Type   AnswerEventType
	Token  string
	Err    error
	Answer *Answer
}

// GenerationRequest is the provider-facing generation input.
type GenerationRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}
