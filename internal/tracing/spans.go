package tracing

// Span attribute keys for task lifecycle tracing.
const (
	AttrTaskID     = "task.id"
	AttrTaskState  = "task.state"
	AttrAgentID    = "agent.id"
	AttrCapability = "capability.tag"
	AttrPayloadLen = "payload.length"

	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span names for the core operations.
const (
	SpanSubmit      = "task.submit"
	SpanRoute       = "router.route"
	SpanConsolidate = "router.consolidate"
	SpanFail        = "router.fail"
	SpanRecover     = "router.recover"
)
