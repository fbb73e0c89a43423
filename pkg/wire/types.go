package wire

// Inbound message types (client → server).
const (
	TypeAuth          = "auth"
	TypePing          = "ping"
	TypeAgentRequest  = "agent.request"
	TypeAgentCancel   = "agent.cancel"
	TypeSessionList   = "session.list"
	TypeSessionResume = "session.resume"
	TypeStatus        = "status"
)

// Outbound message types (server → client).
const (
	TypeAuthOK      = "auth.ok"
	TypeAuthFail    = "auth.fail"
	TypePong        = "pong"
	TypeSessionData = "session.data"
	TypeStatusData  = "status.data"
	TypeError       = "error"
)

// Stream event types pushed to session subscribers.
const (
	TypeAgentStream            = "agent.stream"
	TypeAgentToolUse           = "agent.tool_use"
	TypeAgentToolResult        = "agent.tool_result"
	TypeAgentDone              = "agent.done"
	TypeAgentError             = "agent.error"
	TypeAgentSecurityViolation = "agent.security_violation"
	TypeAgentEscalation        = "agent.escalation"
)

// Terminal reasons carried in DonePayload.Reason.
const (
	ReasonCompleted = "completed"
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "timeout"
)

// Error codes carried in ErrorPayload.Code.
const (
	ErrorCodeAuthRequired  = "AUTH_REQUIRED"
	ErrorCodeAuthFailed    = "AUTH_FAILURE"
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeConflict      = "CONFLICT"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownType   = "UNKNOWN_TYPE"
)
