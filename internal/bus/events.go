package bus

// Event types published by the dispatcher and orchestrator.
const (
	EventRequestReceived   = "request_received"
	EventSecurityViolation = "security_violation"
	EventRequestStarted    = "request_started"
	EventResponseChunk     = "response_chunk"
	EventResponseComplete  = "response_complete"
	EventAgentError        = "agent_error"
	EventRequestCancelled  = "request_cancelled"
	EventLegacySystemUsed  = "legacy_system_used"
	EventWorkerJoined      = "worker_joined"
	EventWorkerLeft        = "worker_left"
	EventWorkerInactive    = "worker_inactive"
)

// Sources attached to published events.
const (
	SourceRouter       = "router"
	SourceOrchestrator = "orchestrator"
	SourceDiscovery    = "discovery"
)
