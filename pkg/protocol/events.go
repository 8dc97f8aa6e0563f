// Package protocol defines the wire format of the gateway's operational
// event feed: one-way frames pushed to WebSocket subscribers at /ws.
package protocol

// ProtocolVersion is bumped on breaking frame changes.
const ProtocolVersion = 1

// Event names pushed from gateway to subscribers.
const (
	// Dispatch lifecycle.
	EventMessageAccepted = "message.accepted"
	EventMessageDropped  = "message.dropped"
	EventResponseSent    = "response.sent"
	EventStreamFailed    = "stream.failed"

	// Permission bridge.
	EventPermissionAsked    = "permission.asked"
	EventPermissionResolved = "permission.resolved"

	// Readiness queue.
	EventQueueWaiting = "queue.waiting"
	EventQueueDrained = "queue.drained"

	// Housekeeping.
	EventConfigChanged    = "config.changed"
	EventMaintenanceSwept = "maintenance.swept"
	EventShutdown         = "shutdown"
)
