package wire

// HandshakeRequest is the device-originated handshake payload.
type HandshakeRequest struct {
	// DeviceID is the stable device identity.
	DeviceID string `json:"deviceId"`
	// Token is the bearer credential presented to the controller.
	Token string `json:"token,omitempty"`
	// Resume is set when the device is resuming an existing session.
	Resume *ResumeToken `json:"resume,omitempty"`
}

// ResumeToken lets the controller correlate a new physical channel with an
// existing session.
type ResumeToken struct {
	SessionID   string `json:"sessionId"`
	LastSeenSeq int64  `json:"lastSeenSeq"`
	// ReplayFrom is the first inbound seq the device has not processed.
	ReplayFrom int64 `json:"replayFrom"`
}

// Handshake grant status values.
const (
	HandshakeGranted  = "granted"
	HandshakeRejected = "rejected"
)

// HandshakeResponse is the controller's answer. The granted session id is
// carried on the envelope.
type HandshakeResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Ack subjects.
const (
	AckOfHeartbeat = "heartbeat"
	AckOfCommand   = "command"
)

// AckPayload acknowledges a heartbeat (Seq set) or an accepted command.
type AckPayload struct {
	Of  string `json:"of"`
	Seq int64  `json:"seq,omitempty"`
}

// Result status values.
const (
	ResultOK        = "ok"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

// ResultPayload is the outcome of a command.
type ResultPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// FramePayload carries one chunk of an encoded frame.
type FramePayload struct {
	FrameSeq uint64 `json:"frameSeq"`
	Index    int    `json:"index"`
	Final    bool   `json:"final"`
	Format   string `json:"format,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	// Data is base64 encoded by encoding/json.
	Data []byte `json:"data"`
}

// ReplayRequest asks the controller to resend from From (inclusive).
type ReplayRequest struct {
	From int64 `json:"from"`
}

// TelemetryPayload is a periodic counter snapshot.
type TelemetryPayload struct {
	State          string `json:"state"`
	UptimeMs       int64  `json:"uptimeMs"`
	Reconnects     int64  `json:"reconnects"`
	QueueDepth     int    `json:"queueDepth"`
	FramesDropped  uint64 `json:"framesDropped"`
	TelemetryLost  uint64 `json:"telemetryEvicted"`
	CommandsActive int    `json:"commandsActive"`
	CaptureActive  bool   `json:"captureActive"`
}
