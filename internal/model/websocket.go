package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage carries a status snapshot of a running operation
type WSProgressMessage struct {
	Type     string                  `json:"type"`
	Snapshot *BulkMoveStatusResponse `json:"snapshot"`
}

// WSCompleteMessage carries the terminal snapshot of an operation
type WSCompleteMessage struct {
	Type     string                  `json:"type"`
	Snapshot *BulkMoveStatusResponse `json:"snapshot"`
}
