package ws

import (
	"encoding/json"
	"log"
)

// Inbound event names (client → gateway).
const (
	EventJoinRoom       = "join-room"
	EventCodeChange     = "code-change"
	EventLanguageChange = "language-change"
	EventRunCode        = "run-code"
	EventSaveCode       = "save-code"
	EventLeaveRoom      = "leave-room"
)

// Outbound event names (gateway → client(s)).
const (
	EventAck             = "ack"
	EventSyncCode        = "sync-code"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventCodeUpdated     = "code-updated"
	EventLanguageUpdated = "language-updated"
	EventCodeRunning     = "code-running"
	EventCodeResult      = "code-result"
	EventCodeSaved       = "code-saved"
	EventError           = "error"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Inbound payloads.

type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

type CodeChangePayload struct {
	RoomID         string          `json:"roomId"`
	Code           string          `json:"code"`
	CursorPosition *CursorPosition `json:"cursorPosition,omitempty"`
}

type LanguageChangePayload struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
}

type RunCodePayload struct {
	RoomID   string `json:"roomId"`
	Code     string `json:"code"`
	Language string `json:"language"`
	Stdin    string `json:"stdin,omitempty"`
}

type SaveCodePayload struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

// Outbound payloads.

// Ack reports a handler's outcome back to the sender. Run acks additionally
// carry the execution result fields.
type Ack struct {
	Event   string `json:"event"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Status  string `json:"status,omitempty"`
}

type SyncCodePayload struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	RoomID   string `json:"roomId"`
}

type PresencePayload struct {
	UserID      string `json:"userId"`
	ActiveUsers int    `json:"activeUsers"`
}

type CodeUpdatedPayload struct {
	Code           string          `json:"code"`
	CursorPosition *CursorPosition `json:"cursorPosition,omitempty"`
	UserID         string          `json:"userId"`
	Timestamp      string          `json:"timestamp"`
}

type LanguageUpdatedPayload struct {
	Language string `json:"language"`
	UserID   string `json:"userId"`
}

type CodeRunningPayload struct {
	UserID string `json:"userId"`
}

type CodeResultPayload struct {
	Output    string `json:"output"`
	Error     string `json:"error"`
	Status    string `json:"status"`
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

type CodeSavedPayload struct {
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// marshalEvent wraps a payload in an envelope ready for the wire.
func marshalEvent(event string, payload interface{}) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Failed to marshal %s payload: %v", event, err)
		return nil
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		log.Printf("Failed to marshal %s envelope: %v", event, err)
		return nil
	}
	return frame
}
