package protocol

import "time"

// TranscribeRequest asks a node to transcribe either a node-local file or inline audio.
type TranscribeRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Path      string `json:"path,omitempty"`
	// Audio is base64 encoded; a data-URL prefix ("data:audio/wav;base64,") is accepted.
	Audio    string `json:"audio,omitempty"`
	Filename string `json:"filename,omitempty"`
	Model    string `json:"model,omitempty"`
}

// TranscribeReply is returned on the request's reply subject.
type TranscribeReply struct {
	SessionID string `json:"session_id"`
	Success   bool   `json:"success"`
	Text      string `json:"text"`
	File      string `json:"file,omitempty"`
	Chunks    int    `json:"chunks,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Model     string    `json:"model"`
	File      string    `json:"file,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type RecordingsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type Recording struct {
	SessionID string    `json:"session_id"`
	File      string    `json:"file"`
	Text      string    `json:"text,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type RecordingsReply struct {
	Recordings []Recording `json:"recordings"`
	Error      string      `json:"error,omitempty"`
}

const (
	SubjectTranscribeRequest = "stt.transcribe.request"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectRecordingsList    = "stt.recordings.list"
	SubjectNodeAnnounce      = "ctrl.node.announce"
	SubjectNodeHeartbeat     = "ctrl.node.heartbeat"
	SubjectNodesList         = "ctrl.nodes.list"
)

// EnvelopeAllowance is the room left for the JSON fields around inline audio.
const EnvelopeAllowance = 4 << 10

// MaxInlineAudio is the largest decoded clip whose TranscribeRequest still fits in a bus
// message of maxPayload bytes.
func MaxInlineAudio(maxPayload int64) int64 {
	room := maxPayload - EnvelopeAllowance
	if room <= 0 {
		return 0
	}
	return room / 4 * 3
}
