package protocol

import "time"

// NarrationRequest asks the pipeline to speak a block of narration at a table.
type NarrationRequest struct {
	TableID   string  `json:"table_id"`
	MessageID string  `json:"message_id,omitempty"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Group     string  `json:"group,omitempty"` // narrative, response, sound_effect
}

// ChunkReady announces a freshly generated audio chunk to the fan-out layer.
type ChunkReady struct {
	TableID   string    `json:"table_id"`
	RequestID string    `json:"request_id"`
	ChunkID   string    `json:"chunk_id"`
	Sequence  int       `json:"sequence"`
	MimeType  string    `json:"mime_type"`
	ProxyURL  string    `json:"proxy_url"`
	ByteSize  int       `json:"byte_size"`
	Timestamp time.Time `json:"timestamp"`
}

// NarrationDone signals that an entire playback batch has finished playing.
type NarrationDone struct {
	TableID   string    `json:"table_id"`
	RequestID string    `json:"request_id"`
	Chunks    int       `json:"chunks"`
	Failed    bool      `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionChanged announces connection lifecycle transitions to the fan-out layer.
type ConnectionChanged struct {
	TableID      string    `json:"table_id"`
	ConnectionID string    `json:"connection_id"`
	Role         string    `json:"role"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

// PlaybackControl carries stop and clear commands for a table's queue.
type PlaybackControl struct {
	TableID string `json:"table_id"`
	Action  string `json:"action"` // stop, clear
}

// StoryPrompt asks the narration generator for fresh narrator text.
type StoryPrompt struct {
	TableID   string `json:"table_id"`
	MessageID string `json:"message_id,omitempty"`
	Prompt    string `json:"prompt"`
	Voice     string `json:"voice,omitempty"`
	Group     string `json:"group,omitempty"`
}

// ConnectRequest registers a client connection, optionally resuming a
// previous one via its reconnect token.
type ConnectRequest struct {
	TableID        string `json:"table_id"`
	UserID         string `json:"user_id,omitempty"`
	UserEmail      string `json:"user_email,omitempty"`
	Role           string `json:"role,omitempty"`
	Seat           string `json:"seat,omitempty"`
	ReconnectToken string `json:"reconnect_token,omitempty"`
}

// ConnectReply carries the new connection identity back to the client.
type ConnectReply struct {
	ConnectionID       string `json:"connection_id"`
	ReconnectToken     string `json:"reconnect_token"`
	LastPlayedSequence int    `json:"last_played_sequence"`
	Error              string `json:"error,omitempty"`
}

// ConnectionRef names a connection in heartbeat and disconnect messages.
// Status is only read on disconnect: "disconnected" for a clean close,
// "failed" for an abnormal one; empty means clean.
type ConnectionRef struct {
	ConnectionID string `json:"connection_id"`
	Status       string `json:"status,omitempty"`
}

// ChunkReceipt reports client-side delivery progress for one chunk.
type ChunkReceipt struct {
	ConnectionID string `json:"connection_id"`
	ChunkID      string `json:"chunk_id"`
}

// CatchupRequest asks for the chunks a connection has not been sent yet.
type CatchupRequest struct {
	ConnectionID string `json:"connection_id"`
}

// CatchupReply lists pending chunks in playback order.
type CatchupReply struct {
	Chunks []ChunkReady `json:"chunks"`
	Error  string       `json:"error,omitempty"`
}

const (
	SubjectNarrationRequest = "narration.request"
	SubjectChunkReady       = "audio.chunk.ready"
	SubjectNarrationDone    = "narration.done"
	SubjectConnChanged      = "conn.changed"
	SubjectPlaybackControl  = "playback.control"
	SubjectStoryPrompt      = "story.prompt"
	SubjectConnConnect      = "conn.connect"
	SubjectConnHeartbeat    = "conn.heartbeat"
	SubjectConnDisconnect   = "conn.disconnect"
	SubjectConnCatchup      = "conn.catchup"
	SubjectChunkAck         = "chunk.ack"
	SubjectChunkPlayed      = "chunk.played"
)
