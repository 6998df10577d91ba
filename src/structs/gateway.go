package structs

import (
	"encoding/json"
	"log/slog"
)

type EventName = string

const (
	EventNameReady             EventName = "READY"
	EventNameResumed           EventName = "RESUMED"
	EventNameMessageCreate     EventName = "MESSAGE_CREATE"
	EventNameInteractionCreate EventName = "INTERACTION_CREATE"
	EventNameGuildCreate       EventName = "GUILD_CREATE"
)

// RawEvent is a gateway frame as it arrives on the wire. D is kept raw to
// delay decoding until the opcode and event name are known. S is a pointer
// because only dispatch frames carry a sequence number.
type RawEvent struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  EventName       `json:"t,omitempty"`
}

func (re *RawEvent) LogValue() slog.Value {
	seq := int64(-1)
	if re.S != nil {
		seq = *re.S
	}
	return slog.GroupValue(slog.Int("op_code", re.Op),
		slog.Int64("sequence", seq),
		slog.String("event_name", re.T))
}

// DispatchEvent is the only frame shape handed to consumers of a session.
type DispatchEvent struct {
	Type     EventName
	Data     json.RawMessage
	Sequence int64
}

func (de *DispatchEvent) LogValue() slog.Value {
	return slog.GroupValue(slog.String("event_name", de.Type),
		slog.Int64("sequence", de.Sequence))
}

type HelloEvent struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type IdentifyEventProperties struct {
	Os      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type IdentifyEvent struct {
	Token          string                  `json:"token"`
	Properties     IdentifyEventProperties `json:"properties"`
	Compress       bool                    `json:"compress"`
	LargeThreshold int                     `json:"large_threshold"`
	Intents        uint64                  `json:"intents"`
	Shard          []int                   `json:"shard,omitempty"`
}

type ResumeEvent struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type ReadyEvent struct {
	V                int                `json:"v"`
	User             User               `json:"user"`
	Guilds           []UnavailableGuild `json:"guilds"`
	SessionID        string             `json:"session_id"`
	ResumeGatewayURL string             `json:"resume_gateway_url"`
	Shard            []int              `json:"shard,omitempty"`
}

type RequestGuildMembersEvent struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}
