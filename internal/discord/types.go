// Package discord implements the chat platform boundary: the
// persistent gateway connection and the rate-limited REST client.
package discord

import "encoding/json"

const (
	// GatewayURL is the canonical discovery URL for the event stream.
	GatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	// APIBase is the REST API root.
	APIBase = "https://discord.com/api/v10"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Gateway intents requested on identify.
const (
	intentGuildMessages  = 1 << 9
	intentMessageContent = 1 << 15
)

// payload is the envelope of every gateway frame. S and T are only
// present on dispatch frames.
type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string            `json:"token"`
	Intents    int               `json:"intents"`
	Properties map[string]string `json:"properties"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	User             User   `json:"user"`
}

// Close codes that permanently stop the client.
var fatalCloseCodes = map[int]bool{
	4004: true, // authentication failed
	4010: true, // invalid shard
	4011: true, // sharding required
	4012: true, // invalid API version
	4013: true, // invalid intents
	4014: true, // disallowed intents
}

// Close codes after which the session cannot be resumed and a fresh
// identify is required. 1000 (normal closure) invalidates the session
// as well.
var reidentifyCloseCodes = map[int]bool{
	1000: true,
	4003: true, // not authenticated
	4007: true, // invalid seq
	4009: true, // session timed out
}

// Message types accepted by the bot. Everything else (joins, pins,
// system notices) is discarded.
const (
	MessageTypeDefault = 0
	MessageTypeReply   = 19
)

// User is a platform account.
type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Bot        bool   `json:"bot"`
}

// MessageReference links a reply to its parent message.
type MessageReference struct {
	MessageID string `json:"message_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`
}

// Message is the wire shape of a channel message.
type Message struct {
	ID              string            `json:"id"`
	ChannelID       string            `json:"channel_id"`
	GuildID         string            `json:"guild_id,omitempty"`
	Type            int               `json:"type"`
	Author          User              `json:"author"`
	Content         string            `json:"content"`
	EditedTimestamp *string           `json:"edited_timestamp"`
	Reference       *MessageReference `json:"message_reference,omitempty"`
}

// GuildMember is the wire shape of a guild membership record.
type GuildMember struct {
	User User   `json:"user"`
	Nick string `json:"nick"`
}

// CreatedMessage is the response shape of a message post.
type CreatedMessage struct {
	ID string `json:"id"`
}

// rateLimitBody is the shape of a 429 response body.
type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}
