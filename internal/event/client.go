package event

// Topics for client-facing delivery. Each dispatched upstream event lands on
// exactly one topic as a flat structure.
const (
	TopicConnection = "connection"
	TopicSpeech     = "speech"
	TopicAudio      = "audio"
	TopicTranscript = "transcript"
	TopicItems      = "items"
	TopicErrors     = "errors"
	TopicOrder      = "order"
	TopicRateLimit  = "rate_limit"
)

// ClientEvent is the flat structure delivered to clients over their
// broadcast channels.
type ClientEvent struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`

	// connection
	State string `json:"state,omitempty"`

	// transcript / items / errors
	Text    string `json:"text,omitempty"`
	Role    string `json:"role,omitempty"`
	ItemID  string `json:"item_id,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// audio (base64) and speech boundaries
	Audio string `json:"audio,omitempty"`
	AtMS  int64  `json:"at_ms,omitempty"`

	// rate limiting
	Scope         string `json:"scope,omitempty"`
	RetryAfterSec int    `json:"retry_after_sec,omitempty"`

	// order snapshots
	SubtotalCents int64 `json:"subtotal_cents,omitempty"`
	TaxCents      int64 `json:"tax_cents,omitempty"`
	TotalCents    int64 `json:"total_cents,omitempty"`
}
