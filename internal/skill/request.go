package skill

// Request and response envelope types for the voice platform's JSON protocol.
// The envelope is decoded only after signature verification succeeds; the
// verifier operates on the raw bytes.

// RequestEnvelope is the top-level inbound request body.
type RequestEnvelope struct {
	Version string       `json:"version"`
	Session *SessionInfo `json:"session,omitempty"`
	Context ContextInfo  `json:"context"`
	Request Request      `json:"request"`
}

// SessionInfo carries the platform session and the application id for
// session-scoped requests.
type SessionInfo struct {
	SessionID   string      `json:"sessionId"`
	Application Application `json:"application"`
	User        User        `json:"user"`
}

// Application identifies the skill the platform believes it is calling.
type Application struct {
	ApplicationID string `json:"applicationId"`
}

// User is the platform user identity.
type User struct {
	UserID string `json:"userId"`
}

// ContextInfo wraps the system context present on every request.
type ContextInfo struct {
	System System `json:"System"`
}

// System carries the application, device, and user for out-of-session
// requests such as playback lifecycle events.
type System struct {
	Application Application `json:"application"`
	Device      Device      `json:"device"`
	User        User        `json:"user"`
}

// Device identifies the physical device; its id keys the playback session.
type Device struct {
	DeviceID string `json:"deviceId"`
}

// Request is the typed portion of the envelope. Intent is set for
// IntentRequest; OffsetInMilliseconds and Token for playback lifecycle
// events; Error for PlaybackFailed.
type Request struct {
	Type                 string        `json:"type"`
	RequestID            string        `json:"requestId"`
	Timestamp            string        `json:"timestamp"`
	Locale               string        `json:"locale,omitempty"`
	Intent               *Intent       `json:"intent,omitempty"`
	OffsetInMilliseconds *int64        `json:"offsetInMilliseconds,omitempty"`
	Token                string        `json:"token,omitempty"`
	Error                *RequestError `json:"error,omitempty"`
}

// Intent is a named user intention with optional slot values.
type Intent struct {
	Name  string          `json:"name"`
	Slots map[string]Slot `json:"slots,omitempty"`
}

// Slot is a single filled intent slot.
type Slot struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RequestError describes a playback failure reported by the device.
type RequestError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ResponseEnvelope is the top-level outbound response body.
type ResponseEnvelope struct {
	Version  string   `json:"version"`
	Response Response `json:"response"`
}

// Response holds speech output and player directives.
type Response struct {
	OutputSpeech     *OutputSpeech `json:"outputSpeech,omitempty"`
	Directives       []Directive   `json:"directives,omitempty"`
	ShouldEndSession bool          `json:"shouldEndSession"`
}

// OutputSpeech is plain-text speech output.
type OutputSpeech struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Directive types understood by the platform's audio player.
const (
	DirectivePlay  = "AudioPlayer.Play"
	DirectiveStop  = "AudioPlayer.Stop"
	DirectiveClear = "AudioPlayer.ClearQueue"
)

// Play behaviors for DirectivePlay.
const (
	PlayBehaviorReplaceAll = "REPLACE_ALL"
	PlayBehaviorEnqueue    = "ENQUEUE"
)

// Directive instructs the device's audio player.
type Directive struct {
	Type                  string     `json:"type"`
	PlayBehavior          string     `json:"playBehavior,omitempty"`
	AudioItem             *AudioItem `json:"audioItem,omitempty"`
	ClearBehavior         string     `json:"clearBehavior,omitempty"`
	ExpectedPreviousToken string     `json:"expectedPreviousToken,omitempty"`
}

// AudioItem wraps the stream descriptor of a Play directive.
type AudioItem struct {
	Stream Stream `json:"stream"`
}

// Stream points the device at a media URL. Token is an opaque marker echoed
// back in lifecycle events; here it carries the resource id.
type Stream struct {
	URL                  string `json:"url"`
	Token                string `json:"token"`
	OffsetInMilliseconds int64  `json:"offsetInMilliseconds"`
}

// speechResponse builds a plain speech-only response.
func speechResponse(text string, endSession bool) *ResponseEnvelope {
	return &ResponseEnvelope{
		Version: "1.0",
		Response: Response{
			OutputSpeech:     &OutputSpeech{Type: "PlainText", Text: text},
			ShouldEndSession: endSession,
		},
	}
}

// emptyResponse builds the bare acknowledgment used for lifecycle events.
func emptyResponse() *ResponseEnvelope {
	return &ResponseEnvelope{Version: "1.0", Response: Response{ShouldEndSession: true}}
}
