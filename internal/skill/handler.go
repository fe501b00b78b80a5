package skill

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"audioskill/internal/platform/metrics"
	"audioskill/internal/playback"
	"audioskill/internal/streamtoken"
)

// maxResourceRetries is how many times a failing resource is retried before
// the queue advances past it.
const maxResourceRetries = 2

// handlerFunc processes one dispatched request. A nil error always produces
// a well-formed platform response; a non-nil error maps to 500.
type handlerFunc func(env *RequestEnvelope) (*ResponseEnvelope, error)

// Handler exposes the authenticated skill endpoint: it decodes the verified
// envelope, dispatches on request type or intent name through a static table,
// and drives the playback tracker and token service.
type Handler struct {
	tracker  *playback.Tracker
	tokens   *streamtoken.Service
	catalog  Catalog
	log      *slog.Logger
	metrics  *metrics.Metrics
	issuerID string
	tokenTTL time.Duration
	mediaURL string

	dispatch map[string]handlerFunc
}

// NewHandler returns a Handler. mediaURL is the externally reachable base of
// the media endpoint (e.g. "https://skill.example.com"); issued stream tokens
// are embedded as a query parameter on URLs under it. Metrics may be nil to
// disable metric recording (e.g. in tests).
func NewHandler(tracker *playback.Tracker, tokens *streamtoken.Service, catalog Catalog, issuerID string, tokenTTL time.Duration, mediaURL string, log *slog.Logger, m *metrics.Metrics) *Handler {
	h := &Handler{
		tracker:  tracker,
		tokens:   tokens,
		catalog:  catalog,
		log:      log,
		metrics:  m,
		issuerID: issuerID,
		tokenTTL: tokenTTL,
		mediaURL: mediaURL,
	}
	h.dispatch = map[string]handlerFunc{
		"LaunchRequest":                      h.handleLaunch,
		"SessionEndedRequest":                h.handleNoop,
		"PlayAudioIntent":                    h.handlePlay,
		"AMAZON.PauseIntent":                 h.handlePause,
		"AMAZON.ResumeIntent":                h.handleResume,
		"AMAZON.NextIntent":                  h.handleNext,
		"AMAZON.PreviousIntent":              h.handlePrevious,
		"AMAZON.StopIntent":                  h.handleStop,
		"AMAZON.CancelIntent":                h.handleStop,
		"AudioPlayer.PlaybackStarted":        h.handlePlaybackStarted,
		"AudioPlayer.PlaybackStopped":        h.handlePlaybackStopped,
		"AudioPlayer.PlaybackNearlyFinished": h.handleNearlyFinished,
		"AudioPlayer.PlaybackFinished":       h.handlePlaybackFinished,
		"AudioPlayer.PlaybackFailed":         h.handlePlaybackFailed,
	}
	return h
}

// ServeSkill handles POST on the skill endpoint. The body has already been
// captured and signature-verified by the middleware chain.
func (h *Handler) ServeSkill(w http.ResponseWriter, r *http.Request) {
	body := rawBodyFromContext(r.Context())

	var env RequestEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.log.Debug("malformed envelope", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	key := env.Request.Type
	if key == "IntentRequest" && env.Request.Intent != nil {
		key = env.Request.Intent.Name
	}

	fn, ok := h.dispatch[key]
	if !ok {
		h.log.Debug("unhandled request type", slog.String("type", key))
		h.writeJSON(w, emptyResponse())
		return
	}

	resp, err := fn(&env)
	if err != nil {
		h.log.Error("request handling failed",
			slog.String("type", key),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, resp *ResponseEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("encode response failed", slog.String("error", err.Error()))
	}
}

// sessionID keys playback state by device, falling back to the platform user
// and then the platform session for device-less requests.
func sessionID(env *RequestEnvelope) string {
	if id := env.Context.System.Device.DeviceID; id != "" {
		return id
	}
	if id := env.Context.System.User.UserID; id != "" {
		return id
	}
	if env.Session != nil {
		return env.Session.SessionID
	}
	return ""
}

// playDirective issues a stream token for resourceID and builds a Play
// directive pointing at the media endpoint with the token attached.
func (h *Handler) playDirective(resourceID string, offsetMs int64, behavior, prevToken string) (Directive, error) {
	tok, err := h.tokens.Issue(resourceID, h.issuerID, h.tokenTTL)
	if err != nil {
		return Directive{}, err
	}
	if h.metrics != nil {
		h.metrics.IncTokensIssued()
	}
	streamURL := h.mediaURL + "/media/" + url.PathEscape(resourceID) + "?token=" + url.QueryEscape(tok)
	return Directive{
		Type:                  DirectivePlay,
		PlayBehavior:          behavior,
		ExpectedPreviousToken: prevToken,
		AudioItem: &AudioItem{Stream: Stream{
			URL:                  streamURL,
			Token:                resourceID,
			OffsetInMilliseconds: offsetMs,
		}},
	}, nil
}

func (h *Handler) handleLaunch(env *RequestEnvelope) (*ResponseEnvelope, error) {
	return speechResponse("Welcome. Ask me to play something.", false), nil
}

func (h *Handler) handleNoop(env *RequestEnvelope) (*ResponseEnvelope, error) {
	return emptyResponse(), nil
}

func (h *Handler) handlePlay(env *RequestEnvelope) (*ResponseEnvelope, error) {
	var query string
	if env.Request.Intent != nil {
		if s, ok := env.Request.Intent.Slots["query"]; ok {
			query = s.Value
		}
	}

	results := h.catalog.Search(query)
	if len(results) == 0 {
		return speechResponse("I couldn't find anything matching that.", true), nil
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}

	sid := sessionID(env)
	if _, err := h.tracker.CreateSession(sid, ids, 0); err != nil {
		return nil, err
	}
	if _, err := h.tracker.RecordPlaybackStart(sid, 0); err != nil {
		return nil, err
	}

	dir, err := h.playDirective(ids[0], 0, PlayBehaviorReplaceAll, "")
	if err != nil {
		return nil, err
	}
	resp := speechResponse("Playing "+results[0].Title+".", true)
	resp.Response.Directives = []Directive{dir}
	return resp, nil
}

func (h *Handler) handlePause(env *RequestEnvelope) (*ResponseEnvelope, error) {
	sid := sessionID(env)
	offset, err := h.tracker.EstimatePlaybackPosition(sid)
	if errors.Is(err, playback.ErrSessionNotFound) {
		return speechResponse("Nothing is playing.", true), nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := h.tracker.UpdatePlaybackPosition(sid, offset, playback.StatePaused); err != nil {
		return nil, err
	}

	resp := emptyResponse()
	resp.Response.Directives = []Directive{{Type: DirectiveStop}}
	return resp, nil
}

func (h *Handler) handleResume(env *RequestEnvelope) (*ResponseEnvelope, error) {
	sid := sessionID(env)
	s, ok, err := h.tracker.GetSession(sid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return speechResponse("There's nothing to resume.", true), nil
	}
	resource, ok := s.CurrentResource()
	if !ok {
		return speechResponse("There's nothing to resume.", true), nil
	}

	if _, err := h.tracker.RecordPlaybackStart(sid, s.OffsetMs); err != nil {
		return nil, err
	}
	dir, err := h.playDirective(resource, s.OffsetMs, PlayBehaviorReplaceAll, "")
	if err != nil {
		return nil, err
	}
	resp := emptyResponse()
	resp.Response.Directives = []Directive{dir}
	return resp, nil
}

func (h *Handler) handleNext(env *RequestEnvelope) (*ResponseEnvelope, error) {
	return h.moveAndPlay(env, h.tracker.NextTrack, "That was the last track.")
}

func (h *Handler) handlePrevious(env *RequestEnvelope) (*ResponseEnvelope, error) {
	return h.moveAndPlay(env, h.tracker.PreviousTrack, "You're already at the first track.")
}

func (h *Handler) moveAndPlay(env *RequestEnvelope, move func(string) (*playback.Session, bool, error), boundaryText string) (*ResponseEnvelope, error) {
	sid := sessionID(env)
	s, ok, err := move(sid)
	if errors.Is(err, playback.ErrSessionNotFound) {
		return speechResponse("Nothing is playing.", true), nil
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return speechResponse(boundaryText, true), nil
	}

	resource, _ := s.CurrentResource()
	if _, err := h.tracker.RecordPlaybackStart(sid, 0); err != nil {
		return nil, err
	}
	dir, err := h.playDirective(resource, 0, PlayBehaviorReplaceAll, "")
	if err != nil {
		return nil, err
	}
	resp := emptyResponse()
	resp.Response.Directives = []Directive{dir}
	return resp, nil
}

func (h *Handler) handleStop(env *RequestEnvelope) (*ResponseEnvelope, error) {
	sid := sessionID(env)
	offset, err := h.tracker.EstimatePlaybackPosition(sid)
	if errors.Is(err, playback.ErrSessionNotFound) {
		return emptyResponse(), nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := h.tracker.UpdatePlaybackPosition(sid, offset, playback.StateStopped); err != nil {
		return nil, err
	}

	resp := emptyResponse()
	resp.Response.Directives = []Directive{{Type: DirectiveStop}}
	return resp, nil
}

func (h *Handler) handlePlaybackStarted(env *RequestEnvelope) (*ResponseEnvelope, error) {
	sid := sessionID(env)
	var offset int64
	if env.Request.OffsetInMilliseconds != nil {
		offset = *env.Request.OffsetInMilliseconds
	}
	if _, err := h.tracker.RecordPlaybackStart(sid, offset); err != nil && !errors.Is(err, playback.ErrSessionNotFound) {
		return nil, err
	}
	if err := h.tracker.ResetRetryCount(sid); err != nil && !errors.Is(err, playback.ErrSessionNotFound) {
		return nil, err
	}
	return emptyResponse(), nil
}

func (h *Handler) handlePlaybackStopped(env *RequestEnvelope) (*ResponseEnvelope, error) {
	sid := sessionID(env)
	var offset int64
	if env.Request.OffsetInMilliseconds != nil {
		offset = *env.Request.OffsetInMilliseconds
	}
	if _, err := h.tracker.UpdatePlaybackPosition(sid, offset, playback.StateStopped); err != nil && !errors.Is(err, playback.ErrSessionNotFound) {
		return nil, err
	}
	return emptyResponse(), nil
}

// handleNearlyFinished enqueues the next resource without advancing the
// queue; the index moves when PlaybackFinished arrives.
func (h *Handler) handleNearlyFinished(env *RequestEnvelope) (*ResponseEnvelope, error) {
	sid := sessionID(env)
	s, ok, err := h.tracker.GetSession(sid)
	if err != nil {
		return nil, err
	}
	if !ok || s.CurrentIndex+1 >= len(s.ResourceIDs) {
		return emptyResponse(), nil
	}

	current, _ := s.CurrentResource()
	next := s.ResourceIDs[s.CurrentIndex+1]
	dir, err := h.playDirective(next, 0, PlayBehaviorEnqueue, current)
	if err != nil {
		return nil, err
	}
	resp := emptyResponse()
	resp.Response.Directives = []Directive{dir}
	return resp, nil
}

func (h *Handler) handlePlaybackFinished(env *RequestEnvelope) (*ResponseEnvelope, error) {
	sid := sessionID(env)
	_, ok, err := h.tracker.NextTrack(sid)
	if errors.Is(err, playback.ErrSessionNotFound) {
		return emptyResponse(), nil
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		// Queue exhausted: back to Idle at position zero.
		if _, err := h.tracker.UpdatePlaybackPosition(sid, 0, playback.StateIdle); err != nil {
			return nil, err
		}
	}
	return emptyResponse(), nil
}

// handlePlaybackFailed retries the current resource a bounded number of
// times, then advances past it.
func (h *Handler) handlePlaybackFailed(env *RequestEnvelope) (*ResponseEnvelope, error) {
	sid := sessionID(env)
	msg := "playback failed"
	if env.Request.Error != nil {
		msg = env.Request.Error.Type + ": " + env.Request.Error.Message
	}
	if err := h.tracker.RecordError(sid, msg); err != nil {
		if errors.Is(err, playback.ErrSessionNotFound) {
			return emptyResponse(), nil
		}
		return nil, err
	}

	retries, err := h.tracker.IncrementRetryCount(sid)
	if err != nil {
		return nil, err
	}

	if retries <= maxResourceRetries {
		s, ok, err := h.tracker.GetSession(sid)
		if err != nil {
			return nil, err
		}
		if !ok {
			return emptyResponse(), nil
		}
		resource, ok := s.CurrentResource()
		if !ok {
			return emptyResponse(), nil
		}
		dir, err := h.playDirective(resource, s.OffsetMs, PlayBehaviorReplaceAll, "")
		if err != nil {
			return nil, err
		}
		resp := emptyResponse()
		resp.Response.Directives = []Directive{dir}
		return resp, nil
	}

	if err := h.tracker.ResetRetryCount(sid); err != nil {
		return nil, err
	}
	s, ok, err := h.tracker.NextTrack(sid)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := h.tracker.UpdatePlaybackPosition(sid, 0, playback.StateIdle); err != nil {
			return nil, err
		}
		return emptyResponse(), nil
	}

	resource, _ := s.CurrentResource()
	if _, err := h.tracker.RecordPlaybackStart(sid, 0); err != nil {
		return nil, err
	}
	dir, err := h.playDirective(resource, 0, PlayBehaviorReplaceAll, "")
	if err != nil {
		return nil, err
	}
	resp := emptyResponse()
	resp.Response.Directives = []Directive{dir}
	return resp, nil
}
