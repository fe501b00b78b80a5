package skill

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"audioskill/internal/playback"
	"audioskill/internal/ratelimit"
	"audioskill/internal/streamtoken"
)

var testCatalog = NewStaticCatalog([]Resource{
	{ID: "track-a", Title: "songs about rain"},
	{ID: "track-b", Title: "songs about sun"},
})

type testEnv struct {
	handler *Handler
	tracker *playback.Tracker
	tokens  *streamtoken.Service
	router  *chi.Mux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	tracker := playback.NewTracker(playback.NewMemoryStore(), time.Hour, log)
	t.Cleanup(tracker.Close)
	tokens := streamtoken.New([]byte("test-secret"))

	h := NewHandler(tracker, tokens, testCatalog, "audioskill", 10*time.Minute, "https://skill.example.com", log, nil)

	r := chi.NewRouter()
	r.Route("/alexa", func(r chi.Router) {
		r.Use(CaptureBody(log))
		r.Post("/", h.ServeSkill)
	})
	return &testEnv{handler: h, tracker: tracker, tokens: tokens, router: r}
}

func envelope(reqType, intentName string, slots map[string]string, offsetMs *int64, reqErr *RequestError) []byte {
	env := RequestEnvelope{Version: "1.0"}
	env.Context.System.Application.ApplicationID = "app-1"
	env.Context.System.Device.DeviceID = "dev-1"
	env.Request = Request{
		Type:                 reqType,
		RequestID:            "req-1",
		Timestamp:            time.Now().UTC().Format(time.RFC3339),
		OffsetInMilliseconds: offsetMs,
		Error:                reqErr,
	}
	if intentName != "" {
		intent := &Intent{Name: intentName, Slots: map[string]Slot{}}
		for k, v := range slots {
			intent.Slots[k] = Slot{Name: k, Value: v}
		}
		env.Request.Intent = intent
	}
	b, _ := json.Marshal(env)
	return b
}

func (e *testEnv) post(t *testing.T, body []byte) (*httptest.ResponseRecorder, *ResponseEnvelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/alexa/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var resp ResponseEnvelope
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec, &resp
}

func TestHandler_Launch(t *testing.T) {
	e := newTestEnv(t)
	rec, resp := e.post(t, envelope("LaunchRequest", "", nil, nil, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp.Response.OutputSpeech == nil || resp.Response.OutputSpeech.Text == "" {
		t.Error("expected welcome speech")
	}
}

func TestHandler_PlayIssuesVerifiableToken(t *testing.T) {
	e := newTestEnv(t)
	rec, resp := e.post(t, envelope("IntentRequest", "PlayAudioIntent", map[string]string{"query": "rain"}, nil, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(resp.Response.Directives) != 1 || resp.Response.Directives[0].Type != DirectivePlay {
		t.Fatalf("expected one Play directive, got %+v", resp.Response.Directives)
	}

	streamURL, err := url.Parse(resp.Response.Directives[0].AudioItem.Stream.URL)
	if err != nil {
		t.Fatalf("stream url: %v", err)
	}
	if !strings.HasPrefix(streamURL.Path, "/media/track-a") {
		t.Errorf("unexpected stream path %q", streamURL.Path)
	}

	payload, ok := e.tokens.Verify(streamURL.Query().Get("token"), "audioskill")
	if !ok {
		t.Fatal("embedded token must verify")
	}
	if payload.ResourceID != "track-a" {
		t.Errorf("token bound to %q, want track-a", payload.ResourceID)
	}

	s, found, err := e.tracker.GetSession("dev-1")
	if err != nil || !found {
		t.Fatalf("session: found=%v err=%v", found, err)
	}
	if s.State != playback.StatePlaying || s.CurrentIndex != 0 {
		t.Errorf("session not playing at index 0: %+v", s)
	}
}

func TestHandler_PlayNoMatch(t *testing.T) {
	e := newTestEnv(t)
	rec, resp := e.post(t, envelope("IntentRequest", "PlayAudioIntent", map[string]string{"query": "polka"}, nil, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(resp.Response.Directives) != 0 {
		t.Error("no directive expected when nothing matches")
	}
}

func TestHandler_PauseThenResume(t *testing.T) {
	e := newTestEnv(t)
	e.post(t, envelope("IntentRequest", "PlayAudioIntent", map[string]string{"query": "songs"}, nil, nil))

	rec, resp := e.post(t, envelope("IntentRequest", "AMAZON.PauseIntent", nil, nil, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d", rec.Code)
	}
	if len(resp.Response.Directives) != 1 || resp.Response.Directives[0].Type != DirectiveStop {
		t.Fatalf("expected Stop directive, got %+v", resp.Response.Directives)
	}
	s, _, _ := e.tracker.GetSession("dev-1")
	if s.State != playback.StatePaused {
		t.Errorf("expected paused, got %s", s.State)
	}

	rec, resp = e.post(t, envelope("IntentRequest", "AMAZON.ResumeIntent", nil, nil, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", rec.Code)
	}
	if len(resp.Response.Directives) != 1 || resp.Response.Directives[0].Type != DirectivePlay {
		t.Fatalf("expected Play directive on resume, got %+v", resp.Response.Directives)
	}
	s, _, _ = e.tracker.GetSession("dev-1")
	if s.State != playback.StatePlaying {
		t.Errorf("expected playing, got %s", s.State)
	}
}

func TestHandler_ResumeWithoutSession(t *testing.T) {
	e := newTestEnv(t)
	rec, resp := e.post(t, envelope("IntentRequest", "AMAZON.ResumeIntent", nil, nil, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp.Response.OutputSpeech == nil {
		t.Error("expected speech explaining there is nothing to resume")
	}
}

func TestHandler_NextAtQueueEnd(t *testing.T) {
	e := newTestEnv(t)
	e.post(t, envelope("IntentRequest", "PlayAudioIntent", map[string]string{"query": "songs"}, nil, nil))

	rec, resp := e.post(t, envelope("IntentRequest", "AMAZON.NextIntent", nil, nil, nil))
	if rec.Code != http.StatusOK || len(resp.Response.Directives) != 1 {
		t.Fatalf("first next: code=%d directives=%+v", rec.Code, resp.Response.Directives)
	}

	rec, resp = e.post(t, envelope("IntentRequest", "AMAZON.NextIntent", nil, nil, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("second next: expected 200, got %d", rec.Code)
	}
	if len(resp.Response.Directives) != 0 || resp.Response.OutputSpeech == nil {
		t.Errorf("expected boundary speech without directive, got %+v", resp.Response)
	}

	s, _, _ := e.tracker.GetSession("dev-1")
	if s.CurrentIndex != 1 {
		t.Errorf("boundary next must not mutate index, got %d", s.CurrentIndex)
	}
}

func TestHandler_LifecycleEventsUpdateSession(t *testing.T) {
	e := newTestEnv(t)
	e.post(t, envelope("IntentRequest", "PlayAudioIntent", map[string]string{"query": "songs"}, nil, nil))

	offset := int64(12_345)
	rec, _ := e.post(t, envelope("AudioPlayer.PlaybackStopped", "", nil, &offset, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	s, _, _ := e.tracker.GetSession("dev-1")
	if s.State != playback.StateStopped || s.OffsetMs != offset {
		t.Errorf("stopped event not applied: %+v", s)
	}
}

func TestHandler_NearlyFinishedEnqueuesNext(t *testing.T) {
	e := newTestEnv(t)
	e.post(t, envelope("IntentRequest", "PlayAudioIntent", map[string]string{"query": "songs"}, nil, nil))

	rec, resp := e.post(t, envelope("AudioPlayer.PlaybackNearlyFinished", "", nil, nil, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(resp.Response.Directives) != 1 {
		t.Fatalf("expected enqueue directive, got %+v", resp.Response.Directives)
	}
	dir := resp.Response.Directives[0]
	if dir.PlayBehavior != PlayBehaviorEnqueue || dir.ExpectedPreviousToken != "track-a" {
		t.Errorf("unexpected enqueue directive: %+v", dir)
	}

	// Enqueueing must not advance the queue; PlaybackFinished does.
	s, _, _ := e.tracker.GetSession("dev-1")
	if s.CurrentIndex != 0 {
		t.Errorf("nearly-finished advanced the index to %d", s.CurrentIndex)
	}

	e.post(t, envelope("AudioPlayer.PlaybackFinished", "", nil, nil, nil))
	s, _, _ = e.tracker.GetSession("dev-1")
	if s.CurrentIndex != 1 {
		t.Errorf("finished event should advance index, got %d", s.CurrentIndex)
	}
}

func TestHandler_PlaybackFailedRetriesThenAdvances(t *testing.T) {
	e := newTestEnv(t)
	e.post(t, envelope("IntentRequest", "PlayAudioIntent", map[string]string{"query": "songs"}, nil, nil))

	failure := &RequestError{Type: "MEDIA_ERROR_UNKNOWN", Message: "stall"}

	for i := 1; i <= maxResourceRetries; i++ {
		_, resp := e.post(t, envelope("AudioPlayer.PlaybackFailed", "", nil, nil, failure))
		if len(resp.Response.Directives) != 1 {
			t.Fatalf("retry %d: expected a Play directive", i)
		}
		if got := resp.Response.Directives[0].AudioItem.Stream.Token; got != "track-a" {
			t.Fatalf("retry %d should replay track-a, got %q", i, got)
		}
	}

	// Beyond the retry budget the queue advances.
	_, resp := e.post(t, envelope("AudioPlayer.PlaybackFailed", "", nil, nil, failure))
	if len(resp.Response.Directives) != 1 {
		t.Fatal("expected a Play directive for the next track")
	}
	if got := resp.Response.Directives[0].AudioItem.Stream.Token; got != "track-b" {
		t.Errorf("expected advance to track-b, got %q", got)
	}
}

func TestHandler_UnknownTypeIsAcknowledged(t *testing.T) {
	e := newTestEnv(t)
	rec, resp := e.post(t, envelope("System.ExceptionEncountered", "", nil, nil, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(resp.Response.Directives) != 0 {
		t.Error("unknown types get an empty acknowledgment")
	}
}

func TestHandler_MalformedEnvelope(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/alexa/", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCaptureBody_OversizeRejected(t *testing.T) {
	e := newTestEnv(t)
	big := bytes.Repeat([]byte("x"), MaxRequestBody+1)
	req := httptest.NewRequest(http.MethodPost, "/alexa/", bytes.NewReader(big))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestRateLimit_DeniesWithRetryAfter(t *testing.T) {
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	limited := RateLimit(ratelimit.New(), "skill", 2, time.Minute, log, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		limited.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/alexa/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	limited.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/alexa/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 must carry a Retry-After hint")
	}
}
