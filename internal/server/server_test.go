package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxmatch/internal/convert"
	"github.com/MrWong99/voxmatch/internal/jobs"
	"github.com/MrWong99/voxmatch/pkg/audio"
	"github.com/MrWong99/voxmatch/pkg/audio/wavfile"
	"github.com/MrWong99/voxmatch/pkg/lpc"
	"github.com/MrWong99/voxmatch/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxmatch/pkg/provider/tts/mock"
)

const rate = 16000

func sine(n int, freq float64) audio.SampleBuffer {
	s := make([]float64, n)
	for i := range s {
		s[i] = 0.5 * math.Sin(2*math.Pi*freq*float64(i)/rate)
	}
	return audio.NewSampleBuffer(s, rate)
}

func wavBytes(t *testing.T, buf audio.SampleBuffer) []byte {
	t.Helper()
	b, err := wavfile.EncodeBytes(buf)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return b
}

func testSettings() Settings {
	return Settings{Params: convert.Params{LPCOrder: 8, FrameLength: 512, HopLength: 256}}
}

type fixture struct {
	srv     *Server
	jobs    *jobs.Manager
	tts     *ttsmock.Provider
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	provider := &ttsmock.Provider{
		SynthesizeResult: sine(rate, 150),
		ListVoicesResult: []tts.Voice{{ID: "v1", Name: "Narrator", Provider: "mock"}},
	}
	m := jobs.NewManager(convert.NewConverter(), jobs.NewMemoryStore(),
		jobs.WithTTS(provider), jobs.WithFingerprintBins(16))
	t.Cleanup(m.Close)
	s := New(m, testSettings(), WithVoices(provider))
	return &fixture{srv: s, jobs: m, tts: provider, handler: s.Handler()}
}

// form builds a multipart body. Values of type []byte become file parts.
func form(t *testing.T, fields map[string]any) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		switch v := v.(type) {
		case []byte:
			fw, err := mw.CreateFormFile(k, k+".wav")
			if err != nil {
				t.Fatal(err)
			}
			fw.Write(v)
		case string:
			if err := mw.WriteField(k, v); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &body, mw.FormDataContentType()
}

func (f *fixture) do(t *testing.T, method, path string, fields map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if fields != nil {
		body, ct := form(t, fields)
		req = httptest.NewRequest(method, path, body)
		req.Header.Set("Content-Type", ct)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) submit(t *testing.T, fields map[string]any) jobs.Job {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/conversions", fields)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST status = %d, body %s", rec.Code, rec.Body)
	}
	var j jobs.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &j); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if loc := rec.Header().Get("Location"); loc != "/v1/conversions/"+j.ID {
		t.Errorf("Location = %q", loc)
	}
	return j
}

func (f *fixture) wait(t *testing.T, id string) jobs.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	j, err := f.jobs.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return j
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body, err)
	}
	return body.Error
}

func TestSubmitUpload(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, map[string]any{
		"reference": wavBytes(t, sine(rate, 220)),
		"tts":       wavBytes(t, sine(rate, 180)),
	})
	if job.Source != jobs.SourceUpload || job.SampleRate != rate {
		t.Errorf("job = %+v", job)
	}
	f.wait(t, job.ID)

	rec := f.do(t, http.MethodGet, "/v1/conversions/"+job.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var got jobs.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.State != convert.StateDone || got.Progress != 100 {
		t.Errorf("job after wait = %+v", got)
	}

	rec = f.do(t, http.MethodGet, "/v1/conversions/"+job.ID+"/audio", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audio status = %d, body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q", ct)
	}
	out, err := wavfile.DecodeBytes(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if want := convert.OutputLength(got.Frames, 512, 256); out.Len() != want {
		t.Errorf("output has %d samples, want %d", out.Len(), want)
	}
}

func TestSubmitText(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, map[string]any{
		"reference": wavBytes(t, sine(rate, 220)),
		"text":      "Hello there.",
		"voice":     "v1",
	})
	if job.Source != jobs.SourceText || job.Voice != "v1" {
		t.Errorf("job = %+v", job)
	}
	calls := f.tts.Calls()
	if len(calls) != 1 || calls[0].Text != "Hello there." || calls[0].Voice.ID != "v1" {
		t.Errorf("synthesize calls = %+v", calls)
	}
	if done := f.wait(t, job.ID); done.State != convert.StateDone {
		t.Errorf("state = %s, error %q", done.State, done.Error)
	}
}

func TestSubmitErrors(t *testing.T) {
	ref := sine(rate, 220)
	tests := []struct {
		name     string
		fields   map[string]any
		synthErr error
		want     int
	}{
		{
			name:   "missing reference",
			fields: map[string]any{"text": "hi"},
			want:   http.StatusBadRequest,
		},
		{
			name:   "neither tts nor text",
			fields: map[string]any{"reference": wavBytes(t, ref)},
			want:   http.StatusBadRequest,
		},
		{
			name:   "reference is not wav",
			fields: map[string]any{"reference": []byte("not a wav file"), "text": "hi"},
			want:   http.StatusBadRequest,
		},
		{
			name:   "order not a number",
			fields: map[string]any{"reference": wavBytes(t, ref), "text": "hi", "order": "many"},
			want:   http.StatusBadRequest,
		},
		{
			name:   "order above frame length",
			fields: map[string]any{"reference": wavBytes(t, ref), "text": "hi", "order": "600"},
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown estimator",
			fields: map[string]any{"reference": wavBytes(t, ref), "text": "hi", "method": "cepstral"},
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown denoise method",
			fields: map[string]any{"reference": wavBytes(t, ref), "text": "hi", "denoise": "wiener"},
			want:   http.StatusBadRequest,
		},
		{
			name:   "bad note",
			fields: map[string]any{"reference": wavBytes(t, ref), "text": "hi", "min_note": "H9"},
			want:   http.StatusBadRequest,
		},
		{
			name:     "provider failure",
			fields:   map[string]any{"reference": wavBytes(t, ref), "text": "hi"},
			synthErr: errors.New("upstream exploded"),
			want:     http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.tts.SynthesizeErr = tt.synthErr
			rec := f.do(t, http.MethodPost, "/v1/conversions", tt.fields)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
			if msg := decodeError(t, rec); msg == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestSubmit_NotMultipart(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/conversions", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSubmit_TooLarge(t *testing.T) {
	provider := &ttsmock.Provider{SynthesizeResult: sine(rate, 150)}
	m := jobs.NewManager(convert.NewConverter(), jobs.NewMemoryStore(), jobs.WithTTS(provider))
	t.Cleanup(m.Close)
	h := New(m, testSettings(), WithMaxUploadBytes(1024)).Handler()

	body, ct := form(t, map[string]any{"reference": wavBytes(t, sine(rate, 220)), "text": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/v1/conversions", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestSetSettings(t *testing.T) {
	f := newFixture(t)
	set := testSettings()
	set.Params.FrameLength, set.Params.HopLength = 1024, 512
	f.srv.SetSettings(set)

	job := f.submit(t, map[string]any{
		"reference": wavBytes(t, sine(rate, 220)),
		"tts":       wavBytes(t, sine(rate, 180)),
	})
	done := f.wait(t, job.ID)
	if want := lpc.FrameCount(rate, 1024, 512); done.Frames != want {
		t.Errorf("frames = %d, want %d", done.Frames, want)
	}

	// Form fields still win over the defaults.
	job = f.submit(t, map[string]any{
		"reference": wavBytes(t, sine(rate, 220)),
		"tts":       wavBytes(t, sine(rate, 180)),
		"frame":     "512",
		"hop":       "128",
	})
	done = f.wait(t, job.ID)
	if want := lpc.FrameCount(rate, 512, 128); done.Frames != want {
		t.Errorf("frames with override = %d, want %d", done.Frames, want)
	}
}

func TestUnknownJob(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/conversions/nope"},
		{http.MethodGet, "/v1/conversions/nope/audio"},
		{http.MethodGet, "/v1/conversions/nope/events"},
		{http.MethodGet, "/v1/conversions/nope/similar"},
		{http.MethodDelete, "/v1/conversions/nope"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := f.do(t, tc.method, tc.path, nil)
			if rec.Code != http.StatusNotFound {
				t.Errorf("status = %d, want 404", rec.Code)
			}
		})
	}
}

func TestCancel(t *testing.T) {
	provider := &ttsmock.Provider{}
	m := jobs.NewManager(convert.NewConverter(convert.WithMaxConcurrent(1)), jobs.NewMemoryStore(),
		jobs.WithTTS(provider))
	t.Cleanup(m.Close)
	f := &fixture{jobs: m, tts: provider, handler: New(m, Settings{Params: convert.DefaultParams()}).Handler()}

	long := map[string]any{
		"reference": wavBytes(t, sine(20*rate, 220)),
		"tts":       wavBytes(t, sine(20*rate, 180)),
	}
	first := f.submit(t, long)
	second := f.submit(t, long)

	// The second job is queued behind the first, so it cannot finish before
	// the cancel lands.
	rec := f.do(t, http.MethodDelete, "/v1/conversions/"+second.ID, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("DELETE status = %d, body %s", rec.Code, rec.Body)
	}
	if done := f.wait(t, second.ID); done.State != convert.StateCanceled {
		t.Errorf("state = %s, want canceled", done.State)
	}
	rec = f.do(t, http.MethodGet, "/v1/conversions/"+second.ID+"/audio", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("audio of canceled job: status = %d, want 409", rec.Code)
	}
	m.Cancel(first.ID)
}

func TestSimilar(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for _, freq := range []float64{200, 210, 900} {
		job := f.submit(t, map[string]any{
			"reference": wavBytes(t, sine(rate, freq)),
			"tts":       wavBytes(t, sine(rate, 180)),
		})
		f.wait(t, job.ID)
		ids = append(ids, job.ID)
	}

	rec := f.do(t, http.MethodGet, "/v1/conversions/"+ids[0]+"/similar?k=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got similarResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.JobID != ids[0] || len(got.Matches) != 1 {
		t.Fatalf("response = %+v", got)
	}
	if m := got.Matches[0]; m.Job.ID == ids[0] || m.Distance < 0 {
		t.Errorf("match = %+v", m)
	}

	for _, k := range []string{"0", "-1", "x"} {
		rec := f.do(t, http.MethodGet, "/v1/conversions/"+ids[0]+"/similar?k="+k, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("k=%s: status = %d, want 400", k, rec.Code)
		}
	}
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	job := f.submit(t, map[string]any{
		"reference": wavBytes(t, sine(rate, 220)),
		"tts":       wavBytes(t, sine(rate, 180)),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/conversions/" + job.ID + "/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var events []jobs.Event
	for {
		var ev jobs.Event
		err := wsjson.Read(ctx, conn, &ev)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
				t.Fatalf("read: %v (close status %d)", err, status)
			}
			break
		}
		events = append(events, ev)
	}

	if len(events) == 0 {
		t.Fatal("no events received")
	}
	last := events[len(events)-1]
	if last.Type != jobs.EventDone || last.JobID != job.ID || last.Job == nil || last.Job.State != convert.StateDone {
		t.Errorf("terminal event = %+v", last)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Type == jobs.EventDone || ev.Type == jobs.EventError {
			t.Errorf("terminal event %+v before the end", ev)
		}
	}
}

func TestVoices(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/voices", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got []voiceBody
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "v1" || got[0].Name != "Narrator" {
		t.Errorf("voices = %+v", got)
	}

	f.tts.ListVoicesErr = errors.New("down")
	if rec := f.do(t, http.MethodGet, "/v1/voices", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("status with provider error = %d, want 502", rec.Code)
	}

	m := jobs.NewManager(convert.NewConverter(), jobs.NewMemoryStore())
	t.Cleanup(m.Close)
	rec = httptest.NewRecorder()
	New(m, testSettings()).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/voices", nil))
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status without provider = %d, want 501", rec.Code)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := f.do(t, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, rec.Code)
		}
	}
}

func TestListenAndServe_Shutdown(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.srv.ListenAndServe(ctx, "127.0.0.1:0", "", "", time.Second) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("ListenAndServe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
