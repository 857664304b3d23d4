package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxmatch/internal/jobs"
	"github.com/MrWong99/voxmatch/internal/observe"
	"github.com/MrWong99/voxmatch/pkg/audio"
	"github.com/MrWong99/voxmatch/pkg/audio/wavfile"
	"github.com/MrWong99/voxmatch/pkg/denoise"
	"github.com/MrWong99/voxmatch/pkg/lpc"
	"github.com/MrWong99/voxmatch/pkg/pitch"
	"github.com/MrWong99/voxmatch/pkg/provider/tts"
)

// eventWriteTimeout bounds a single WebSocket write.
const eventWriteTimeout = 10 * time.Second

// handleSubmit accepts a multipart form with a "reference" WAV and either a
// "tts" WAV or a "text" field. Optional fields override the defaults:
// voice, order, frame, hop, pitch, min_note, max_note, method, denoise.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, err)
			return
		}
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	in, err := s.input(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	job, err := s.jobs.Submit(r.Context(), in)
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, jobs.ErrSynthesize) {
			status = http.StatusBadGateway
		}
		s.writeError(w, r, status, err)
		return
	}
	w.Header().Set("Location", "/v1/conversions/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

// input builds a [jobs.Input] from a parsed multipart form.
func (s *Server) input(r *http.Request) (jobs.Input, error) {
	set := s.Settings()
	in := jobs.Input{
		Params:  set.Params,
		Denoise: set.Denoise,
		Voice:   set.Voice,
		Text:    r.FormValue("text"),
	}

	ref, err := formWAV(r, "reference")
	if err != nil {
		return in, err
	}
	if ref.Len() == 0 {
		return in, errors.New(`missing "reference" audio`)
	}
	in.Reference = ref

	if in.TTS, err = formWAV(r, "tts"); err != nil {
		return in, err
	}
	if in.TTS.Len() == 0 && in.Text == "" {
		return in, errors.New(`either "tts" audio or "text" is required`)
	}
	if v := r.FormValue("voice"); v != "" {
		in.Voice = tts.Voice{ID: v}
	}

	if err := applyOverrides(r, &in); err != nil {
		return in, err
	}
	if err := in.Params.Validate(); err != nil {
		return in, err
	}
	return in, nil
}

// formWAV decodes the named file part. A missing part yields an empty buffer.
func formWAV(r *http.Request, field string) (audio.SampleBuffer, error) {
	f, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return audio.SampleBuffer{}, nil
	}
	if err != nil {
		return audio.SampleBuffer{}, fmt.Errorf("%s: %w", field, err)
	}
	defer f.Close()
	buf, err := wavfile.Decode(f)
	if err != nil {
		return audio.SampleBuffer{}, fmt.Errorf("%s: %w", field, err)
	}
	return buf, nil
}

func applyOverrides(r *http.Request, in *jobs.Input) error {
	p := &in.Params
	for _, o := range []struct {
		field string
		dst   *int
	}{
		{"order", &p.LPCOrder},
		{"frame", &p.FrameLength},
		{"hop", &p.HopLength},
	} {
		v := r.FormValue(o.field)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", o.field, err)
		}
		*o.dst = n
	}

	if v := r.FormValue("pitch"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("pitch: %w", err)
		}
		p.PitchCorrection = on
	}
	for _, o := range []struct {
		field string
		dst   *float64
	}{
		{"min_note", &p.PitchMinHz},
		{"max_note", &p.PitchMaxHz},
	} {
		v := r.FormValue(o.field)
		if v == "" {
			continue
		}
		hz, err := pitch.NoteToHz(v)
		if err != nil {
			return fmt.Errorf("%s: %w", o.field, err)
		}
		*o.dst = hz
	}

	if v := r.FormValue("method"); v != "" {
		m := lpc.Method(v)
		if !m.IsValid() {
			return fmt.Errorf("method: unknown estimator %q", v)
		}
		p.Method = m
	}
	if v, ok := r.Form["denoise"]; ok && len(v) > 0 {
		m := denoise.Method(v[0])
		if !m.IsValid() {
			return fmt.Errorf("denoise: unknown method %q", v[0])
		}
		in.Denoise.Method = m
	}
	return nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wav, err := s.jobs.Audio(id)
	if errors.Is(err, jobs.ErrNotFound) {
		// Known to the store but no longer cached: the audio is gone.
		if _, getErr := s.jobs.Get(r.Context(), id); getErr == nil {
			err = fmt.Errorf("%w: audio for %s has expired", jobs.ErrNotReady, id)
			s.writeError(w, r, http.StatusGone, err)
			return
		}
	}
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".wav"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

// handleEvents streams [jobs.Event] values as JSON text messages and closes
// the socket normally after the terminal event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, stop, err := s.jobs.Watch(id)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	defer stop()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.With(r.Context(), s.logger).Warn("websocket accept", "job", id, "err", err)
		return
	}
	defer conn.CloseNow()

	// Client messages are ignored; CloseRead handles pings and closes.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				observe.With(r.Context(), s.logger).Debug("websocket write", "job", id, "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev jobs.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.jobs.Cancel(id); err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type similarResponse struct {
	JobID   string       `json:"job_id"`
	Matches []jobs.Match `json:"matches"`
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	k := 10
	if v := r.URL.Query().Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("k must be a positive integer, got %q", v))
			return
		}
		k = n
	}
	matches, err := s.jobs.Similar(r.Context(), id, k)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, similarResponse{JobID: id, Matches: matches})
}

type voiceBody struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	Provider string            `json:"provider,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	if s.voices == nil {
		s.writeError(w, r, http.StatusNotImplemented, jobs.ErrNoTTS)
		return
	}
	voices, err := s.voices.ListVoices(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusBadGateway, fmt.Errorf("list voices: %w", err))
		return
	}
	out := make([]voiceBody, 0, len(voices))
	for _, v := range voices {
		out = append(out, voiceBody{ID: v.ID, Name: v.Name, Provider: v.Provider, Metadata: v.Metadata})
	}
	writeJSON(w, http.StatusOK, out)
}
