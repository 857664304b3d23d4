package jobs

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxmatch/internal/convert"
	"github.com/MrWong99/voxmatch/pkg/audio"
	"github.com/MrWong99/voxmatch/pkg/audio/wavfile"
	"github.com/MrWong99/voxmatch/pkg/denoise"
	"github.com/MrWong99/voxmatch/pkg/lpc"
	"github.com/MrWong99/voxmatch/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxmatch/pkg/provider/tts/mock"
)

const rate = 16000

func sine(n, sampleRate int, freq, amp float64) audio.SampleBuffer {
	s := make([]float64, n)
	for i := range s {
		s[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
	}
	return audio.NewSampleBuffer(s, sampleRate)
}

func testParams() convert.Params {
	return convert.Params{LPCOrder: 8, FrameLength: 512, HopLength: 256}
}

// fakeClock is advanced manually.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	m := NewManager(convert.NewConverter(), store, append([]Option{WithFingerprintBins(16)}, opts...)...)
	t.Cleanup(m.Close)
	return m, store
}

func wait(t *testing.T, m *Manager, id string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	j, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return j
}

func TestManager_SubmitUpload(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	job, err := m.Submit(ctx, Input{
		Reference: sine(rate, rate, 220, 0.5),
		TTS:       sine(rate, rate, 180, 0.5),
		Params:    testParams(),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.ID == "" || job.Source != SourceUpload || job.SampleRate != rate {
		t.Errorf("submitted job = %+v", job)
	}

	done := wait(t, m, job.ID)
	if done.State != convert.StateDone || done.Progress != 100 || done.Error != "" {
		t.Fatalf("finished job = %+v", done)
	}
	if want := lpc.FrameCount(rate, 512, 256); done.Frames != want {
		t.Errorf("frames = %d, want %d", done.Frames, want)
	}
	if done.FinishedAt.IsZero() {
		t.Error("FinishedAt not set")
	}

	wav, err := m.Audio(job.ID)
	if err != nil {
		t.Fatalf("Audio: %v", err)
	}
	buf, err := wavfile.DecodeBytes(wav)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if want := convert.OutputLength(done.Frames, 512, 256); buf.Len() != want || buf.SampleRate != rate {
		t.Errorf("output %d samples at %d Hz, want %d at %d", buf.Len(), buf.SampleRate, want, rate)
	}

	stored, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if stored.State != convert.StateDone || len(stored.Fingerprint) != 16 {
		t.Errorf("stored state %s with %d bins", stored.State, len(stored.Fingerprint))
	}
}

func TestManager_SubmitText(t *testing.T) {
	provider := &ttsmock.Provider{SynthesizeResult: sine(24000, 24000, 150, 0.4)}
	m, _ := newTestManager(t, WithTTS(provider))

	job, err := m.Submit(context.Background(), Input{
		Reference: sine(rate, rate, 220, 0.5),
		Text:      "Hello there.",
		Voice:     tts.Voice{ID: "nova"},
		Params:    testParams(),
		Denoise:   denoise.Config{Method: denoise.MethodSpectralSubtraction},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Source != SourceText || job.Text != "Hello there." || job.Voice != "nova" {
		t.Errorf("job = %+v", job)
	}
	if calls := provider.Calls(); len(calls) != 1 || calls[0].Voice.ID != "nova" {
		t.Errorf("provider calls = %+v", calls)
	}

	// 24 kHz speech is resampled to the reference rate, so the job succeeds.
	if done := wait(t, m, job.ID); done.State != convert.StateDone {
		t.Errorf("state = %s (%s)", done.State, done.Error)
	}
}

func TestManager_SubmitErrors(t *testing.T) {
	ref := sine(rate, rate, 220, 0.5)
	tests := []struct {
		name string
		opts []Option
		in   Input
		want error
	}{
		{"nothing to convert", nil, Input{Reference: ref}, ErrInvalidInput},
		{"text without provider", nil, Input{Reference: ref, Text: "hi"}, ErrNoTTS},
		{
			"provider fails",
			[]Option{WithTTS(&ttsmock.Provider{SynthesizeErr: tts.ErrNoAudio})},
			Input{Reference: ref, Text: "hi"},
			tts.ErrNoAudio,
		},
		{
			"bad denoise method",
			nil,
			Input{Reference: ref, TTS: ref, Denoise: denoise.Config{Method: "wiener"}},
			denoise.ErrUnknownMethod,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store := newTestManager(t, tt.opts...)
			_, err := m.Submit(context.Background(), tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if len(store.jobs) != 0 {
				t.Errorf("rejected submission was stored: %v", store.jobs)
			}
		})
	}
}

func TestManager_FailedConversion(t *testing.T) {
	m, store := newTestManager(t)
	job, err := m.Submit(context.Background(), Input{
		Reference: sine(rate, rate, 220, 0.5),
		TTS:       sine(22050, 22050, 180, 0.5),
		Params:    testParams(),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := wait(t, m, job.ID)
	if done.State != convert.StateFailed || done.Error == "" {
		t.Errorf("job = %+v, want failed with error", done)
	}
	if _, err := m.Audio(job.ID); !errors.Is(err, ErrNotReady) {
		t.Errorf("Audio: err = %v, want ErrNotReady", err)
	}
	if stored, _ := store.Get(context.Background(), job.ID); stored.State != convert.StateFailed {
		t.Errorf("stored state = %s", stored.State)
	}
}

func TestManager_UnknownJob(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: %v", err)
	}
	if _, err := m.Audio("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Audio: %v", err)
	}
	if err := m.Cancel("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel: %v", err)
	}
	if _, _, err := m.Watch("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Watch: %v", err)
	}
	if _, err := m.Wait(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Wait: %v", err)
	}
}

func TestManager_Watch(t *testing.T) {
	m, _ := newTestManager(t)
	job, err := m.Submit(context.Background(), Input{
		Reference: sine(2*rate, rate, 220, 0.5),
		TTS:       sine(2*rate, rate, 180, 0.5),
		Params:    testParams(),
	})
	if err != nil {
		t.Fatal(err)
	}
	events, stop, err := m.Watch(job.ID)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	var got []Event
	timeout := time.After(30 * time.Second)
	for open := true; open; {
		select {
		case ev, ok := <-events:
			if !ok {
				open = false
				break
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}

	if len(got) == 0 {
		t.Fatal("no events")
	}
	last := got[len(got)-1]
	if last.Type != EventDone || last.Job == nil || last.Job.State != convert.StateDone || last.State != convert.StateDone {
		t.Errorf("last event = %+v", last)
	}
	prev := -1
	for _, ev := range got[:len(got)-1] {
		if ev.JobID != job.ID {
			t.Errorf("event for %s", ev.JobID)
		}
		if ev.Type == EventDone || ev.Type == EventError {
			t.Errorf("terminal event %s before the end", ev.Type)
		}
		if ev.Type == EventProgress {
			if ev.Progress <= prev {
				t.Errorf("progress %d after %d", ev.Progress, prev)
			}
			prev = ev.Progress
		}
	}

	// Watching a finished job yields only the replay.
	again, stopAgain, err := m.Watch(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer stopAgain()
	var replay []Event
	for ev := range again {
		replay = append(replay, ev)
	}
	if n := len(replay); n == 0 || replay[n-1].Type != EventDone {
		t.Errorf("replay = %+v", replay)
	}
}

func TestManager_WatchStopReleasesSubscriber(t *testing.T) {
	m, _ := newTestManager(t)
	job, err := m.Submit(context.Background(), Input{
		Reference: sine(20*rate, rate, 220, 0.5),
		TTS:       sine(20*rate, rate, 180, 0.5),
		Params:    testParams(),
	})
	if err != nil {
		t.Fatal(err)
	}
	e, ok := m.entry(job.ID)
	if !ok {
		t.Fatal("job not tracked")
	}

	for i := 0; i < 50; i++ {
		events, stop, err := m.Watch(job.ID)
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		stop()
		stop()
		for range events {
			// Drain the replay; the channel must be closed by stop.
		}
	}
	if n := e.events.watcherCount(); n != 0 {
		t.Errorf("%d watchers left after stop", n)
	}

	// A live subscriber still gets the terminal event after others left.
	events, stop, err := m.Watch(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()
	if err := m.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	var last Event
	timeout := time.After(30 * time.Second)
	for open := true; open; {
		select {
		case ev, ok := <-events:
			if !ok {
				open = false
				break
			}
			last = ev
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
	// The job may finish before Cancel lands.
	if (last.Type != EventError && last.Type != EventDone) || last.Job == nil {
		t.Errorf("last event = %+v", last)
	}
	if n := e.events.watcherCount(); n != 0 {
		t.Errorf("%d watchers left after the terminal event", n)
	}
}

func TestManager_Cancel(t *testing.T) {
	// With a single slot the second job stays pending behind the first
	// until it is canceled.
	conv := convert.NewConverter(convert.WithMaxConcurrent(1))
	store := NewMemoryStore()
	m := NewManager(conv, store)
	t.Cleanup(m.Close)

	long := sine(20*rate, rate, 220, 0.5)
	first, err := m.Submit(context.Background(), Input{Reference: long, TTS: long, Params: convert.DefaultParams()})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Submit(context.Background(), Input{Reference: long, TTS: long, Params: convert.DefaultParams()})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel(second.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := m.Cancel(first.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	for _, id := range []string{first.ID, second.ID} {
		if j := wait(t, m, id); j.State != convert.StateCanceled {
			t.Errorf("job %s state = %s, want canceled", id, j.State)
		}
	}
}

func TestManager_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m, store := newTestManager(t, WithClock(clock.Now), WithRetention(time.Hour))
	ctx := context.Background()

	job, err := m.Submit(ctx, Input{
		Reference: sine(rate, rate, 220, 0.5),
		TTS:       sine(rate, rate, 180, 0.5),
		Params:    testParams(),
	})
	if err != nil {
		t.Fatal(err)
	}
	wait(t, m, job.ID)

	if n, err := m.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}
	if _, err := m.Audio(job.ID); err != nil {
		t.Fatalf("audio gone before retention: %v", err)
	}

	clock.Advance(2 * time.Hour)
	if n, err := m.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1", n, err)
	}
	if _, err := m.Get(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after sweep: %v", err)
	}
	if _, err := store.Get(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("store still holds the job: %v", err)
	}
}

func TestManager_Similar(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var ids []string
	for _, f := range []float64{200, 210, 900} {
		job, err := m.Submit(ctx, Input{
			Reference: sine(rate, rate, f, 0.5),
			TTS:       sine(rate, rate, 180, 0.5),
			Params:    testParams(),
		})
		if err != nil {
			t.Fatal(err)
		}
		wait(t, m, job.ID)
		ids = append(ids, job.ID)
	}

	matches, err := m.Similar(ctx, ids[0], 5)
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	for _, mt := range matches {
		if mt.Job.ID == ids[0] {
			t.Error("a job matched itself")
		}
		if mt.Distance < 0 || mt.Distance > 2 {
			t.Errorf("distance %v out of range", mt.Distance)
		}
	}
}
