package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxmatch/internal/convert"
	"github.com/MrWong99/voxmatch/internal/observe"
	"github.com/MrWong99/voxmatch/pkg/audio"
	"github.com/MrWong99/voxmatch/pkg/audio/wavfile"
	"github.com/MrWong99/voxmatch/pkg/denoise"
	"github.com/MrWong99/voxmatch/pkg/lpc"
	"github.com/MrWong99/voxmatch/pkg/provider/tts"
)

var (
	// ErrNoTTS is returned when a text job is submitted to a manager without
	// a TTS provider.
	ErrNoTTS = errors.New("jobs: no TTS provider configured")

	// ErrNotReady is returned by [Manager.Audio] while the job is running,
	// and for jobs that failed or were canceled.
	ErrNotReady = errors.New("jobs: output not available")

	// ErrInvalidInput is returned by [Manager.Submit] for requests that name
	// neither TTS audio nor text.
	ErrInvalidInput = errors.New("jobs: invalid input")

	// ErrSynthesize wraps TTS provider failures of text jobs.
	ErrSynthesize = errors.New("jobs: synthesize")
)

// Default manager settings.
const (
	DefaultRetention       = 24 * time.Hour
	DefaultFingerprintBins = 64

	// fingerprintPoints is the envelope resolution fed to [lpc.Fingerprint].
	fingerprintPoints = 512

	// storeTimeout bounds store writes made from conversion callbacks.
	storeTimeout = 10 * time.Second
)

// Input describes a conversion request.
type Input struct {
	Reference audio.SampleBuffer

	// TTS is the synthetic speech to convert. When empty, Text is rendered
	// with the manager's TTS provider in Voice.
	TTS   audio.SampleBuffer
	Text  string
	Voice tts.Voice

	Params  convert.Params
	Denoise denoise.Config
}

// Option configures a [Manager].
type Option func(*Manager)

// WithTTS sets the provider used for text jobs.
func WithTTS(p tts.Provider) Option { return func(m *Manager) { m.tts = p } }

// WithRetention sets how long finished jobs and their audio are kept.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithFingerprintBins sets the fingerprint length. It must match the
// [PostgresStore] column.
func WithFingerprintBins(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.bins = n
		}
	}
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

type entry struct {
	handle *convert.Handle
	events *fanout
	params convert.Params

	mu  sync.Mutex
	job Job
	wav []byte
}

func (e *entry) snapshot() Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	j := e.job
	j.Fingerprint = nil
	return j
}

// Manager runs conversions and tracks them by ID. All methods are safe for
// concurrent use.
type Manager struct {
	conv   *convert.Converter
	store  Store
	tts    tts.Provider
	logger *slog.Logger
	now    func() time.Time

	retention time.Duration
	bins      int

	// ctx parents every conversion so Close can stop them.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	live map[string]*entry
}

// NewManager returns a manager that runs conversions on conv and records
// them in store.
func NewManager(conv *convert.Converter, store Store, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		conv:      conv,
		store:     store,
		logger:    slog.Default(),
		now:       time.Now,
		retention: DefaultRetention,
		bins:      DefaultFingerprintBins,
		ctx:       ctx,
		cancel:    cancel,
		live:      make(map[string]*entry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Submit prepares in and starts the conversion in the background. Text jobs
// are synthesised before Submit returns so provider errors reach the caller.
// The conversion itself outlives ctx; stop it with [Manager.Cancel].
func (m *Manager) Submit(ctx context.Context, in Input) (Job, error) {
	ctx, span := observe.StartSpan(ctx, "jobs.Submit")
	defer span.End()

	job := Job{
		ID:        uuid.NewString(),
		State:     convert.StatePending,
		Source:    SourceUpload,
		Progress:  -1,
		TraceID:   observe.TraceID(ctx),
		CreatedAt: m.now(),
	}
	span.SetAttributes(observe.AttrJobID.String(job.ID))

	ref, synth, err := m.prepare(ctx, in, &job)
	if err != nil {
		return Job{}, err
	}

	if err := m.store.Put(ctx, job); err != nil {
		return Job{}, err
	}

	e := &entry{params: in.Params, job: job, events: newFanout(job.ID)}

	// Detach from the request but keep its trace.
	runCtx := trace.ContextWithSpanContext(m.ctx, span.SpanContext())
	e.handle = m.conv.Submit(runCtx, convert.Request{Reference: ref, TTS: synth, Params: in.Params})

	m.mu.Lock()
	m.live[job.ID] = e
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-e.handle.Done()
	}()
	e.handle.OnState(func(s convert.State) {
		if s.IsTerminal() {
			return
		}
		e.mu.Lock()
		e.job.State = s
		j := e.job
		e.mu.Unlock()
		m.persist(j)
	})
	e.handle.OnProgress(func(pct int) {
		e.mu.Lock()
		e.job.Progress = pct
		e.mu.Unlock()
	})
	e.handle.OnDone(func(res *convert.Result) { m.finish(e, res, nil) })
	e.handle.OnError(func(err error) { m.finish(e, nil, err) })
	// After finish, so the terminal event carries the final record.
	e.events.attach(e.handle, e.snapshot)

	m.logger.Info("conversion submitted", "job", job.ID, "source", job.Source,
		"rate", job.SampleRate, "trace_id", job.TraceID)
	return e.snapshot(), nil
}

// prepare synthesises, resamples and denoises the inputs.
func (m *Manager) prepare(ctx context.Context, in Input, job *Job) (ref, synth audio.SampleBuffer, err error) {
	ref, synth = in.Reference, in.TTS
	if synth.Len() == 0 {
		if in.Text == "" {
			return ref, synth, fmt.Errorf("%w: neither tts audio nor text given", ErrInvalidInput)
		}
		if m.tts == nil {
			return ref, synth, ErrNoTTS
		}
		synth, err = m.tts.Synthesize(ctx, in.Text, in.Voice)
		if err != nil {
			return ref, synth, fmt.Errorf("%w: %w", ErrSynthesize, err)
		}
		job.Source, job.Text, job.Voice = SourceText, in.Text, in.Voice.ID
	}

	// Synthesised speech rarely matches the recording's rate; uploads must.
	if job.Source == SourceText && ref.SampleRate > 0 && synth.SampleRate != ref.SampleRate {
		synth = audio.Resample(synth, ref.SampleRate)
	}
	job.SampleRate = ref.SampleRate

	if in.Denoise.Method != denoise.MethodNone {
		if ref, err = denoise.Apply(ref, in.Denoise); err != nil {
			return ref, synth, fmt.Errorf("jobs: denoise reference: %w", err)
		}
		if synth, err = denoise.Apply(synth, in.Denoise); err != nil {
			return ref, synth, fmt.Errorf("jobs: denoise tts: %w", err)
		}
	}
	return ref, synth, nil
}

// finish runs once per job on the conversion goroutine.
func (m *Manager) finish(e *entry, res *convert.Result, err error) {
	e.mu.Lock()
	e.job.FinishedAt = m.now()
	e.job.State = e.handle.State()
	if err != nil {
		e.job.Error = err.Error()
	} else {
		e.job.Progress = 100
		e.job.Frames, e.job.Shifted, e.job.Replaced = res.Frames, res.Shifted, res.Replaced
		e.job.Seconds = res.Output.Duration().Seconds()
		wav, encErr := wavfile.EncodeBytes(res.Output)
		if encErr != nil {
			e.job.State = convert.StateFailed
			e.job.Error = encErr.Error()
		}
		e.wav = wav
		e.job.Fingerprint = m.fingerprint(res.Output, e.params)
	}
	j := e.job
	e.mu.Unlock()

	m.persist(j)
	m.logger.Info("conversion finished", "job", j.ID, "state", j.State, "frames", j.Frames, "err", err)
}

func (m *Manager) fingerprint(out audio.SampleBuffer, p convert.Params) []float32 {
	env, err := lpc.MeanEnvelope(out.Samples, lpc.EnvelopeConfig{
		SampleRate:  out.SampleRate,
		Order:       p.LPCOrder,
		FrameLength: p.FrameLength,
		HopLength:   p.HopLength,
		Points:      fingerprintPoints,
		Method:      p.Method,
	})
	if err != nil {
		m.logger.Warn("fingerprint failed", "err", err)
		return nil
	}
	return lpc.Fingerprint(env, m.bins)
}

func (m *Manager) persist(j Job) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.Put(ctx, j); err != nil {
		m.logger.Error("persist job", "job", j.ID, "state", j.State, "err", err)
	}
}

func (m *Manager) entry(id string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live[id]
	return e, ok
}

// Get returns the job with live progress when it is still tracked, otherwise
// the stored record.
func (m *Manager) Get(ctx context.Context, id string) (Job, error) {
	if e, ok := m.entry(id); ok {
		return e.snapshot(), nil
	}
	j, err := m.store.Get(ctx, id)
	j.Fingerprint = nil
	return j, err
}

// Audio returns the WAV encoding of a finished job's output.
func (m *Manager) Audio(id string) ([]byte, error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.State != convert.StateDone || e.wav == nil {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotReady, id, e.job.State)
	}
	return e.wav, nil
}

// Cancel stops a running job. Finished jobs are left untouched.
func (m *Manager) Cancel(id string) error {
	e, ok := m.entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.handle.Cancel()
	return nil
}

// Similar returns up to k finished jobs whose output sounds closest to job
// id's.
func (m *Manager) Similar(ctx context.Context, id string, k int) ([]Match, error) {
	return m.store.Similar(ctx, id, k)
}

// Wait blocks until job id finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (Job, error) {
	e, ok := m.entry(id)
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	select {
	case <-e.handle.Done():
		return e.snapshot(), nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Sweep forgets finished jobs older than the retention period, both the
// cached audio and the stored records.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.retention)
	m.mu.Lock()
	for id, e := range m.live {
		j := e.snapshot()
		if !j.FinishedAt.IsZero() && j.FinishedAt.Before(cutoff) {
			delete(m.live, id)
		}
	}
	m.mu.Unlock()
	return m.store.Prune(ctx, cutoff)
}

// RunSweeper calls [Manager.Sweep] every interval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Warn("sweep jobs", "err", err)
				continue
			}
			if n > 0 {
				m.logger.Debug("swept expired jobs", "count", n)
			}
		}
	}
}

// Close cancels every running conversion and waits for them to finish.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
