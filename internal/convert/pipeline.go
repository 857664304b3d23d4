package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxmatch/internal/observe"
	"github.com/MrWong99/voxmatch/pkg/audio"
	"github.com/MrWong99/voxmatch/pkg/lpc"
	"github.com/MrWong99/voxmatch/pkg/pitch"
)

// Result is the outcome of a successful conversion.
type Result struct {
	// Output holds frameLength + hop·(frames-1) samples at the input rate,
	// peak normalised to [TargetPeak].
	Output audio.SampleBuffer

	// Frames is the number of frames processed, the smaller of the two
	// inputs' frame counts.
	Frames int

	// Shifted counts pitch-corrected frames.
	Shifted int

	// Replaced counts non-finite filter outputs replaced with silence.
	Replaced int

	// Gain is the peak normalisation factor applied to the raw overlap-add.
	Gain float64

	// RefPitch and TTSPitch are the per-frame pitch tracks. They are nil
	// when pitch correction is off.
	RefPitch []pitch.Estimate
	TTSPitch []pitch.Estimate

	Elapsed time.Duration
}

// RunOption customises a single [Run].
type RunOption func(*runConfig)

type runConfig struct {
	onProgress func(int)
	onState    func(State)
	metrics    *observe.Metrics
	logger     *slog.Logger
}

// WithProgress registers fn for progress percentages. Calls are serialised
// and strictly increasing.
func WithProgress(fn func(pct int)) RunOption {
	return func(c *runConfig) { c.onProgress = fn }
}

// WithStateFunc registers fn for lifecycle transitions. Terminal states are
// not reported; the caller learns them from Run's return value.
func WithStateFunc(fn func(State)) RunOption {
	return func(c *runConfig) { c.onState = fn }
}

// WithMetrics records run metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) RunOption {
	return func(c *runConfig) { c.metrics = m }
}

// WithLogger sets the base logger. Trace identifiers are added per run.
func WithLogger(l *slog.Logger) RunOption {
	return func(c *runConfig) { c.logger = l }
}

// Run converts tts so that it carries the excitation, pitch and frame energy
// of ref. Both buffers must share a sample rate; resampling is the caller's
// job. On any error no output is produced.
//
// Parameter problems return errors wrapping [ErrInvalidParameter] before any
// progress is reported. Inputs that cannot hold a single frame return
// [ErrEmptyInput]. Cancelling ctx aborts between frames with ctx's error.
func Run(ctx context.Context, ref, tts audio.SampleBuffer, p Params, opts ...RunOption) (*Result, error) {
	cfg := runConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	ctx, span := observe.StartConversionSpan(ctx, "convert.Run", p.Geometry())
	defer span.End()

	start := time.Now()
	r := &run{
		ctx:      ctx,
		cfg:      cfg,
		p:        p,
		log:      observe.With(ctx, cfg.logger),
		progress: newProgressReporter(cfg.onProgress),
	}
	res, err := r.execute(ref, tts)
	elapsed := time.Since(start)

	status := observe.StatusDone
	switch {
	case err == nil:
		res.Elapsed = elapsed
		span.SetAttributes(attribute.Int("frames", res.Frames))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = observe.StatusCanceled
		span.SetStatus(codes.Error, err.Error())
	default:
		status = observe.StatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	cfg.metrics.RecordConversion(ctx, status, elapsed.Seconds())
	if err != nil {
		r.log.Warn("conversion failed", "err", err, "status", status, "elapsed", elapsed)
		return nil, err
	}
	r.log.Info("conversion finished",
		"frames", res.Frames,
		"shifted", res.Shifted,
		"replaced", res.Replaced,
		"samples", res.Output.Len(),
		"elapsed", elapsed,
	)
	return res, nil
}

// run carries the per-call state of [Run].
type run struct {
	ctx      context.Context
	cfg      runConfig
	p        Params
	log      *slog.Logger
	progress *progressReporter
}

func (r *run) state(s State) {
	if r.cfg.onState != nil {
		r.cfg.onState(s)
	}
}

func (r *run) execute(ref, tts audio.SampleBuffer) (*Result, error) {
	if err := validateInputs(ref, tts, r.p); err != nil {
		return nil, err
	}
	r.state(StateLoaded)
	r.progress.report(progressLoaded)

	refFramer, err := lpc.NewFramer(ref.Samples, r.p.FrameLength, r.p.HopLength)
	if err != nil {
		return nil, fmt.Errorf("convert: reference: %w", err)
	}
	ttsFramer, err := lpc.NewFramer(tts.Samples, r.p.FrameLength, r.p.HopLength)
	if err != nil {
		return nil, fmt.Errorf("convert: tts: %w", err)
	}
	n := min(refFramer.Len(), ttsFramer.Len())
	r.log.Debug("inputs framed",
		"ref_frames", refFramer.Len(),
		"tts_frames", ttsFramer.Len(),
		"frames", n,
		"sample_rate", ref.SampleRate,
	)
	r.state(StateFramed)
	r.progress.report(progressFramed)

	res := &Result{Frames: n}
	var shifter *pitch.Shifter
	if r.p.PitchCorrection {
		res.RefPitch, res.TTSPitch, err = r.trackPitch(ref, tts)
		if err != nil {
			return nil, err
		}
		shifter = &pitch.Shifter{FFTSize: r.p.ShiftFFTSize, SampleRate: ref.SampleRate}
	}

	r.state(StateProcessing)
	frames, err := r.processFrames(n, refFramer, ttsFramer, res, shifter)
	if err != nil {
		return nil, err
	}
	r.progress.report(progressLoopDone)

	r.state(StateNormalizing)
	out := OverlapAdd(frames, r.p.FrameLength, r.p.HopLength)
	res.Gain = PeakNormalize(out)
	res.Output = audio.NewSampleBuffer(out, ref.SampleRate)
	r.progress.report(progressNormalized)
	r.progress.report(progressDone)
	return res, nil
}

func validateInputs(ref, tts audio.SampleBuffer, p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if ref.SampleRate <= 0 || tts.SampleRate <= 0 {
		return fmt.Errorf("convert: sample rates %d/%d must be positive: %w",
			ref.SampleRate, tts.SampleRate, ErrInvalidParameter)
	}
	if ref.SampleRate != tts.SampleRate {
		return fmt.Errorf("convert: reference rate %d Hz differs from tts rate %d Hz: %w",
			ref.SampleRate, tts.SampleRate, ErrInvalidParameter)
	}
	inputs := []struct {
		name string
		buf  audio.SampleBuffer
	}{{"reference", ref}, {"tts", tts}}
	for _, in := range inputs {
		if lpc.FrameCount(in.buf.Len(), p.FrameLength, p.HopLength) == 0 {
			return fmt.Errorf("convert: %s holds %d samples, fewer than one frame of %d: %w",
				in.name, in.buf.Len(), p.FrameLength, ErrEmptyInput)
		}
		if err := in.buf.Validate(); err != nil {
			return fmt.Errorf("convert: %s: %v: %w", in.name, err, ErrInvalidParameter)
		}
	}
	return nil
}

// trackPitch tracks both inputs concurrently and returns once both are done.
func (r *run) trackPitch(ref, tts audio.SampleBuffer) (refTrack, ttsTrack []pitch.Estimate, err error) {
	tracker := pitch.NewTracker(r.p.pitchConfig(ref.SampleRate))
	g, ctx := errgroup.WithContext(r.ctx)
	track := func(name string, samples []float64, dst *[]pitch.Estimate) func() error {
		return func() error {
			ctx, span := observe.StartConversionSpan(ctx, "pitch.Track", r.p.Geometry(), observe.AttrInput.String(name))
			defer span.End()
			start := time.Now()
			est, err := tracker.TrackContext(ctx, samples)
			if err != nil {
				return fmt.Errorf("convert: pitch %s: %w", name, err)
			}
			r.cfg.metrics.PitchDuration.Record(ctx, time.Since(start).Seconds())
			voiced := pitch.VoicedRatio(est)
			span.SetAttributes(attribute.Float64("voiced.ratio", voiced))
			r.log.Debug("pitch tracked", "input", name, "frames", len(est), "voiced_ratio", voiced)
			*dst = est
			return nil
		}
	}
	g.Go(track("reference", ref.Samples, &refTrack))
	g.Go(track("tts", tts.Samples, &ttsTrack))
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return refTrack, ttsTrack, nil
}

// processFrames runs the per-frame chain on a bounded pool. Results land in
// frame-indexed slots so completion order does not matter.
func (r *run) processFrames(n int, refFramer, ttsFramer *lpc.Framer, res *Result, shifter *pitch.Shifter) ([][]float64, error) {
	frames := make([][]float64, n)
	var done, replaced, shifted atomic.Int64
	every := reportEvery(n)

	g, ctx := errgroup.WithContext(r.ctx)
	g.SetLimit(r.p.workers())
	for i := range n {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			out, err := r.processFrame(i, refFramer.Frame(i), ttsFramer.Frame(i), res, shifter)
			if err != nil {
				return fmt.Errorf("convert: frame %d: %w", i, err)
			}
			frames[i] = out.Samples
			replaced.Add(int64(out.replaced))
			if out.Shifted {
				shifted.Add(1)
			}
			r.cfg.metrics.FrameDuration.Record(ctx, time.Since(start).Seconds())

			if d := int(done.Add(1)); d%every == 0 || d == n {
				r.progress.report(loopProgress(d, n))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// The loop may have stopped early without any worker observing it.
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}

	res.Replaced = int(replaced.Load())
	res.Shifted = int(shifted.Load())
	r.cfg.metrics.FramesProcessed.Add(r.ctx, int64(n))
	r.cfg.metrics.PitchShifts.Add(r.ctx, shifted.Load())
	if res.Replaced > 0 {
		r.cfg.metrics.ReplacedSamples.Add(r.ctx, replaced.Load())
		r.log.Warn("non-finite filter output replaced with silence",
			"err", lpc.ErrNumericInstability,
			"samples", res.Replaced,
		)
	}
	return frames, nil
}

type frameOutput struct {
	FrameResult
	replaced int
}

// processFrame implements the chain for frame i: LPC of both windowed
// frames, reference residual, resynthesis through the TTS filter, then
// pitch and energy post-processing.
func (r *run) processFrame(i int, refFrame, ttsFrame []float64, res *Result, shifter *pitch.Shifter) (frameOutput, error) {
	refLPC, err := lpc.Analyze(refFrame, r.p.LPCOrder, r.p.Method)
	if err != nil {
		return frameOutput{}, fmt.Errorf("reference lpc: %w", err)
	}
	ttsLPC, err := lpc.Analyze(ttsFrame, r.p.LPCOrder, r.p.Method)
	if err != nil {
		return frameOutput{}, fmt.Errorf("tts lpc: %w", err)
	}
	residual, err := lpc.Residual(refFrame, refLPC.Coefficients)
	if err != nil {
		return frameOutput{}, fmt.Errorf("residual: %w", err)
	}
	synth, err := lpc.Synthesize(residual.Output, ttsLPC.Coefficients)
	if err != nil {
		return frameOutput{}, fmt.Errorf("synthesis: %w", err)
	}

	fr := PostProcess(synth.Output, refFrame, pitch.At(res.RefPitch, i), pitch.At(res.TTSPitch, i), shifter)
	if fr.Shifted {
		r.log.Debug("frame pitch corrected", "frame", i, "steps", fr.Steps)
	}
	return frameOutput{FrameResult: fr, replaced: residual.Replaced + synth.Replaced}, nil
}
