package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/voxmatch/internal/config"
	"github.com/MrWong99/voxmatch/internal/convert"
	"github.com/MrWong99/voxmatch/internal/observe"
	"github.com/MrWong99/voxmatch/internal/resilience"
	"github.com/MrWong99/voxmatch/pkg/audio"
	"github.com/MrWong99/voxmatch/pkg/audio/wavfile"
	"github.com/MrWong99/voxmatch/pkg/denoise"
	"github.com/MrWong99/voxmatch/pkg/lpc"
	"github.com/MrWong99/voxmatch/pkg/pitch"
	"github.com/MrWong99/voxmatch/pkg/provider/tts"
)

// paramFlags are the conversion knobs shared by convert and envelope. Only
// flags given on the command line override the config file.
type paramFlags struct {
	order, frame, hop int
	pitch             bool
	minNote, maxNote  string
	method            string
}

func (f *paramFlags) register(fs *flag.FlagSet) {
	fs.IntVar(&f.order, "order", convert.DefaultLPCOrder, "LPC order")
	fs.IntVar(&f.frame, "frame", convert.DefaultFrameLength, "frame length in samples")
	fs.IntVar(&f.hop, "hop", convert.DefaultHopLength, "hop length in samples")
	fs.BoolVar(&f.pitch, "pitch", true, "shift TTS frames to the reference pitch")
	fs.StringVar(&f.minNote, "min-note", "", "lowest pitch to track, e.g. C2")
	fs.StringVar(&f.maxNote, "max-note", "", "highest pitch to track, e.g. C7")
	fs.StringVar(&f.method, "method", "", "LPC estimator: autocorrelation or burg")
}

func (f *paramFlags) apply(p *convert.Params, set map[string]bool) error {
	if set["order"] {
		p.LPCOrder = f.order
	}
	if set["frame"] {
		p.FrameLength = f.frame
	}
	if set["hop"] {
		p.HopLength = f.hop
	}
	if set["pitch"] {
		p.PitchCorrection = f.pitch
	}
	for _, b := range []struct {
		note string
		dst  *float64
	}{{f.minNote, &p.PitchMinHz}, {f.maxNote, &p.PitchMaxHz}} {
		if b.note == "" {
			continue
		}
		hz, err := pitch.NoteToHz(b.note)
		if err != nil {
			return usagef("%v", err)
		}
		*b.dst = hz
	}
	if f.method != "" {
		m := lpc.Method(f.method)
		if !m.IsValid() {
			return usagef("unknown LPC method %q", f.method)
		}
		p.Method = m
	}
	return p.Validate()
}

// cliLogger builds the logger for one-shot commands. They stay quiet below
// warn unless -v is given so the progress line is readable.
func cliLogger(stderr io.Writer, verbose bool) *slog.Logger {
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelWarn)
	if verbose {
		lvl.Set(slog.LevelDebug)
	}
	return newLogger(stderr, lvl)
}

func runConvert(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("convert", stderr)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: voxmatch convert [flags] <reference.wav> <tts.wav>")
		fmt.Fprintln(fs.Output(), "       voxmatch convert [flags] -text \"...\" <reference.wav>")
		fs.PrintDefaults()
	}
	var pf paramFlags
	pf.register(fs)
	configPath := fs.String("config", "", "YAML config providing defaults and TTS providers")
	out := fs.String("out", "", "output WAV (default <tts>_converted.wav)")
	text := fs.String("text", "", "synthesize the TTS input from this text")
	voice := fs.String("voice", "", "voice for -text (default from config)")
	resample := fs.Bool("resample", false, "resample the TTS input to the reference rate")
	denoiseMethod := fs.String("denoise", "", "noise reduction before conversion: spectral_subtraction or median_filter")
	quiet := fs.Bool("quiet", false, "do not render progress")
	verbose := fs.Bool("v", false, "verbose logging")

	pos, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	want := 2
	if *text != "" {
		want = 1
	}
	if len(pos) != want {
		fs.Usage()
		return usagef("expected %d input files, got %d", want, len(pos))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := cliLogger(stderr, *verbose)
	slog.SetDefault(logger)

	params := cfg.Params()
	if err := pf.apply(&params, setFlags(fs)); err != nil {
		return err
	}
	dn := cfg.DenoiseOptions()
	if *denoiseMethod != "" {
		dn.Method = denoise.Method(*denoiseMethod)
		if !dn.Method.IsValid() {
			return usagef("unknown denoise method %q", *denoiseMethod)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ref, err := wavfile.Read(pos[0])
	if err != nil {
		return err
	}

	var (
		synth   audio.SampleBuffer
		outPath = *out
	)
	if *text != "" {
		v := defaultVoice(cfg)
		if *voice != "" {
			v.ID = *voice
		}
		if synth, err = synthesize(ctx, cfg, *text, v); err != nil {
			return err
		}
		synth = audio.Resample(synth, ref.SampleRate)
		if outPath == "" {
			outPath = siblingPath(pos[0], "_tts_converted")
		}
	} else {
		if synth, err = wavfile.Read(pos[1]); err != nil {
			return err
		}
		if *resample && synth.SampleRate != ref.SampleRate {
			synth = audio.Resample(synth, ref.SampleRate)
		}
		if outPath == "" {
			outPath = siblingPath(pos[1], "_converted")
		}
	}

	if dn.Method != denoise.MethodNone {
		if ref, _, _, err = reduceNoise(ref, dn); err != nil {
			return err
		}
		if synth, _, _, err = reduceNoise(synth, dn); err != nil {
			return err
		}
	}

	var opts []convert.RunOption
	opts = append(opts, convert.WithLogger(logger))
	var bar *progressBar
	if !*quiet {
		bar = newProgressBar(stderr)
		opts = append(opts, convert.WithProgress(bar.Update), convert.WithStateFunc(bar.SetState))
	}
	res, err := convert.Run(ctx, ref, synth, params, opts...)
	if bar != nil {
		bar.Finish(err)
	}
	if err != nil {
		if errors.Is(err, convert.ErrInvalidParameter) && ref.SampleRate != synth.SampleRate {
			return fmt.Errorf("%w (use -resample to match the reference rate)", err)
		}
		return err
	}

	if err := wavfile.Write(outPath, res.Output); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s: %d frames, %d pitch-shifted, %.2fs of audio in %s\n",
		outPath, res.Frames, res.Shifted, res.Output.Duration().Seconds(), res.Elapsed.Round(time.Millisecond))
	return nil
}

func runEnvelope(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("envelope", stderr)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: voxmatch envelope [flags] <reference.wav> [tts.wav] [converted.wav] ...")
		fs.PrintDefaults()
	}
	var pf paramFlags
	pf.register(fs)
	configPath := fs.String("config", "", "YAML config providing defaults")
	points := fs.Int("points", lpc.DefaultEnvelopePoints, "frequency points over [0, fs/2)")
	out := fs.String("out", "", "CSV output file (default stdout)")
	verbose := fs.Bool("v", false, "verbose logging")

	files, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fs.Usage()
		return usagef("at least one WAV file is required")
	}
	if *points <= 0 {
		return usagef("-points must be positive")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(cliLogger(stderr, *verbose))
	params := cfg.Params()
	if err := pf.apply(&params, setFlags(fs)); err != nil {
		return err
	}

	envs, err := envelopes(files, params, *points)
	if err != nil {
		return err
	}

	if *out == "" {
		return writeEnvelopeCSV(stdout, files, envs)
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if err := writeEnvelopeCSV(f, files, envs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// envelopes computes the mean LPC envelope of every file. All files must
// share a sample rate so the frequency columns line up.
func envelopes(files []string, p convert.Params, points int) ([]lpc.SpectralEnvelope, error) {
	envs := make([]lpc.SpectralEnvelope, 0, len(files))
	rate := 0
	for _, path := range files {
		buf, err := wavfile.Read(path)
		if err != nil {
			return nil, err
		}
		if rate == 0 {
			rate = buf.SampleRate
		} else if buf.SampleRate != rate {
			return nil, fmt.Errorf("%s: sample rate %d differs from %d", path, buf.SampleRate, rate)
		}
		env, err := lpc.MeanEnvelope(buf.Samples, lpc.EnvelopeConfig{
			SampleRate:  buf.SampleRate,
			Order:       p.LPCOrder,
			FrameLength: p.FrameLength,
			HopLength:   p.HopLength,
			Points:      points,
			Method:      p.Method,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// writeEnvelopeCSV writes one row per frequency: the frequency in Hz and
// each file's envelope in dB.
func writeEnvelopeCSV(w io.Writer, files []string, envs []lpc.SpectralEnvelope) error {
	cw := csv.NewWriter(w)
	header := []string{"freq_hz"}
	for _, f := range files {
		header = append(header, strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))+"_db")
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	dbs := make([][]float64, len(envs))
	for i, e := range envs {
		dbs[i] = e.Decibels()
	}
	row := make([]string, len(header))
	for k, freq := range envs[0].Freqs {
		row[0] = strconv.FormatFloat(freq, 'f', 2, 64)
		for i := range dbs {
			row[i+1] = strconv.FormatFloat(dbs[i][k], 'f', 3, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func runDenoise(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("denoise", stderr)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: voxmatch denoise [flags] <in.wav>")
		fs.PrintDefaults()
	}
	def := denoise.DefaultConfig()
	method := fs.String("method", string(denoise.MethodSpectralSubtraction), "spectral_subtraction or median_filter")
	fftSize := fs.Int("fft", def.FFTSize, "STFT size")
	hop := fs.Int("hop", def.HopLength, "STFT hop")
	factor := fs.Float64("factor", def.NoiseFactor, "noise subtraction factor")
	noiseSeconds := fs.Float64("noise-seconds", def.NoiseSeconds, "leading seconds assumed to be noise")
	size := fs.Int("size", def.FilterSize, "median filter size")
	out := fs.String("out", "", "output WAV (default <in>_denoised.wav)")

	pos, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		fs.Usage()
		return usagef("expected one input file, got %d", len(pos))
	}
	cfg := denoise.Config{
		Method:       denoise.Method(*method),
		FFTSize:      *fftSize,
		HopLength:    *hop,
		NoiseFactor:  *factor,
		NoiseSeconds: *noiseSeconds,
		FilterSize:   *size,
	}
	if cfg.Method == denoise.MethodNone || !cfg.Method.IsValid() {
		return usagef("unknown denoise method %q", *method)
	}

	buf, err := wavfile.Read(pos[0])
	if err != nil {
		return err
	}
	clean, before, after, err := reduceNoise(buf, cfg)
	if err != nil {
		return err
	}
	outPath := *out
	if outPath == "" {
		outPath = siblingPath(pos[0], "_denoised")
	}
	if err := wavfile.Write(outPath, clean); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "noise floor %.6f -> %.6f\n", before, after)
	fmt.Fprintf(stdout, "wrote %s\n", outPath)
	return nil
}

// reduceNoise applies cfg to buf and returns the noise floor measured before
// and after.
func reduceNoise(buf audio.SampleBuffer, cfg denoise.Config) (clean audio.SampleBuffer, before, after float64, err error) {
	hop := cfg.HopLength
	if hop <= 0 {
		hop = denoise.DefaultConfig().HopLength
	}
	before = denoise.NoiseFloor(buf.Samples, hop)
	if clean, err = denoise.Apply(buf, cfg); err != nil {
		return audio.SampleBuffer{}, 0, 0, err
	}
	after = denoise.NoiseFloor(clean.Samples, hop)
	slog.Info("noise reduced", "method", cfg.Method, "floor_before", before, "floor_after", after)
	return clean, before, after, nil
}

func runSynth(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("synth", stderr)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: voxmatch synth -config config.yaml [flags] <text>")
		fmt.Fprintln(fs.Output(), "       voxmatch synth -config config.yaml -list")
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "config.yaml", "YAML config naming the TTS providers")
	voice := fs.String("voice", "", "voice ID (default from config)")
	out := fs.String("out", "synth.wav", "output WAV")
	rate := fs.Int("rate", 0, "resample the output to this rate")
	list := fs.Bool("list", false, "list the provider's voices and exit")
	verbose := fs.Bool("v", false, "verbose logging")

	pos, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(cliLogger(stderr, *verbose))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *list {
		p, err := ttsFromConfig(cfg)
		if err != nil {
			return err
		}
		voices, err := p.ListVoices(ctx)
		if err != nil {
			return err
		}
		for _, v := range voices {
			fmt.Fprintf(stdout, "%s\t%s\t%s\n", v.ID, v.Name, v.Provider)
		}
		return nil
	}

	text := strings.Join(pos, " ")
	if text == "" {
		fs.Usage()
		return usagef("no text given")
	}
	v := defaultVoice(cfg)
	if *voice != "" {
		v.ID = *voice
	}
	buf, err := synthesize(ctx, cfg, text, v)
	if err != nil {
		return err
	}
	if *rate > 0 {
		buf = audio.Resample(buf, *rate)
	}
	if err := wavfile.Write(*out, buf); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s: %.2fs at %d Hz\n", *out, buf.Duration().Seconds(), buf.SampleRate)
	return nil
}

// ttsFromConfig builds the configured provider chain or fails when none is
// configured.
func ttsFromConfig(cfg *config.Config) (*resilience.TTSFallback, error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	fb, err := buildTTS(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		return nil, err
	}
	if fb == nil {
		return nil, errors.New("no TTS provider configured (providers.tts)")
	}
	return fb, nil
}

func synthesize(ctx context.Context, cfg *config.Config, text string, v tts.Voice) (audio.SampleBuffer, error) {
	p, err := ttsFromConfig(cfg)
	if err != nil {
		return audio.SampleBuffer{}, err
	}
	buf, err := p.Synthesize(ctx, text, v)
	if err != nil {
		return audio.SampleBuffer{}, fmt.Errorf("synthesize: %w", err)
	}
	return buf, nil
}
