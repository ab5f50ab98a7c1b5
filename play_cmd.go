package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/devsound/devsound/internal/audio"
	"github.com/devsound/devsound/internal/engine"
	"github.com/devsound/devsound/utils"
)

var (
	toneFreq      float64
	toneWaveform  string
	toneAmplitude float64
	playDuration  time.Duration
	playGain      float64
	playSample    bool
	playLoop      bool

	playCmd = &cobra.Command{
		Use:   "play [FILE...]",
		Short: "Play files, samples or a test tone",
		Long: paragraph(fmt.Sprintf("\n%s WAV and FLAC files, mixed together, or a synthesized tone. Samples are decoded once and cached.", keyword("Play"))),
		Example: paragraph("devsound play song.flac\n" +
			"devsound play --tone 440 --duration 2s\n" +
			"devsound play --sample --loop kick.wav hat.wav"),
		RunE: runPlay,
	}
)

func runPlay(_ *cobra.Command, args []string) error {
	if len(args) == 0 && toneFreq == 0 {
		return errors.New("nothing to play: pass files or --tone")
	}
	if playGain < 0 || playGain > 1 {
		return fmt.Errorf("%w: gain %.2f (want 0..1)", audio.ErrInvalidRange, playGain)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if playDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, playDuration)
		defer cancel()
	}

	sources, closeSources, err := playSources(args)
	if err != nil {
		return err
	}
	defer closeSources()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Error("Could not close audio session", "err", err)
		}
	}()

	pending := make(map[audio.StreamID]string, len(sources))
	for _, src := range sources {
		id, err := sess.Play(src)
		if err != nil {
			return fmt.Errorf("unable to play %s: %w", src.Name(), err)
		}
		if err := sess.SetGain(id, playGain); err != nil {
			return err
		}
		pending[id] = src.Name()
		fmt.Printf("%s %s %s\n", keyword("▶"), src.Name(), faint(utils.HumanDuration(src.Duration())))
	}

	return waitForStreams(ctx, sess.Engine, pending)
}

// playSources builds the sources for args and the tone flags. The returned
// func closes sources that never made it into the engine.
func playSources(args []string) ([]*audio.Source, func(), error) {
	format := mixFormat()
	var sources []*audio.Source
	closeAll := func() {
		for _, s := range sources {
			_ = s.Close()
		}
	}

	if toneFreq > 0 {
		wave, err := audio.ParseWaveform(toneWaveform)
		if err != nil {
			return nil, nil, err
		}
		src, err := audio.NewTone(audio.ToneConfig{
			Frequency: toneFreq,
			Amplitude: toneAmplitude,
			Waveform:  wave,
			Duration:  playDuration,
		}, format)
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, src.Named(fmt.Sprintf("%s %.0f Hz", wave, toneFreq)))
	}

	if len(args) == 0 {
		return sources, closeAll, nil
	}

	if playSample {
		clips, err := openClipCache()
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		defer clips.Close() //nolint:errcheck
		for _, arg := range args {
			src, err := clips.Source(utils.AbsPath(arg), format, playLoop)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("unable to load sample: %w", err)
			}
			sources = append(sources, src)
		}
		st := clips.Stats()
		log.Debug("Sample cache", "memory_hits", st.MemoryHits, "disk_hits", st.DiskHits, "decodes", st.Decodes)
		return sources, closeAll, nil
	}

	for _, arg := range args {
		src, err := audio.OpenFile(utils.AbsPath(arg), format, audio.DefaultFileOptions())
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("unable to open file: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, closeAll, nil
}

// waitForStreams prints stream events until every pending stream ended or
// ctx is done, then stops whatever is left.
func waitForStreams(ctx context.Context, eng *engine.Engine, pending map[audio.StreamID]string) error {
	events := eng.Events()
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			var errs []error
			for id := range pending {
				errs = append(errs, eng.Stop(id))
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.Join(errs...)
			}
			fmt.Println(faint("interrupted"))
			return errors.Join(errs...)

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case engine.EventStreamEnded:
				if name, ok := pending[ev.Stream]; ok {
					delete(pending, ev.Stream)
					fmt.Printf("%s %s %s\n", faint("■"), name, faint(ev.Reason))
				}
			case engine.EventUnderrun:
				log.Warn("Underrun", "stream", ev.Stream)
			case engine.EventDeviceLost:
				return fmt.Errorf("playback stopped: %w", ev.Err)
			}
		}
	}
	return nil
}

func init() {
	playCmd.Flags().Float64VarP(&toneFreq, "tone", "t", 0, "play a tone at this frequency in Hz")
	playCmd.Flags().StringVar(&toneWaveform, "waveform", "sine", "tone waveform (sine, square, triangle, sawtooth)")
	playCmd.Flags().Float64Var(&toneAmplitude, "amplitude", 0.5, "tone amplitude (0..1)")
	playCmd.Flags().DurationVarP(&playDuration, "duration", "d", 0, "stop after this long (0 plays to the end)")
	playCmd.Flags().Float64VarP(&playGain, "gain", "g", 1, "stream gain (0..1)")
	playCmd.Flags().BoolVarP(&playSample, "sample", "s", false, "decode files fully and cache them")
	playCmd.Flags().BoolVarP(&playLoop, "loop", "l", false, "loop samples (with --sample)")
}
