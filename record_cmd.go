package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/devsound/devsound/internal/audio"
	"github.com/devsound/devsound/internal/engine"
	"github.com/devsound/devsound/utils"
)

var (
	recordDuration time.Duration
	recordEncoding string
	recordGain     float64

	recordCmd = &cobra.Command{
		Use:   "record [OUTPUT]",
		Short: "Record from the input device",
		Long: paragraph(fmt.Sprintf("\n%s from the default input device into a WAV file, or raw PCM when OUTPUT is - or ends in .pcm/.raw. Without OUTPUT a new file is named after a random id.", keyword("Record"))),
		Example: paragraph("devsound record\n" +
			"devsound record -d 10s memo.wav\n" +
			"devsound record --encoding f32le - | sox -t f32 -r 44100 -c 2 - out.flac"),
		Args: cobra.MaximumNArgs(1),
		RunE: runRecord,
	}
)

type nopCloser struct{ io.Writer }

func recordDestination(out string, format audio.Format) (audio.Destination, string, error) {
	if out == "-" {
		enc, err := audio.ParsePCMEncoding(recordEncoding)
		if err != nil {
			return nil, "", err
		}
		return audio.NewPCMWriter(nopCloser{os.Stdout}, format, enc), "stdout", nil
	}

	if out == "" {
		out = fmt.Sprintf("recording-%s.wav", uuid.NewString()[:8])
	}
	out = utils.AbsPath(out)

	switch strings.ToLower(filepath.Ext(out)) {
	case ".pcm", ".raw":
		enc, err := audio.ParsePCMEncoding(recordEncoding)
		if err != nil {
			return nil, "", err
		}
		f, err := os.Create(out) //nolint:gosec
		if err != nil {
			return nil, "", fmt.Errorf("unable to create output: %w", err)
		}
		return audio.NewPCMWriter(f, format, enc), out, nil
	default:
		w, err := audio.CreateWAV(out, format)
		if err != nil {
			return nil, "", fmt.Errorf("unable to create output: %w", err)
		}
		return w, out, nil
	}
}

func runRecord(_ *cobra.Command, args []string) error {
	var out string
	if len(args) > 0 {
		out = args[0]
	}
	if recordGain < 0 || recordGain > 1 {
		return fmt.Errorf("%w: gain %.2f (want 0..1)", audio.ErrInvalidRange, recordGain)
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Error("Could not close audio session", "err", err)
		}
	}()

	dst, name, err := recordDestination(out, sess.Format())
	if err != nil {
		return err
	}
	id, err := sess.Record(dst)
	if err != nil {
		_ = dst.Close()
		if name != "stdout" {
			_ = os.Remove(name)
		}
		return fmt.Errorf("unable to record: %w", err)
	}
	if err := sess.SetGain(id, recordGain); err != nil {
		return err
	}

	// Progress goes to stderr so raw PCM on stdout stays clean.
	fmt.Fprintf(os.Stderr, "%s recording to %s %s\n", heading("●"), name, faint("(ctrl+c to stop)"))

	var timeout <-chan time.Time
	if recordDuration > 0 {
		t := time.NewTimer(recordDuration)
		defer t.Stop()
		timeout = t.C
	}

	events := sess.Events()
	started := time.Now()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-timeout:
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if ev.Kind == engine.EventDeviceLost {
				return fmt.Errorf("recording interrupted: %w", ev.Err)
			}
			if ev.Kind == engine.EventStreamEnded && ev.Stream == id {
				if ev.Err != nil {
					return fmt.Errorf("recording failed: %w", ev.Err)
				}
				break loop
			}
		}
	}

	// Stop flushes and closes the destination.
	if err := sess.Stop(id); err != nil && !errors.Is(err, audio.ErrStreamNotFound) {
		return fmt.Errorf("unable to finish recording: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%s %s %s\n", faint("■"), name, faint(utils.HumanDuration(time.Since(started))))
	return nil
}

func init() {
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0, "stop after this long (0 records until interrupted)")
	recordCmd.Flags().StringVarP(&recordEncoding, "encoding", "e", "s16le", "raw PCM encoding (s16le, f32le)")
	recordCmd.Flags().Float64VarP(&recordGain, "gain", "g", 1, "input gain (0..1)")
}
