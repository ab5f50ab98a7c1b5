package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/tphakala/flac"
)

// Codec names a container/codec the decoder understands.
type Codec string

const (
	CodecWAV  Codec = "wav"
	CodecFLAC Codec = "flac"
)

// Extensions lists the file extensions the decoder accepts.
var Extensions = []string{".wav", ".flac"}

// FileInfo is the header information of an audio file.
type FileInfo struct {
	Path       string
	Codec      Codec
	SampleRate int
	Channels   int
	BitDepth   int
	Frames     int64
	Duration   time.Duration
	Size       int64
}

// pcmReader decodes interleaved samples scaled to [-1,1).
type pcmReader interface {
	read(dst []float32) (int, error)
	info() FileInfo
	close() error
}

// DetectCodec sniffs the file magic, falling back to the extension.
func DetectCodec(path string) (Codec, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err == nil {
		switch string(magic) {
		case "RIFF":
			return CodecWAV, nil
		case "fLaC":
			return CodecFLAC, nil
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return CodecWAV, nil
	case ".flac":
		return CodecFLAC, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
}

// ProbeFile reads the header of a WAV or FLAC file.
func ProbeFile(path string) (FileInfo, error) {
	r, err := openPCM(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer r.close()
	return r.info(), nil
}

func openPCM(path string) (pcmReader, error) {
	codec, err := DetectCodec(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	var r pcmReader
	switch codec {
	case CodecWAV:
		r, err = newWAVReader(f, path, st.Size())
	case CodecFLAC:
		r, err = newFLACReader(f, path, st.Size())
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

type wavReader struct {
	f    *os.File
	dec  *wav.Decoder
	buf  *goaudio.IntBuffer
	data []int
	meta FileInfo
}

func newWAVReader(f *os.File, path string, size int64) (*wavReader, error) {
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid WAV file %s", ErrUnsupportedFormat, filepath.Base(path))
	}
	switch dec.BitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d-bit WAV", ErrUnsupportedFormat, dec.BitDepth)
	}
	if dec.NumChans == 0 {
		return nil, fmt.Errorf("%w: WAV without channels", ErrUnsupportedFormat)
	}

	// The RIFF size includes the header chunks, so count frames from the
	// data chunk instead.
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("%w: WAV without data chunk: %v", ErrUnsupportedFormat, err)
	}
	rate := int(dec.SampleRate)
	frames := dec.PCMLen() / int64(int(dec.BitDepth)/8*int(dec.NumChans))
	var dur time.Duration
	if rate > 0 {
		dur = time.Duration(frames) * time.Second / time.Duration(rate)
	}

	r := &wavReader{
		f:    f,
		dec:  dec,
		data: make([]int, 4096*int(dec.NumChans)),
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{SampleRate: rate, NumChannels: int(dec.NumChans)},
		},
		meta: FileInfo{
			Path:       path,
			Codec:      CodecWAV,
			SampleRate: rate,
			Channels:   int(dec.NumChans),
			BitDepth:   int(dec.BitDepth),
			Frames:     frames,
			Duration:   dur,
			Size:       size,
		},
	}
	return r, nil
}

func (r *wavReader) read(dst []float32) (int, error) {
	want := min(len(dst), len(r.data))
	want -= want % r.meta.Channels
	r.buf.Data = r.data[:want]

	n, err := r.dec.PCMBuffer(r.buf)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}

	depth := r.meta.BitDepth
	for i, v := range r.buf.Data[:n] {
		if depth == 8 {
			// 8-bit WAV is unsigned
			v -= 128
		}
		dst[i] = IntToFloat(v, depth)
	}
	return n, nil
}

func (r *wavReader) info() FileInfo { return r.meta }
func (r *wavReader) close() error   { return r.f.Close() }

type flacReader struct {
	f       *os.File
	dec     *flac.Decoder
	pending []byte
	meta    FileInfo
}

func newFLACReader(f *os.File, path string, size int64) (*flacReader, error) {
	dec, err := flac.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	switch dec.BitsPerSample {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d-bit FLAC", ErrUnsupportedFormat, dec.BitsPerSample)
	}
	if dec.NChannels == 0 || dec.SampleRate == 0 {
		return nil, fmt.Errorf("%w: FLAC stream info missing", ErrUnsupportedFormat)
	}

	frames := int64(dec.TotalSamples)
	return &flacReader{
		f:   f,
		dec: dec,
		meta: FileInfo{
			Path:       path,
			Codec:      CodecFLAC,
			SampleRate: dec.SampleRate,
			Channels:   dec.NChannels,
			BitDepth:   dec.BitsPerSample,
			Frames:     frames,
			Duration:   time.Duration(frames * int64(time.Second) / int64(dec.SampleRate)),
			Size:       size,
		},
	}, nil
}

func (r *flacReader) read(dst []float32) (int, error) {
	width := r.meta.BitDepth / 8
	for len(r.pending) < width {
		frame, err := r.dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("decoding FLAC frame: %w", err)
		}
		r.pending = append(r.pending, frame...)
	}

	n := min(len(dst), len(r.pending)/width)
	n -= n % r.meta.Channels
	for i := 0; i < n; i++ {
		b := r.pending[i*width:]
		var v int
		switch width {
		case 1:
			v = int(int8(b[0]))
		case 2:
			v = int(int16(binary.LittleEndian.Uint16(b)))
		case 3:
			// sign-extend 24-bit little-endian
			v = int(int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8)
		case 4:
			v = int(int32(binary.LittleEndian.Uint32(b)))
		}
		dst[i] = IntToFloat(v, r.meta.BitDepth)
	}
	r.pending = r.pending[n*width:]
	return n, nil
}

func (r *flacReader) info() FileInfo { return r.meta }
func (r *flacReader) close() error   { return r.f.Close() }

// converter maps decoded chunks to the engine format.
type converter struct {
	from    FileInfo
	to      Format
	rs      *Resampler
	chanBuf []float32
}

func newConverter(from FileInfo, to Format) *converter {
	return &converter{
		from: from,
		to:   to,
		rs:   NewResampler(from.SampleRate, to.SampleRate, to.Channels),
	}
}

func (c *converter) convert(dst, in []float32) []float32 {
	c.chanBuf = ConvertChannels(c.chanBuf[:0], in, c.from.Channels, c.to.Channels)
	return c.rs.Process(dst, c.chanBuf)
}

// DecodeFile decodes a whole file into interleaved samples in format.
func DecodeFile(path string, format Format) ([]float32, FileInfo, error) {
	r, err := openPCM(path)
	if err != nil {
		return nil, FileInfo{}, err
	}
	defer r.close()

	meta := r.info()
	conv := newConverter(meta, format)
	out := make([]float32, 0, format.FramesFor(meta.Duration)*int64(format.Channels)+int64(format.Channels))
	chunk := make([]float32, 8192*meta.Channels)
	for {
		n, err := r.read(chunk)
		if n > 0 {
			out = conv.convert(out, chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			return out, meta, nil
		}
		if err != nil {
			return nil, meta, err
		}
	}
}
