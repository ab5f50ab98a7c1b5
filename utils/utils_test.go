package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpandPath(t *testing.T) {
	t.Setenv("DEVSOUND_TEST_DIR", "/tmp/sounds")
	home, err := os.UserHomeDir()
	if err == nil {
		assert.Equal(t, filepath.Join(home, "music"), ExpandPath("~/music"))
	}
	assert.Equal(t, "/tmp/sounds/a.wav", ExpandPath("$DEVSOUND_TEST_DIR/a.wav"))
	assert.Empty(t, ExpandPath(""))
}

func TestIsAudioFile(t *testing.T) {
	for path, want := range map[string]bool{
		"a.wav":     true,
		"B.FLAC":    true,
		"c.mp3":     false,
		"noext":     false,
		"dir/d.Wav": true,
	} {
		assert.Equal(t, want, IsAudioFile(path), path)
	}
}

func TestHumanDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00"},
		{-time.Second, "0:00"},
		{61 * time.Second, "1:01"},
		{1500 * time.Millisecond, "0:02"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HumanDuration(tt.in), tt.in.String())
	}
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "-", HumanBytes(0))
	assert.Equal(t, "2.0 kB", HumanBytes(2000))
}
