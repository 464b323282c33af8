package ringlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestZeroDefaultLevelIsInfo(t *testing.T) {
	level := Zero.GetLevel()
	if level != zerolog.InfoLevel {
		t.Fatalf("expected default log level to be Info, got: %v", level)
	}
}

func TestParseLevel(t *testing.T) {
	for in, exp := range map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		"info":     zerolog.InfoLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"fatal":    zerolog.FatalLevel,
		"disabled": zerolog.Disabled,
		"verbose":  zerolog.InfoLevel,
	} {
		if got := parseLevel(in); got != exp {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, exp)
		}
	}
}

func TestUpdateZeroLogLevel(t *testing.T) {
	saved := Zero
	t.Cleanup(func() { Zero = saved })

	var buf bytes.Buffer
	SetOutput(&buf)
	if err := UpdateZeroLogLevel("error"); err != nil {
		t.Fatal(err)
	}

	Zero.Info().Msg("dropped")
	Zero.Error().Str("shard", "shard_0").Msg("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info message logged at error level: %s", out)
	}
	if !strings.Contains(out, `"shard":"shard_0"`) {
		t.Fatalf("expected structured field in output, got: %s", out)
	}
}
