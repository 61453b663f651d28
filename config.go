package conject

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

// Phase names a stage of a run. Phases can be disabled individually, e.g.
// a pure-replay run uses only PhaseReuse.
type Phase string

const (
	// PhaseReuse replays buffers stored in the database.
	PhaseReuse Phase = "reuse"
	// PhaseGenerate searches for new failing examples.
	PhaseGenerate Phase = "generate"
	// PhaseShrink minimizes each failure found.
	PhaseShrink Phase = "shrink"
)

// Settings holds all runner configuration options.
type Settings struct {
	// MaxExamples is the number of valid examples to run before stopping,
	// when no failure is found.
	MaxExamples int `json:"max_examples"` //nolint:tagliatelle // snake_case for config file
	// BufferSize caps the bytes a single example may consume.
	BufferSize int `json:"buffer_size"` //nolint:tagliatelle // snake_case for config file
	// MaxShrinks bounds how many times the shrinker may improve a failure.
	MaxShrinks int `json:"max_shrinks"` //nolint:tagliatelle // snake_case for config file
	// TimeoutSeconds bounds the whole run in wall-clock time; zero means
	// no limit.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"` //nolint:tagliatelle // snake_case for config file
	// Seed fixes the random source; zero seeds from the clock.
	Seed int64 `json:"seed,omitempty"`
	// Phases restricts which stages run. Empty means all.
	Phases []Phase `json:"phases,omitempty"`

	// DebugWriter, when set, receives progress and pass statistics.
	DebugWriter io.Writer `json:"-"`
	// Database stores minimal failing buffers between runs; nil disables
	// persistence.
	Database Database `json:"-"`
	// DatabaseKey namespaces this test's entries in the Database.
	DatabaseKey string `json:"-"`
}

// DefaultSettings returns the default configuration.
func DefaultSettings() Settings {
	return Settings{
		MaxExamples: 100,
		BufferSize:  8 * 1024,
		MaxShrinks:  500,
	}
}

func (s Settings) timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds * float64(time.Second))
}

func (s Settings) phaseEnabled(p Phase) bool {
	if len(s.Phases) == 0 {
		return true
	}

	for _, q := range s.Phases {
		if q == p {
			return true
		}
	}

	return false
}

func (s Settings) validate() error {
	if s.MaxExamples <= 0 {
		return fmt.Errorf("%w: max_examples must be positive", errSettingsInvalid)
	}

	if s.BufferSize <= 0 {
		return fmt.Errorf("%w: buffer_size must be positive", errSettingsInvalid)
	}

	if s.MaxShrinks < 0 {
		return fmt.Errorf("%w: max_shrinks cannot be negative", errSettingsInvalid)
	}

	if s.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout_seconds cannot be negative", errSettingsInvalid)
	}

	for _, p := range s.Phases {
		switch p {
		case PhaseReuse, PhaseGenerate, PhaseShrink:
		default:
			return fmt.Errorf("%w: unknown phase %q", errSettingsInvalid, p)
		}
	}

	return nil
}

// LoadSettings reads a JSONC settings file, overlaying it on the defaults.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return Settings{}, fmt.Errorf("%w: %s", errSettingsFileNotFound, path)
		}

		return Settings{}, fmt.Errorf("%w: %s", errSettingsFileRead, path)
	}

	cfg, parseErr := ParseSettings(data)
	if parseErr != nil {
		return Settings{}, fmt.Errorf("%w %s: %w", errSettingsInvalid, path, parseErr)
	}

	return cfg, nil
}

// ParseSettings parses JSONC settings text, overlaying it on the defaults.
func ParseSettings(data []byte) (Settings, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	cfg := DefaultSettings()

	unmarshalErr := json.Unmarshal(standardized, &cfg)
	if unmarshalErr != nil {
		return Settings{}, fmt.Errorf("invalid JSON: %w", unmarshalErr)
	}

	validateErr := cfg.validate()
	if validateErr != nil {
		return Settings{}, validateErr
	}

	return cfg, nil
}

// FormatSettings returns the settings as formatted JSON.
func FormatSettings(s Settings) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format settings: %w", err)
	}

	return string(data), nil
}
