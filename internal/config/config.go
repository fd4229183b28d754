// Package config provides the configuration structure for the tts-worker.
//
// Values are layered, lowest to highest: built-in defaults, the TOML file,
// TTS_WORKER_* environment variables, then command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	fileName  = "tts-worker.toml"
	envPrefix = "TTS_WORKER_"
)

// API modes accepted by the coqui-server backend.
const (
	APIModeStandard = "standard"
	APIModeXTTS     = "xtts"
)

// Static errors.
var (
	ErrHelp            = errors.New("help requested")
	ErrModelEmpty      = errors.New("model is required (--model or TTS_WORKER_MODEL)")
	ErrAPIModeInvalid  = errors.New("tts_engine.api_mode must be standard or xtts")
	ErrTimeoutNegative = errors.New("tts_engine.timeout_seconds cannot be negative")
)

// WorkerConfig holds the request-handling settings.
type WorkerConfig struct {
	Model         string `mapstructure:"model"          toml:"model"`
	UseCUDA       bool   `mapstructure:"use_cuda"       toml:"use_cuda"`
	Language      string `mapstructure:"language"       toml:"language"`
	SpeakerWav    string `mapstructure:"speaker_wav"    toml:"speaker_wav"`
	ScratchDir    string `mapstructure:"scratch_dir"    toml:"scratch_dir"`
	FilePrefix    string `mapstructure:"file_prefix"    toml:"file_prefix"`
	NormalizeText bool   `mapstructure:"normalize_text" toml:"normalize_text"`
}

// EngineConfig selects and configures the synthesis backend.
type EngineConfig struct {
	Backend        string `mapstructure:"backend"         toml:"backend"`
	ServerURL      string `mapstructure:"server_url"      toml:"server_url"`
	APIMode        string `mapstructure:"api_mode"        toml:"api_mode"`
	BinaryPath     string `mapstructure:"binary_path"     toml:"binary_path"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
}

// NATSConfig holds the configuration for the optional audio hand-off.
// An empty URL disables it.
type NATSConfig struct {
	URL                      string `mapstructure:"url"                         toml:"url"`
	AudioChunkCreatedSubject string `mapstructure:"audio_chunk_created_subject" toml:"audio_chunk_created_subject"`
	AudioObjectStoreBucket   string `mapstructure:"audio_object_store_bucket"   toml:"audio_object_store_bucket"`
}

// LoggingConfig controls stderr logging and the optional JSON log file.
type LoggingConfig struct {
	Level string `mapstructure:"level" toml:"level"`
	File  string `mapstructure:"file"  toml:"file"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" toml:"addr"`
}

// Config is the root configuration structure.
type Config struct {
	Worker  WorkerConfig  `mapstructure:"worker"     toml:"worker"`
	Engine  EngineConfig  `mapstructure:"tts_engine" toml:"tts_engine"`
	NATS    NATSConfig    `mapstructure:"nats"       toml:"nats"`
	Logging LoggingConfig `mapstructure:"logging"    toml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"    toml:"metrics"`

	// File is the TOML file that was read, if any.
	File string `mapstructure:"-" toml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			NormalizeText: true,
		},
		Engine: EngineConfig{
			Backend:    "coqui-server",
			ServerURL:  "http://localhost:5002",
			APIMode:    APIModeStandard,
			BinaryPath: "tts",
		},
		NATS: NATSConfig{
			AudioChunkCreatedSubject: "audio.chunk.created",
			AudioObjectStoreBucket:   "AUDIO_FILES",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Timeout is the per-request engine timeout. Zero means none.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Engine.TimeoutSeconds) * time.Second
}

// Validate reports the first setting that prevents the worker from starting.
func (c *Config) Validate() error {
	if c.Worker.Model == "" {
		return ErrModelEmpty
	}

	switch c.Engine.APIMode {
	case "", APIModeStandard, APIModeXTTS:
	default:
		return fmt.Errorf("%w: %q", ErrAPIModeInvalid, c.Engine.APIMode)
	}

	if c.Engine.TimeoutSeconds < 0 {
		return ErrTimeoutNegative
	}

	return nil
}

// binding ties a config key to its flag and environment variable.
type binding struct {
	key  string
	flag string
	env  string
}

var bindings = []binding{
	{key: "worker.model", flag: "model", env: "MODEL"},
	{key: "worker.use_cuda", flag: "use-cuda", env: "USE_CUDA"},
	{key: "worker.language", flag: "language", env: "LANGUAGE"},
	{key: "worker.speaker_wav", flag: "speaker-wav", env: "SPEAKER_WAV"},
	{key: "worker.scratch_dir", flag: "tmp-dir", env: "SCRATCH_DIR"},
	{key: "worker.file_prefix", env: "FILE_PREFIX"},
	{key: "worker.normalize_text", env: "NORMALIZE_TEXT"},
	{key: "tts_engine.backend", flag: "backend", env: "BACKEND"},
	{key: "tts_engine.server_url", flag: "server-url", env: "SERVER_URL"},
	{key: "tts_engine.api_mode", flag: "api-mode", env: "API_MODE"},
	{key: "tts_engine.binary_path", flag: "tts-binary", env: "BINARY_PATH"},
	{key: "tts_engine.timeout_seconds", flag: "timeout", env: "TIMEOUT_SECONDS"},
	{key: "nats.url", flag: "nats-url", env: "NATS_URL"},
	{key: "nats.audio_chunk_created_subject", env: "AUDIO_CHUNK_CREATED_SUBJECT"},
	{key: "nats.audio_object_store_bucket", env: "AUDIO_OBJECT_STORE_BUCKET"},
	{key: "logging.level", flag: "log-level", env: "LOG_LEVEL"},
	{key: "logging.file", flag: "log-file", env: "LOG_FILE"},
	{key: "metrics.addr", flag: "metrics-addr", env: "METRICS_ADDR"},
}

// Load registers the worker flags on fs, parses args and returns the merged,
// validated configuration. Callers may add their own flags to fs beforehand
// and read them after Load returns. Usage and parse errors go to stderr.
func Load(fs *pflag.FlagSet, args []string, stderr io.Writer) (*Config, error) {
	defaults := Default()

	fs.SetOutput(stderr)
	configFile := fs.StringP("config", "c", "", "Path to config file")
	fs.StringP("model", "m", "", "Model identifier (required)")
	fs.Bool("use-cuda", false, "Run the model on the GPU")
	fs.String("language", "", "Default language for reference-voice synthesis")
	fs.String("speaker-wav", "", "Default reference voice WAV")
	fs.String("tmp-dir", "", "Directory for output WAV files (default $TMPDIR)")
	fs.String("backend", defaults.Engine.Backend, "Synthesis backend (coqui-server, coqui-cli)")
	fs.String("server-url", defaults.Engine.ServerURL, "Coqui TTS server URL")
	fs.String("api-mode", defaults.Engine.APIMode, "Server API mode (standard, xtts)")
	fs.String("tts-binary", defaults.Engine.BinaryPath, "Coqui tts program for the coqui-cli backend")
	fs.Int("timeout", 0, "Per-request engine timeout in seconds (0 = none)")
	fs.String("nats-url", "", "NATS URL for audio hand-off (empty = disabled)")
	fs.String("metrics-addr", "", "Listen address for /metrics and /healthz (empty = disabled)")
	fs.StringP("log-level", "l", defaults.Logging.Level, "Log level (debug, info, warn, error)")
	fs.String("log-file", "", "Also write JSON logs to this file")
	helpFlag := fs.BoolP("help", "h", false, "Show help message")

	err := fs.Parse(args)
	if err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if *helpFlag {
		_, _ = fmt.Fprintf(stderr, "Usage: %s [options]\n\nOptions:\n", fs.Name())
		fs.PrintDefaults()

		return nil, ErrHelp
	}

	v := viper.New()
	setDefaults(v, defaults)

	path, err := resolveFile(*configFile)
	if err != nil {
		return nil, err
	}

	if path != "" {
		err = readFile(v, path)
		if err != nil {
			return nil, err
		}
	}

	for _, b := range bindings {
		err = v.BindEnv(b.key, envPrefix+b.env)
		if err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", b.env, err)
		}

		if b.flag == "" {
			continue
		}

		err = v.BindPFlag(b.key, fs.Lookup(b.flag))
		if err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", b.flag, err)
		}
	}

	var cfg Config

	err = v.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.File = path

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("worker.model", d.Worker.Model)
	v.SetDefault("worker.use_cuda", d.Worker.UseCUDA)
	v.SetDefault("worker.language", d.Worker.Language)
	v.SetDefault("worker.speaker_wav", d.Worker.SpeakerWav)
	v.SetDefault("worker.scratch_dir", d.Worker.ScratchDir)
	v.SetDefault("worker.file_prefix", d.Worker.FilePrefix)
	v.SetDefault("worker.normalize_text", d.Worker.NormalizeText)
	v.SetDefault("tts_engine.backend", d.Engine.Backend)
	v.SetDefault("tts_engine.server_url", d.Engine.ServerURL)
	v.SetDefault("tts_engine.api_mode", d.Engine.APIMode)
	v.SetDefault("tts_engine.binary_path", d.Engine.BinaryPath)
	v.SetDefault("tts_engine.timeout_seconds", d.Engine.TimeoutSeconds)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.audio_chunk_created_subject", d.NATS.AudioChunkCreatedSubject)
	v.SetDefault("nats.audio_object_store_bucket", d.NATS.AudioObjectStoreBucket)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// resolveFile returns the explicit path, which must exist, or the first
// file found on the search path. An empty result means no file.
func resolveFile(explicit string) (string, error) {
	if explicit != "" {
		_, err := os.Stat(explicit)
		if err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}

		return explicit, nil
	}

	for _, candidate := range searchPaths() {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}

func searchPaths() []string {
	paths := []string{
		fileName,
		filepath.Join("configs", fileName),
	}

	home, err := os.UserHomeDir()
	if err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tts-worker", fileName))
	}

	return paths
}

// readFile rejects unknown keys before handing the document to viper.
func readFile(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	var strict Config

	err = decoder.Decode(&strict)
	if err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, err)
	}

	v.SetConfigType("toml")

	err = v.ReadConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	return nil
}
