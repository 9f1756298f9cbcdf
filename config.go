package cryptofs

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// validate is the singleton validator instance
var validate = validator.New()

// Properties is the declarative form of Config, loadable from a file, the
// environment or a plain map. Keys follow the mapstructure tags below.
type Properties struct {
	Cipher          string             `mapstructure:"cipher" validate:"oneof=auto aes-256-gcm chacha20-poly1305"`
	ReadOnly        bool               `mapstructure:"read_only"`
	MaxPathLength   int                `mapstructure:"max_path_length" validate:"gte=0"`
	MaxNameLength   int                `mapstructure:"max_name_length" validate:"omitempty,min=32"`
	ChunkSize       int                `mapstructure:"chunk_size" validate:"omitempty,min=64,max=16777216"`
	MaxCachedChunks int                `mapstructure:"max_cached_chunks" validate:"gte=0"`
	Parallel        ParallelProperties `mapstructure:"parallel"`
	Logging         LoggingProperties  `mapstructure:"logging"`
}

// ParallelProperties mirrors ParallelConfig
type ParallelProperties struct {
	Enabled    bool `mapstructure:"enabled"`
	MaxWorkers int  `mapstructure:"max_workers" validate:"gte=0,lte=1024"`
	MinChunks  int  `mapstructure:"min_chunks" validate:"gte=0,lte=1000"`
}

// LoggingProperties selects the level, format and destination of diagnostics
type LoggingProperties struct {
	Level  string `mapstructure:"level" validate:"oneof=DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
	Output string `mapstructure:"output"`
}

// DefaultProperties returns the properties used when nothing is configured
func DefaultProperties() Properties {
	var p Properties
	ApplyDefaults(&p)
	p.Parallel.Enabled = true
	return p
}

// ApplyDefaults fills zero values with defaults and normalizes case
func ApplyDefaults(p *Properties) {
	p.Cipher = strings.ToLower(strings.TrimSpace(p.Cipher))
	if p.Cipher == "" {
		p.Cipher = CipherAuto.String()
	}
	if p.Parallel.MaxWorkers == 0 {
		p.Parallel.MaxWorkers = runtime.NumCPU()
	}
	if p.Parallel.MinChunks == 0 {
		p.Parallel.MinChunks = 4
	}
	p.Logging.Level = strings.ToUpper(strings.TrimSpace(p.Logging.Level))
	if p.Logging.Level == "" {
		p.Logging.Level = "ERROR"
	}
	p.Logging.Format = strings.ToLower(strings.TrimSpace(p.Logging.Format))
	if p.Logging.Format == "" {
		p.Logging.Format = "text"
	}
	if p.Logging.Output == "" {
		p.Logging.Output = "stderr"
	}
}

// Validate validates the properties using struct tags
func (p *Properties) Validate() error {
	if err := validate.Struct(p); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// formatValidationError converts validator errors into a ValidationError
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return &ValidationError{
			Field:   e.Namespace(),
			Value:   e.Value(),
			Message: fmt.Sprintf("validation failed on '%s' tag (value: %v)", e.Tag(), e.Value()),
			Err:     err,
		}
	}
	return err
}

// LoadProperties reads properties from the file at path, overridden by
// CRYPTOFS_* environment variables (CRYPTOFS_LOGGING_LEVEL=DEBUG). With an
// empty path, cryptofs.{yaml,toml,json} is looked up in the working
// directory and its absence is not an error.
func LoadProperties(path string) (*Properties, error) {
	v := viper.New()
	setupViper(v, path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var p Properties
	if err := v.Unmarshal(&p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&p)
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &p, nil
}

func setupViper(v *viper.Viper, path string) {
	v.SetEnvPrefix("CRYPTOFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// keys must be known to viper for environment overrides to unmarshal
	v.SetDefault("cipher", "")
	v.SetDefault("read_only", false)
	v.SetDefault("max_path_length", 0)
	v.SetDefault("max_name_length", 0)
	v.SetDefault("chunk_size", 0)
	v.SetDefault("max_cached_chunks", 0)
	v.SetDefault("parallel.enabled", true)
	v.SetDefault("parallel.max_workers", 0)
	v.SetDefault("parallel.min_chunks", 0)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output", "")

	if path != "" {
		v.SetConfigFile(path)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("cryptofs")
}

// PropertiesFromMap decodes properties from a generic map, as produced by
// an embedding application's own configuration.
func PropertiesFromMap(options map[string]any) (*Properties, error) {
	p := Properties{Parallel: ParallelProperties{Enabled: true}}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &p,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(options); err != nil {
		return nil, fmt.Errorf("failed to decode cryptofs properties: %w", err)
	}

	ApplyDefaults(&p)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Config builds a runtime Config from the properties
func (p *Properties) Config(kp KeyProvider) (*Config, error) {
	suite, err := ParseCipherSuite(p.Cipher)
	if err != nil {
		return nil, err
	}
	logger, err := NewLogger(p.Logging)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Cipher:          suite,
		KeyProvider:     kp,
		ReadOnly:        p.ReadOnly,
		MaxPathLength:   p.MaxPathLength,
		MaxNameLength:   p.MaxNameLength,
		ChunkSize:       p.ChunkSize,
		MaxCachedChunks: p.MaxCachedChunks,
		Parallel: ParallelConfig{
			Enabled:              p.Parallel.Enabled,
			MaxWorkers:           p.Parallel.MaxWorkers,
			MinChunksForParallel: max(p.Parallel.MinChunks, 1),
		},
		Logger: logger,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
