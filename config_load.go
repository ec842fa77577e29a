package studyrouter

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/study-router/plugin"
	"github.com/ferro-labs/study-router/policy"
)

//go:embed config.schema.json
var configSchema string

//go:embed default_config.yaml
var defaultConfig []byte

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("config.schema.json", configSchema)
})

// envRef matches ${VAR} references. Bare $VAR is left alone so regular
// expressions in keyword rules survive expansion.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(envRef.FindSubmatch(m)[1])))
	})
}

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml). ${VAR} references
// are expanded from the environment before parsing.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data, filepath.Ext(path))
}

// ParseConfig parses data in the format named by ext (".json", ".yaml" or ".yml").
func ParseConfig(data []byte, ext string) (*Config, error) {
	data = expandEnv(data)

	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}
	return &cfg, nil
}

// LoadDefaultConfig returns the embedded stock configuration with the
// task_router and complexity_router policies.
func LoadDefaultConfig() (*Config, error) {
	return ParseConfig(defaultConfig, ".yaml")
}

// ValidateConfig validates a Config for correctness: structure against the
// embedded JSON schema, then policy semantics via policy.Load.
func ValidateConfig(cfg Config) error {
	if err := validateSchema(cfg); err != nil {
		return err
	}

	for _, d := range []struct{ field, value string }{
		{"classifier.timeout", cfg.Classifier.Timeout},
		{"downstream.timeout", cfg.Downstream.Timeout},
	} {
		if d.value == "" {
			continue
		}
		if _, err := parsePositiveDuration(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.field, err)
		}
	}

	for _, pc := range cfg.Plugins {
		switch plugin.Stage(pc.Stage) {
		case plugin.StageBeforeRequest, plugin.StageAfterRequest, plugin.StageOnError:
		default:
			return fmt.Errorf("plugin %s: unknown stage %q", pc.Name, pc.Stage)
		}
	}

	if _, err := policy.Load(cfg.Policies); err != nil {
		return err
	}
	return nil
}

func parsePositiveDuration(s string) (time.Duration, error) {
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, errors.New("duration must be positive")
	}
	return v, nil
}

func validateSchema(cfg Config) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}
