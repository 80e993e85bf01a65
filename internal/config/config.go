// Package config assembles the service configuration from defaults, an
// optional YAML file and CLOVER_ environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/clovershield/internal/domain"
)

// EnvPrefix marks environment overrides. A double underscore separates
// nesting levels: CLOVER_MODEL__ARTIFACT_PATH sets model.artifact_path.
const EnvPrefix = "CLOVER_"

// Profiles select the default layer.
const (
	ProfileDefault = "default"
	ProfileCluster = "cluster"
)

// Load layers configuration: profile defaults, then the YAML file at path
// (skipped when path is empty), then the environment. The result is
// validated.
func Load(path, profile string) (*domain.Config, error) {
	var defaults *domain.Config
	switch profile {
	case "", ProfileDefault:
		defaults = domain.DefaultConfig()
	case ProfileCluster:
		defaults = domain.ClusterConfig()
	default:
		return nil, fmt.Errorf("unknown config profile %q", profile)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}
