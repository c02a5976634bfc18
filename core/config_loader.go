package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
	"gopkg.in/yaml.v3"
)

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type StaticConfigLoader map[string]any

func (l StaticConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	return cloneFields(l), nil
}

// YAMLFileLoader reads a config file. A missing file yields an empty layer
// unless Required is set.
type YAMLFileLoader struct {
	Path     string
	Required bool
}

func (l YAMLFileLoader) LoadRaw(context.Context) (map[string]any, error) {
	path := strings.TrimSpace(l.Path)
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !l.Required {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("core: read config file %q: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("core: parse config file %q: %w", path, err)
	}
	return raw, nil
}

type envBinding struct {
	name    string
	section string
	key     string
	kind    string
}

var envBindings = []envBinding{
	{name: "SESSIONS_API_URL", section: "storage", key: "base_url"},
	{name: "SESSIONS_API_KEY", section: "storage", key: "api_key"},
	{name: "PAIRING_WATCHDOG_MS", section: "pairing", key: "watchdog_ms", kind: "int"},
	{name: "PAIRING_CODE_DELAY_MS", section: "pairing", key: "code_delay_ms", kind: "int"},
	{name: "PAIRING_FLUSH_WAIT_MS", section: "pairing", key: "flush_wait_ms", kind: "int"},
	{name: "PAIRING_SCRATCH_ROOT", section: "scratch", key: "root"},
	{name: "PAIRING_ADDR", section: "server", key: "addr"},
	{name: "PAIRING_LEDGER_DRIVER", section: "ledger", key: "driver"},
	{name: "PAIRING_LEDGER_DSN", section: "ledger", key: "dsn"},
	{name: "PAIRING_CONNECTION_DRIVER", section: "connection", key: "driver"},
	{name: "PAIRING_SEAL_RECIPIENTS", section: "seal", key: "recipients", kind: "list"},
	{name: "LOG_LEVEL", section: "log", key: "level"},
	{name: "LOG_FORMAT", section: "log", key: "format"},
}

// EnvConfigLoader maps the process environment onto config keys.
type EnvConfigLoader struct {
	Lookup func(string) (string, bool)
}

func (l EnvConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	raw := map[string]any{}
	for _, binding := range envBindings {
		value, ok := lookup(binding.name)
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			continue
		}
		var typed any = value
		switch binding.kind {
		case "int":
			parsed, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("core: env %s must be an integer: %w", binding.name, err)
			}
			typed = parsed
		case "list":
			items := make([]any, 0)
			for _, item := range strings.Split(value, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			typed = items
		}
		section, _ := raw[binding.section].(map[string]any)
		if section == nil {
			section = map[string]any{}
			raw[binding.section] = section
		}
		section[binding.key] = typed
	}
	return raw, nil
}

// LayeredConfigProvider merges the file, environment and runtime layers with
// go-options, later layers winning, and decodes the result over the
// defaults with cfgx.
type LayeredConfigProvider struct {
	File    RawConfigLoader
	Env     RawConfigLoader
	Runtime RawConfigLoader
}

func (p *LayeredConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var file, env, runtime RawConfigLoader
	if p != nil {
		file, env, runtime = p.File, p.Env, p.Runtime
	}
	fileLayer, err := loadLayer(ctx, file)
	if err != nil {
		return Config{}, err
	}
	envLayer, err := loadLayer(ctx, env)
	if err != nil {
		return Config{}, err
	}
	runtimeLayer, err := loadLayer(ctx, runtime)
	if err != nil {
		return Config{}, err
	}

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			map[string]any{"service_name": defaults.ServiceName},
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("file", 10),
			fileLayer,
			opts.WithSnapshotID[map[string]any]("file"),
		),
		opts.NewLayer(
			opts.NewScope("env", 20),
			envLayer,
			opts.WithSnapshotID[map[string]any]("env"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 30),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	cfg, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadLayer(ctx context.Context, loader RawConfigLoader) (map[string]any, error) {
	if loader == nil {
		return map[string]any{}, nil
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// LoadConfig resolves defaults < file < environment < overrides.
func LoadConfig(ctx context.Context, path string, overrides map[string]any) (Config, error) {
	provider := &LayeredConfigProvider{
		File:    YAMLFileLoader{Path: path},
		Env:     EnvConfigLoader{},
		Runtime: StaticConfigLoader(overrides),
	}
	return provider.Load(ctx, DefaultConfig())
}
