// Package config reads host configuration files.
//
// Files use HCL native syntax, or HCL JSON syntax when the name ends in
// ".json":
//
//	capacity           = 64
//	memory_limit_pages = 1024
//	log_level          = "info"
//
//	guest {
//	  path  = "guests/math.wasm"
//	  pages = 16
//	}
package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/invopop/jsonschema"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-usage-host/errors"
	"github.com/wippyai/wasm-usage-host/host"
)

// MaxPages is the largest page count a 32-bit guest memory can hold.
const MaxPages = 65536

var validate = validator.New()

// Guest is one module to load at startup.
type Guest struct {
	Path  string `hcl:"path" json:"path" validate:"required" jsonschema:"required,description=Path of the guest module"`
	Pages uint32 `hcl:"pages,optional" json:"pages,omitempty" validate:"lte=65536" jsonschema:"description=Memory pages to grow the guest to after instantiation"`
}

// Config is a host configuration file.
type Config struct {
	LogLevel            string  `hcl:"log_level,optional" json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	CompilationCacheDir string  `hcl:"compilation_cache_dir,optional" json:"compilation_cache_dir,omitempty" jsonschema:"description=Directory for compiled guest code shared across runs"`
	Guests              []Guest `hcl:"guest,block" json:"guest,omitempty" validate:"dive"`
	Capacity            int     `hcl:"capacity,optional" json:"capacity,omitempty" validate:"gte=0,lte=65536" jsonschema:"description=Number of execution slots"`
	MemoryLimitPages    uint32  `hcl:"memory_limit_pages,optional" json:"memory_limit_pages,omitempty" validate:"lte=65536" jsonschema:"description=Per-guest memory cap in 64KiB pages"`
}

// Parse decodes src. filename selects the syntax and appears in diagnostics.
func Parse(filename string, src []byte) (*Config, error) {
	parser := hclparse.NewParser()

	var (
		file  *hcl.File
		diags hcl.Diagnostics
	)
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		file, diags = parser.ParseJSON(src, filename)
	} else {
		file, diags = parser.ParseHCL(src, filename)
	}
	if diags.HasErrors() {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, diags, "parse "+filename)
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, diags, "decode "+filename)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads and parses the file at path.
func LoadFile(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindRead, err, "read "+path)
	}
	return Parse(path, src)
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "validate")
	}
	for _, g := range c.Guests {
		if c.MemoryLimitPages > 0 && g.Pages > c.MemoryLimitPages {
			return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Path(g.Path).
				Value(g.Pages).
				Detail("pages %d exceed memory_limit_pages %d", g.Pages, c.MemoryLimitPages).
				Build()
		}
	}
	return nil
}

// Level returns the configured log level, info when unset.
func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zapcore.InfoLevel
	}
	return lvl
}

// HostOptions maps the configuration onto host options. log, when set, is
// passed through.
func (c *Config) HostOptions(log *zap.Logger) []host.Option {
	var opts []host.Option
	if c.Capacity > 0 {
		opts = append(opts, host.WithCapacity(c.Capacity))
	}
	if c.MemoryLimitPages > 0 {
		opts = append(opts, host.WithMemoryLimitPages(c.MemoryLimitPages))
	}
	if c.CompilationCacheDir != "" {
		opts = append(opts, host.WithCompilationCacheDir(c.CompilationCacheDir))
	}
	if log != nil {
		opts = append(opts, host.WithLogger(log))
	}
	return opts
}

// LoadGuests loads every configured guest into h in file order and stops at
// the first failure.
func (c *Config) LoadGuests(ctx context.Context, h *host.Host) error {
	for _, g := range c.Guests {
		if _, err := h.Load(ctx, g.Path, g.Pages); err != nil {
			return err
		}
	}
	return nil
}

// Schema returns the JSON Schema of the JSON syntax.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{ExpandedStruct: true}
	out, err := json.MarshalIndent(r.Reflect(&Config{}), "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "render schema")
	}
	return out, nil
}
