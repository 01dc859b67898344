package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type CompletionConfig struct {
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
	MaxRetries int    `yaml:"max_retries"`
}

// PipelineConfig carries the per-run overridable pipeline options, with
// service-level defaults loaded from the config file.
type PipelineConfig struct {
	EnablePlanner   bool `yaml:"enable_planner"`
	EnableCritiquer bool `yaml:"enable_critiquer"`
	MaxCritiques    int  `yaml:"max_critiques"`
	MaxErrorLoops   int  `yaml:"max_error_loops"`

	EnableImages       bool    `yaml:"enable_images"`
	EnableTables       bool    `yaml:"enable_tables"`
	MaxImages          int     `yaml:"max_images"`
	ImageRatioExamples float64 `yaml:"image_ratio_examples"`
	ImageRatioTarget   float64 `yaml:"image_ratio_target"`
	ImageRatioContext  float64 `yaml:"image_ratio_context"`
	MinTableRows       int     `yaml:"min_table_rows"`
	MinTableCols       int     `yaml:"min_table_cols"`

	RequirementsChunking       bool `yaml:"toggle_requirements_chunking"`
	RequirementsChunkTokens    int  `yaml:"max_tokens_requirements_chunking"`
	GenerationChunking         bool `yaml:"toggle_generation_chunking"`
	GenerationChunkTokens      int  `yaml:"max_tokens_generation_chunking"`
	GenerationIntroPages       int  `yaml:"intro_pages"`
	GenerationPageOverlap      int  `yaml:"page_overlap"`
	GenerationMaxChunkSections int  `yaml:"max_sections_per_chunk"`
	MaxImagesPerCall           int  `yaml:"max_images_per_call"`
}

type Config struct {
	ListenAddr string           `yaml:"listen_addr"`
	DataDir    string           `yaml:"data_dir"`
	AuthToken  string           `yaml:"auth_token"`
	Completion CompletionConfig `yaml:"completion"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: "127.0.0.1:8790",
		DataDir:    "~/.rfp-builder",
		Completion: CompletionConfig{
			Model:      "gpt-4o",
			TimeoutSec: 120,
			MaxRetries: 3,
		},
		Pipeline: PipelineConfig{
			EnablePlanner:   false,
			EnableCritiquer: false,
			MaxCritiques:    1,
			MaxErrorLoops:   2,

			EnableImages:       true,
			EnableTables:       true,
			MaxImages:          50,
			ImageRatioExamples: 0.5,
			ImageRatioTarget:   0.25,
			ImageRatioContext:  0.25,
			MinTableRows:       2,
			MinTableCols:       2,

			RequirementsChunking:       false,
			RequirementsChunkTokens:    12000,
			GenerationChunking:         false,
			GenerationChunkTokens:      12000,
			GenerationIntroPages:       3,
			GenerationPageOverlap:      1,
			GenerationMaxChunkSections: 3,
			MaxImagesPerCall:           20,
		},
	}
}

func LoadFromFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("path is empty")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv layers environment overrides onto cfg. Only non-empty values win.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("RFP_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RFP_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RFP_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Completion.APIKey == "" {
		cfg.Completion.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.Completion.Model = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Completion.BaseURL = v
	}
	if v := os.Getenv("RFP_MAX_ERROR_LOOPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.MaxErrorLoops = n
		}
	}
	if v := os.Getenv("RFP_MAX_CRITIQUES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.MaxCritiques = n
		}
	}
}

// Options is the per-run override set. Nil fields fall back to the
// service defaults; the merge is explicit so regeneration requests can tweak
// one knob without restating the rest.
type Options struct {
	EnablePlanner   *bool `json:"enable_planner,omitempty"`
	EnableCritiquer *bool `json:"enable_critiquer,omitempty"`
	MaxCritiques    *int  `json:"max_critiques,omitempty"`
	MaxErrorLoops   *int  `json:"max_error_loops,omitempty"`

	EnableImages       *bool    `json:"enable_images,omitempty"`
	EnableTables       *bool    `json:"enable_tables,omitempty"`
	MaxImages          *int     `json:"max_images,omitempty"`
	ImageRatioExamples *float64 `json:"image_ratio_examples,omitempty"`
	ImageRatioTarget   *float64 `json:"image_ratio_target,omitempty"`
	ImageRatioContext  *float64 `json:"image_ratio_context,omitempty"`

	RequirementsChunking       *bool `json:"toggle_requirements_chunking,omitempty"`
	RequirementsChunkTokens    *int  `json:"max_tokens_requirements_chunking,omitempty"`
	GenerationChunking         *bool `json:"toggle_generation_chunking,omitempty"`
	GenerationChunkTokens      *int  `json:"max_tokens_generation_chunking,omitempty"`
	GenerationIntroPages       *int  `json:"intro_pages,omitempty"`
	GenerationPageOverlap      *int  `json:"page_overlap,omitempty"`
	GenerationMaxChunkSections *int  `json:"max_sections_per_chunk,omitempty"`
}

// Resolve merges per-run overrides over the service defaults.
func (p PipelineConfig) Resolve(o *Options) PipelineConfig {
	out := p
	if o == nil {
		return out
	}
	if o.EnablePlanner != nil {
		out.EnablePlanner = *o.EnablePlanner
	}
	if o.EnableCritiquer != nil {
		out.EnableCritiquer = *o.EnableCritiquer
	}
	if o.MaxCritiques != nil {
		out.MaxCritiques = *o.MaxCritiques
	}
	if o.MaxErrorLoops != nil {
		out.MaxErrorLoops = *o.MaxErrorLoops
	}
	if o.EnableImages != nil {
		out.EnableImages = *o.EnableImages
	}
	if o.EnableTables != nil {
		out.EnableTables = *o.EnableTables
	}
	if o.MaxImages != nil {
		out.MaxImages = *o.MaxImages
	}
	if o.ImageRatioExamples != nil {
		out.ImageRatioExamples = *o.ImageRatioExamples
	}
	if o.ImageRatioTarget != nil {
		out.ImageRatioTarget = *o.ImageRatioTarget
	}
	if o.ImageRatioContext != nil {
		out.ImageRatioContext = *o.ImageRatioContext
	}
	if o.RequirementsChunking != nil {
		out.RequirementsChunking = *o.RequirementsChunking
	}
	if o.RequirementsChunkTokens != nil {
		out.RequirementsChunkTokens = *o.RequirementsChunkTokens
	}
	if o.GenerationChunking != nil {
		out.GenerationChunking = *o.GenerationChunking
	}
	if o.GenerationChunkTokens != nil {
		out.GenerationChunkTokens = *o.GenerationChunkTokens
	}
	if o.GenerationIntroPages != nil {
		out.GenerationIntroPages = *o.GenerationIntroPages
	}
	if o.GenerationPageOverlap != nil {
		out.GenerationPageOverlap = *o.GenerationPageOverlap
	}
	if o.GenerationMaxChunkSections != nil {
		out.GenerationMaxChunkSections = *o.GenerationMaxChunkSections
	}
	return out
}

// Validate rejects inconsistent flag combinations before any completion call
// is made.
func (p PipelineConfig) Validate() error {
	if p.MaxErrorLoops < 0 {
		return errors.New("max_error_loops must be >= 0")
	}
	if p.MaxCritiques < 0 {
		return errors.New("max_critiques must be >= 0")
	}
	if p.GenerationChunking && !p.EnablePlanner {
		return errors.New("generation chunking requires the planner")
	}
	if p.RequirementsChunking && p.RequirementsChunkTokens <= 0 {
		return errors.New("requirements chunking requires a positive token budget")
	}
	if p.GenerationChunking && p.GenerationChunkTokens <= 0 {
		return errors.New("generation chunking requires a positive token budget")
	}
	if p.MaxImages < 0 {
		return errors.New("max_images must be >= 0")
	}
	return nil
}
