package conductor

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that TOML decodes from strings like "500ms",
// "30s", or "5m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML string values.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// --- Settings ---

// Config is the engine's consumed settings value. The orchestrator takes it
// by value at construction; nothing mutates it afterwards.
type Config struct {
	Retry          RetryConfig       `toml:"retry"`
	CircuitBreaker BreakerConfig     `toml:"circuit_breaker"`
	RateLimiter    RateLimiterConfig `toml:"rate_limiter"`
	TimeLimiter    TimeLimiterConfig `toml:"time_limiter"`
	Parallelism    ParallelismConfig `toml:"parallelism"`
	Memory         MemoryConfig      `toml:"memory"`
	Workflow       WorkflowConfig    `toml:"workflow"`
	Tools          ToolsConfig       `toml:"tools"`
	Template       TemplateConfig    `toml:"template"`
}

// ParallelismConfig bounds the execution engine's worker pool.
type ParallelismConfig struct {
	Enabled bool `toml:"enabled"`

	// MaxThreads caps the worker pool. Zero means the host's available
	// parallelism.
	MaxThreads int `toml:"max_threads"`

	// MaxTasksPerBatch caps how many stages run concurrently in one batch.
	MaxTasksPerBatch int `toml:"max_tasks_per_batch"`

	TaskTimeoutSeconds  int `toml:"task_timeout_seconds"`
	BatchTimeoutSeconds int `toml:"batch_timeout_seconds"`

	// FallbackSequential downgrades a batch to sequential execution when the
	// pool rejects a submission instead of failing the batch.
	FallbackSequential bool `toml:"fallback_sequential"`

	// MinTasksForParallelExecution and ParallelismThreshold gate when a
	// ready batch is dispatched in parallel at all.
	MinTasksForParallelExecution int     `toml:"min_tasks_for_parallel_execution"`
	ParallelismThreshold         float64 `toml:"parallelism_threshold"`
}

// MemoryConfig bounds the memory store and its retention sweep.
type MemoryConfig struct {
	// DefaultLimit is the memory window agents read when none is set on the
	// agent itself.
	DefaultLimit int `toml:"default_limit"`

	// MaxEntries is the soft ceiling per (workflow, agent) stream that the
	// occupancy thresholds below are measured against, in percent.
	MaxEntries         int `toml:"max_entries"`
	RetentionDays      int `toml:"retention_days"`
	WarningThreshold   int `toml:"warning_threshold"`
	CriticalThreshold  int `toml:"critical_threshold"`
	EmergencyThreshold int `toml:"emergency_threshold"`
}

// WorkflowConfig bounds workflow construction and stage execution.
type WorkflowConfig struct {
	Approval            ApprovalConfig `toml:"approval"`
	StageDefaultTimeout Duration       `toml:"stage_default_timeout"`
	MaxStages           int            `toml:"max_stages"`
	MaxDependencyDepth  int            `toml:"max_dependency_depth"`
}

// ApprovalConfig bounds how long a stage may sit in Awaiting-Approval.
type ApprovalConfig struct {
	DefaultTimeout Duration `toml:"default_timeout"`
	MaxTimeout     Duration `toml:"max_timeout"`
}

// ToolsConfig configures the baseline tools.
type ToolsConfig struct {
	ShellExec ShellExecConfig `toml:"shell_exec"`
	FileRead  FileReadConfig  `toml:"file_read"`
}

// ShellExecConfig configures the shell-exec tool.
type ShellExecConfig struct {
	Timeout         Duration `toml:"timeout"`
	AllowedCommands []string `toml:"allowed_commands"`

	// MaxOutputBytes truncates captured stdout and stderr, each.
	MaxOutputBytes int `toml:"max_output_bytes"`
}

// FileReadConfig configures the file-read tool.
type FileReadConfig struct {
	BaseDir       string `toml:"base_dir"`
	AllowSymlinks bool   `toml:"allow_symlinks"`
	MaxSize       int64  `toml:"max_size"`
	MaxPathLength int    `toml:"max_path_length"`
}

// TemplateConfig configures prompt template compilation.
type TemplateConfig struct {
	Cache TemplateCacheConfig `toml:"cache"`
}

// TemplateCacheConfig bounds the compiled-template cache.
type TemplateCacheConfig struct {
	Enabled bool     `toml:"enabled"`
	MaxSize int      `toml:"max_size"`
	TTL     Duration `toml:"ttl"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	return Config{
		Retry:          DefaultRetryConfig(),
		CircuitBreaker: DefaultBreakerConfig(),
		RateLimiter:    DefaultRateLimiterConfig(),
		TimeLimiter:    DefaultTimeLimiterConfig(),
		Parallelism: ParallelismConfig{
			Enabled:                      true,
			MaxThreads:                   0,
			MaxTasksPerBatch:             4,
			TaskTimeoutSeconds:           300,
			BatchTimeoutSeconds:          1800,
			FallbackSequential:           true,
			MinTasksForParallelExecution: 2,
			ParallelismThreshold:         0.3,
		},
		Memory: MemoryConfig{
			DefaultLimit:       10,
			MaxEntries:         10000,
			RetentionDays:      30,
			WarningThreshold:   70,
			CriticalThreshold:  85,
			EmergencyThreshold: 95,
		},
		Workflow: WorkflowConfig{
			Approval: ApprovalConfig{
				DefaultTimeout: Duration(5 * time.Minute),
				MaxTimeout:     Duration(7 * 24 * time.Hour),
			},
			StageDefaultTimeout: Duration(5 * time.Minute),
			MaxStages:           100,
			MaxDependencyDepth:  20,
		},
		Tools: ToolsConfig{
			ShellExec: ShellExecConfig{
				Timeout:         Duration(30 * time.Second),
				AllowedCommands: []string{"echo", "ls", "pwd", "date", "cat", "head", "tail", "wc"},
				MaxOutputBytes:  64 * 1024,
			},
			FileRead: FileReadConfig{
				BaseDir:       ".",
				AllowSymlinks: false,
				MaxSize:       10 * 1024 * 1024,
				MaxPathLength: 4096,
			},
		},
		Template: TemplateConfig{
			Cache: TemplateCacheConfig{
				Enabled: true,
				MaxSize: 100,
				TTL:     Duration(10 * time.Minute),
			},
		},
	}
}

// Resilience bundles the four policy sections for WrapResilience.
func (c Config) Resilience() ResilienceConfig {
	return ResilienceConfig{
		RateLimiter:    c.RateLimiter,
		CircuitBreaker: c.CircuitBreaker,
		Retry:          c.Retry,
		TimeLimiter:    c.TimeLimiter,
	}
}

// Validate reports the first invalid setting as a config error.
func (c Config) Validate() error {
	if err := c.Resilience().Validate(); err != nil {
		return err
	}

	p := c.Parallelism
	if p.MaxThreads < 0 {
		return Errorf(CategoryConfig, "INVALID_PARALLELISM_CONFIG", "max threads must not be negative, got %d", p.MaxThreads)
	}
	if p.MaxTasksPerBatch < 1 {
		return Errorf(CategoryConfig, "INVALID_PARALLELISM_CONFIG", "max tasks per batch must be at least 1, got %d", p.MaxTasksPerBatch)
	}
	if p.TaskTimeoutSeconds < 1 {
		return Errorf(CategoryConfig, "INVALID_PARALLELISM_CONFIG", "task timeout must be at least 1s, got %ds", p.TaskTimeoutSeconds)
	}
	if p.BatchTimeoutSeconds < p.TaskTimeoutSeconds {
		return Errorf(CategoryConfig, "INVALID_PARALLELISM_CONFIG",
			"batch timeout %ds is below task timeout %ds", p.BatchTimeoutSeconds, p.TaskTimeoutSeconds)
	}
	if p.MinTasksForParallelExecution < 1 {
		return Errorf(CategoryConfig, "INVALID_PARALLELISM_CONFIG", "min tasks for parallel execution must be at least 1, got %d", p.MinTasksForParallelExecution)
	}
	if p.ParallelismThreshold < 0 || p.ParallelismThreshold > 1 {
		return Errorf(CategoryConfig, "INVALID_PARALLELISM_CONFIG", "parallelism threshold must be in [0, 1], got %g", p.ParallelismThreshold)
	}

	m := c.Memory
	if m.DefaultLimit < 0 {
		return Errorf(CategoryConfig, "INVALID_MEMORY_CONFIG", "default limit must not be negative, got %d", m.DefaultLimit)
	}
	if m.MaxEntries < 1 {
		return Errorf(CategoryConfig, "INVALID_MEMORY_CONFIG", "max entries must be at least 1, got %d", m.MaxEntries)
	}
	if m.RetentionDays < 0 {
		return Errorf(CategoryConfig, "INVALID_MEMORY_CONFIG", "retention days must not be negative, got %d", m.RetentionDays)
	}
	if m.WarningThreshold < 1 || m.WarningThreshold > m.CriticalThreshold ||
		m.CriticalThreshold > m.EmergencyThreshold || m.EmergencyThreshold > 100 {
		return Errorf(CategoryConfig, "INVALID_MEMORY_CONFIG",
			"occupancy thresholds must satisfy 1 <= warning <= critical <= emergency <= 100")
	}

	w := c.Workflow
	if w.Approval.DefaultTimeout <= 0 {
		return Errorf(CategoryConfig, "INVALID_WORKFLOW_CONFIG", "approval default timeout must be positive")
	}
	if w.Approval.MaxTimeout > Duration(7*24*time.Hour) {
		return Errorf(CategoryConfig, "INVALID_WORKFLOW_CONFIG", "approval max timeout must not exceed 7 days, got %s", w.Approval.MaxTimeout)
	}
	if w.Approval.DefaultTimeout > w.Approval.MaxTimeout {
		return Errorf(CategoryConfig, "INVALID_WORKFLOW_CONFIG",
			"approval default timeout %s exceeds max timeout %s", w.Approval.DefaultTimeout, w.Approval.MaxTimeout)
	}
	if w.StageDefaultTimeout <= 0 {
		return Errorf(CategoryConfig, "INVALID_WORKFLOW_CONFIG", "stage default timeout must be positive")
	}
	if w.MaxStages < 1 {
		return Errorf(CategoryConfig, "INVALID_WORKFLOW_CONFIG", "max stages must be at least 1, got %d", w.MaxStages)
	}
	if w.MaxDependencyDepth < 1 {
		return Errorf(CategoryConfig, "INVALID_WORKFLOW_CONFIG", "max dependency depth must be at least 1, got %d", w.MaxDependencyDepth)
	}

	t := c.Tools
	if t.ShellExec.Timeout <= 0 {
		return Errorf(CategoryConfig, "INVALID_TOOLS_CONFIG", "shell exec timeout must be positive")
	}
	if t.ShellExec.MaxOutputBytes < 1 {
		return Errorf(CategoryConfig, "INVALID_TOOLS_CONFIG", "shell exec max output bytes must be at least 1, got %d", t.ShellExec.MaxOutputBytes)
	}
	if t.FileRead.MaxSize < 1 {
		return Errorf(CategoryConfig, "INVALID_TOOLS_CONFIG", "file read max size must be at least 1, got %d", t.FileRead.MaxSize)
	}
	if t.FileRead.MaxPathLength < 1 {
		return Errorf(CategoryConfig, "INVALID_TOOLS_CONFIG", "file read max path length must be at least 1, got %d", t.FileRead.MaxPathLength)
	}

	tc := c.Template.Cache
	if tc.Enabled {
		if tc.MaxSize < 1 {
			return Errorf(CategoryConfig, "INVALID_TEMPLATE_CONFIG", "template cache max size must be at least 1, got %d", tc.MaxSize)
		}
		if tc.TTL <= 0 {
			return Errorf(CategoryConfig, "INVALID_TEMPLATE_CONFIG", "template cache ttl must be positive")
		}
	}
	return nil
}

// LoadConfig reads configuration: defaults -> TOML file -> CONDUCTOR_* env
// overrides (env wins). A missing or unreadable file leaves defaults intact.
func LoadConfig(path string) Config {
	cfg := DefaultConfig()

	if path == "" {
		path = "conductor.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CONDUCTOR_MAX_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Parallelism.MaxThreads = n
		}
	}
	if v := os.Getenv("CONDUCTOR_PARALLELISM_ENABLED"); v != "" {
		cfg.Parallelism.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CONDUCTOR_TASK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Parallelism.TaskTimeoutSeconds = n
		}
	}
	if v := os.Getenv("CONDUCTOR_BATCH_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Parallelism.BatchTimeoutSeconds = n
		}
	}
	if v := os.Getenv("CONDUCTOR_STAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Workflow.StageDefaultTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CONDUCTOR_MEMORY_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.RetentionDays = n
		}
	}
	if v := os.Getenv("CONDUCTOR_SHELL_ALLOWED_COMMANDS"); v != "" {
		parts := strings.Split(v, ",")
		allowed := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				allowed = append(allowed, p)
			}
		}
		cfg.Tools.ShellExec.AllowedCommands = allowed
	}
	if v := os.Getenv("CONDUCTOR_SHELL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tools.ShellExec.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("CONDUCTOR_FILE_BASE_DIR"); v != "" {
		cfg.Tools.FileRead.BaseDir = v
	}

	return cfg
}

// --- Secrets ---

// SecretResolver supplies credential material to provider constructors.
// Implementations must never log resolved values.
type SecretResolver interface {
	// Resolve returns the secret for name and whether it was found.
	Resolve(name string) (string, bool)
}

// EnvSecretResolver resolves secrets from the environment. It tries
// CONDUCTOR_<NAME> first, then the raw name, uppercased with hyphens
// mapped to underscores: Resolve("openai-api-key") checks
// CONDUCTOR_OPENAI_API_KEY then OPENAI_API_KEY.
type EnvSecretResolver struct{}

// Resolve implements SecretResolver.
func (EnvSecretResolver) Resolve(name string) (string, bool) {
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if v := os.Getenv("CONDUCTOR_" + key); v != "" {
		return v, true
	}
	if v := os.Getenv(key); v != "" {
		return v, true
	}
	return "", false
}

// StaticSecretResolver serves secrets from a fixed map, typically settings
// loaded at startup.
type StaticSecretResolver map[string]string

// Resolve implements SecretResolver.
func (s StaticSecretResolver) Resolve(name string) (string, bool) {
	v, ok := s[name]
	return v, ok && v != ""
}

// ChainSecretResolver tries each resolver in order and returns the first hit.
// The conventional chain is environment first, settings fallback.
type ChainSecretResolver []SecretResolver

// Resolve implements SecretResolver.
func (c ChainSecretResolver) Resolve(name string) (string, bool) {
	for _, r := range c {
		if v, ok := r.Resolve(name); ok {
			return v, true
		}
	}
	return "", false
}

// compile-time checks
var (
	_ SecretResolver = EnvSecretResolver{}
	_ SecretResolver = StaticSecretResolver(nil)
	_ SecretResolver = ChainSecretResolver(nil)
)
