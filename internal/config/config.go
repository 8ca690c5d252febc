package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Isolation modes for tenant scoping per resource type.
const (
	IsolationStrict = "strict" // tenant_id must match
	IsolationUser   = "user"   // tenant_id must match, user_id too when the resource carries one
	IsolationSoft   = "soft"   // tenant_id match, untagged, or explicitly shared
)

// Normalization modes for raw adapter sub-scores.
const (
	NormalizeClamp  = "clamp"
	NormalizeMinMax = "minmax"
)

type ServiceConfig struct {
	Name      string        `mapstructure:"name"`
	Port      int           `mapstructure:"port"`
	AdminPort int           `mapstructure:"admin_port"`
	Timeout   time.Duration `mapstructure:"request_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Weights combine normalized sub-scores into the correctness (relevance) key.
type Weights struct {
	Semantic  float64 `mapstructure:"semantic"`
	Keyword   float64 `mapstructure:"keyword"`
	Freshness float64 `mapstructure:"freshness"`
	Coverage  float64 `mapstructure:"coverage"`
	Policy    float64 `mapstructure:"policy"`
}

func (w Weights) Sum() float64 {
	return w.Semantic + w.Keyword + w.Freshness + w.Coverage + w.Policy
}

type RetrievalConfig struct {
	AdapterTimeout   time.Duration      `mapstructure:"adapter_timeout"`
	DefaultTopK      int                `mapstructure:"default_top_k"`
	MaxTopK          int                `mapstructure:"max_top_k"`
	Normalization    string             `mapstructure:"normalization"`
	RankPrecision    int                `mapstructure:"rank_precision"`
	FreshnessHorizon time.Duration      `mapstructure:"freshness_horizon"`
	DefaultRules     []string           `mapstructure:"default_ranking_rules"`
	Weights          map[string]Weights `mapstructure:"weights"`
}

// WeightsFor returns the weights for a resource type, falling back to "default".
func (r RetrievalConfig) WeightsFor(target string) Weights {
	if w, ok := r.Weights[strings.ToLower(target)]; ok && w.Sum() > 0 {
		return w
	}
	if w, ok := r.Weights["default"]; ok && w.Sum() > 0 {
		return w
	}
	return Weights{Semantic: 0.5, Keyword: 0.3, Coverage: 0.2}
}

type DecisionConfig struct {
	ResultThreshold   float64       `mapstructure:"result_threshold"`
	DocThreshold      float64       `mapstructure:"doc_threshold"`
	WorkflowThreshold float64       `mapstructure:"workflow_threshold"`
	CoverageThreshold float64       `mapstructure:"coverage_threshold"`
	CoverageTopK      int           `mapstructure:"coverage_top_k"`
	AmbiguityMargin   float64       `mapstructure:"ambiguity_margin"`
	OracleRetries     int           `mapstructure:"oracle_retries"`
	OracleTimeout     time.Duration `mapstructure:"oracle_timeout"`
	MaxCandidates     int           `mapstructure:"max_candidates"`
	ActionIntents     []string      `mapstructure:"action_intents"`
}

type ResultsConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

type WorkflowConfig struct {
	Dir                string        `mapstructure:"dir"`
	Watch              bool          `mapstructure:"watch"`
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`
	RunTimeout         time.Duration `mapstructure:"run_timeout"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	Tools              []ToolConfig  `mapstructure:"tools"`
}

// ToolConfig binds a tool name used in TOOL steps to an HTTP endpoint.
type ToolConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

type TenancyConfig struct {
	Isolation      map[string]string `mapstructure:"isolation"`
	DefaultMaxRisk string            `mapstructure:"default_max_risk"`
	TenantMaxRisk  map[string]string `mapstructure:"tenant_max_risk"`
}

// ModeFor returns the isolation mode for a resource type.
func (t TenancyConfig) ModeFor(resourceType string) string {
	if m, ok := t.Isolation[strings.ToLower(resourceType)]; ok {
		return m
	}
	return IsolationStrict
}

// MaxRiskFor returns the highest risk level a tenant may execute.
func (t TenancyConfig) MaxRiskFor(tenantID string) string {
	if r, ok := t.TenantMaxRisk[tenantID]; ok && r != "" {
		return r
	}
	return t.DefaultMaxRisk
}

type EvidenceConfig struct {
	MaxItems         int     `mapstructure:"max_items"`
	MaxContentChars  int     `mapstructure:"max_content_chars"`
	SupportThreshold float64 `mapstructure:"support_threshold"`
}

type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type LLMConfig struct {
	// Provider forces a provider; empty picks the first configured credential.
	Provider     string            `mapstructure:"provider"`
	DecisionRole string            `mapstructure:"decision_model"`
	AnswerRole   string            `mapstructure:"answer_model"`
	Temperature  float64           `mapstructure:"temperature"`
	MaxTokens    int               `mapstructure:"max_tokens"`
	RateLimit    float64           `mapstructure:"rate_limit_rps"`
	Burst        int               `mapstructure:"rate_limit_burst"`
	OpenAI       ProviderConfig    `mapstructure:"openai"`
	DeepSeek     ProviderConfig    `mapstructure:"deepseek"`
	Anthropic    ProviderConfig    `mapstructure:"anthropic"`
	Qianwen      ProviderConfig    `mapstructure:"qianwen"`
	Extra        map[string]string `mapstructure:"extra"`
}

type StoreConfig struct {
	// Backend is one of memory, redis, postgres.
	Backend  string        `mapstructure:"backend"`
	TraceTTL time.Duration `mapstructure:"trace_ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

type StructuredConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

type VectorConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Collection     string        `mapstructure:"collection"`
	ScoreThreshold float64       `mapstructure:"score_threshold"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type EmbeddingsConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	MaxLRU   int           `mapstructure:"max_lru"`
}

type PolicyConfig struct {
	Path string `mapstructure:"path"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Config is loaded once at process start and never mutated afterwards.
type Config struct {
	Service       ServiceConfig    `mapstructure:"service"`
	Logging       LoggingConfig    `mapstructure:"logging"`
	Intents       []string         `mapstructure:"intents"`
	OutputFormats []string         `mapstructure:"output_formats"`
	Retrieval     RetrievalConfig  `mapstructure:"retrieval"`
	Decision      DecisionConfig   `mapstructure:"decision"`
	Results       ResultsConfig    `mapstructure:"results"`
	Workflow      WorkflowConfig   `mapstructure:"workflow"`
	Tenancy       TenancyConfig    `mapstructure:"tenancy"`
	Evidence      EvidenceConfig   `mapstructure:"evidence"`
	LLM           LLMConfig        `mapstructure:"llm"`
	Store         StoreConfig      `mapstructure:"store"`
	Redis         RedisConfig      `mapstructure:"redis"`
	Postgres      PostgresConfig   `mapstructure:"postgres"`
	Structured    StructuredConfig `mapstructure:"structured"`
	Vector        VectorConfig     `mapstructure:"vector"`
	Embeddings    EmbeddingsConfig `mapstructure:"embeddings"`
	Policy        PolicyConfig     `mapstructure:"policy"`
	Tracing       TracingConfig    `mapstructure:"tracing"`
}

// Load reads the config file named by RESOLVER_CONFIG (default config/resolver.yaml).
// A missing file is not an error; defaults and env overrides still apply.
func Load() (*Config, error) {
	cfgPath := os.Getenv("RESOLVER_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/resolver.yaml"
	}
	return LoadFile(cfgPath)
}

// LoadFile reads a specific config file.
func LoadFile(cfgPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RESOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindCredentials(v)

	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(cfgPath); statErr == nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the built-in configuration without reading files or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "resolver")
	v.SetDefault("service.port", 8090)
	v.SetDefault("service.admin_port", 2112)
	v.SetDefault("service.request_timeout", "60s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("intents", []string{
		"KNOWLEDGE_QA", "LOOKUP_STATUS", "EXECUTE_TASK", "DECISION_RECOMMEND",
		"TROUBLESHOOT", "ACCOUNT_USER_SPECIFIC", "OTHER",
	})
	v.SetDefault("output_formats", []string{"text", "steps", "json", "table"})

	v.SetDefault("retrieval.adapter_timeout", "3s")
	v.SetDefault("retrieval.default_top_k", 5)
	v.SetDefault("retrieval.max_top_k", 50)
	v.SetDefault("retrieval.normalization", NormalizeClamp)
	v.SetDefault("retrieval.rank_precision", 6)
	v.SetDefault("retrieval.freshness_horizon", "1h")
	v.SetDefault("retrieval.default_ranking_rules", []string{"correctness", "freshness", "coverage", "cost"})
	v.SetDefault("retrieval.weights", map[string]interface{}{
		"default":    map[string]interface{}{"semantic": 0.5, "keyword": 0.3, "coverage": 0.2},
		"doc":        map[string]interface{}{"semantic": 0.5, "keyword": 0.3, "coverage": 0.2},
		"workflow":   map[string]interface{}{"semantic": 0.4, "keyword": 0.3, "policy": 0.3},
		"result":     map[string]interface{}{"semantic": 0.3, "keyword": 0.3, "freshness": 0.4},
		"structured": map[string]interface{}{"keyword": 0.7, "coverage": 0.3},
	})

	v.SetDefault("decision.result_threshold", 0.7)
	v.SetDefault("decision.doc_threshold", 0.7)
	v.SetDefault("decision.workflow_threshold", 0.5)
	v.SetDefault("decision.coverage_threshold", 1.2)
	v.SetDefault("decision.coverage_top_k", 3)
	v.SetDefault("decision.ambiguity_margin", 0.05)
	v.SetDefault("decision.oracle_retries", 2)
	v.SetDefault("decision.oracle_timeout", "20s")
	v.SetDefault("decision.max_candidates", 10)
	v.SetDefault("decision.action_intents", []string{"EXECUTE_TASK"})

	v.SetDefault("results.default_ttl", "3600s")

	v.SetDefault("workflow.dir", "config/workflows")
	v.SetDefault("workflow.watch", false)
	v.SetDefault("workflow.default_step_timeout", "30s")
	v.SetDefault("workflow.run_timeout", "5m")
	v.SetDefault("workflow.max_parallel", 8)

	v.SetDefault("tenancy.isolation", map[string]interface{}{
		"result":     IsolationUser,
		"workflow":   IsolationStrict,
		"doc":        IsolationSoft,
		"structured": IsolationStrict,
		"tool":       IsolationStrict,
	})
	v.SetDefault("tenancy.default_max_risk", "medium")

	v.SetDefault("evidence.max_items", 8)
	v.SetDefault("evidence.max_content_chars", 4000)
	v.SetDefault("evidence.support_threshold", 0.5)

	v.SetDefault("llm.decision_model", "gpt-4o-mini")
	v.SetDefault("llm.answer_model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.rate_limit_rps", 5.0)
	v.SetDefault("llm.rate_limit_burst", 5)
	v.SetDefault("llm.deepseek.base_url", "https://api.deepseek.com/v1")
	v.SetDefault("llm.deepseek.model", "deepseek-chat")
	v.SetDefault("llm.anthropic.model", "claude-3-5-sonnet-latest")
	v.SetDefault("llm.qianwen.base_url", "https://dashscope.aliyuncs.com/compatible-mode/v1")
	v.SetDefault("llm.qianwen.model", "qwen-plus")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.trace_ttl", "24h")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "resolver")
	v.SetDefault("postgres.database", "resolver")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_connections", 25)
	v.SetDefault("postgres.idle_connections", 5)
	v.SetDefault("postgres.max_lifetime", "5m")

	v.SetDefault("structured.enabled", false)
	v.SetDefault("structured.driver", "postgres")
	v.SetDefault("structured.table", "structured_records")

	v.SetDefault("vector.enabled", false)
	v.SetDefault("vector.host", "localhost")
	v.SetDefault("vector.port", 6333)
	v.SetDefault("vector.collection", "doc_chunks")
	v.SetDefault("vector.score_threshold", 0.0)
	v.SetDefault("vector.timeout", "3s")

	v.SetDefault("embeddings.base_url", "http://localhost:8000")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.timeout", "5s")
	v.SetDefault("embeddings.cache_ttl", "1h")
	v.SetDefault("embeddings.max_lru", 2048)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "resolver")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// bindCredentials maps the conventional provider env vars onto llm.* keys.
func bindCredentials(v *viper.Viper) {
	_ = v.BindEnv("llm.openai.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("llm.openai.base_url", "OPENAI_BASE_URL")
	_ = v.BindEnv("llm.deepseek.api_key", "DEEPSEEK_API_KEY")
	_ = v.BindEnv("llm.anthropic.api_key", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("llm.qianwen.api_key", "DASHSCOPE_API_KEY")
	_ = v.BindEnv("llm.provider", "LLM_PROVIDER")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR", "RESOLVER_REDIS_ADDR")
	_ = v.BindEnv("postgres.password", "POSTGRES_PASSWORD", "RESOLVER_POSTGRES_PASSWORD")
}
