// Package config loads persona-fleet settings from YAML, .env and the environment.
package config

import "time"

// Config is the root application configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Search    SearchConfig    `yaml:"search"`
	Memory    MemoryConfig    `yaml:"memory"`
	Security  SecurityConfig  `yaml:"security"`
	Gate      GateConfig      `yaml:"gate"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Transport TransportConfig `yaml:"transport"`
	Owner     OwnerConfig     `yaml:"owner"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// DatabaseConfig points at the SQLite file.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"PERSONA_FLEET_DB" env-default:"data/persona-fleet.db"`
}

// LLMConfig selects and tunes the completion backend.
type LLMConfig struct {
	Provider       string        `yaml:"provider"        env:"LLM_PROVIDER"        env-default:"ollama"`
	URL            string        `yaml:"url"             env:"OLLAMA_URL"          env-default:"http://localhost:11434"`
	Model          string        `yaml:"model"           env:"LLM_MODEL"           env-default:"llama3.2"`
	APIKey         string        `yaml:"api_key"         env:"GENAI_API_KEY"`
	Temperature    float64       `yaml:"temperature"     env:"LLM_TEMPERATURE"     env-default:"0.8"`
	MaxTokens      int           `yaml:"max_tokens"      env:"LLM_MAX_TOKENS"      env-default:"512"`
	MaxConcurrent  int64         `yaml:"max_concurrent"  env:"LLM_MAX_CONCURRENT"  env-default:"3"`
	QueueTimeout   time.Duration `yaml:"queue_timeout"   env:"LLM_QUEUE_TIMEOUT"   env-default:"30s"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"LLM_REQUEST_TIMEOUT" env-default:"120s"`
}

// EmbeddingConfig selects the embedding backend.
type EmbeddingConfig struct {
	Provider string `yaml:"provider" env:"EMBED_PROVIDER" env-default:"ollama"`
	Model    string `yaml:"model"    env:"EMBED_MODEL"    env-default:"nomic-embed-text"`
	URL      string `yaml:"url"      env:"EMBED_URL"`
	APIKey   string `yaml:"api_key"  env:"EMBED_API_KEY"`
	Dims     int    `yaml:"dims"     env:"EMBED_DIMS"`
}

// SearchConfig controls the web search collaborator.
type SearchConfig struct {
	Mode       string        `yaml:"mode"        env:"SEARCH_MODE"        env-default:"heuristic"`
	Endpoint   string        `yaml:"endpoint"    env:"SEARCH_ENDPOINT"    env-default:"https://html.duckduckgo.com/html/"`
	MaxResults int           `yaml:"max_results" env:"SEARCH_MAX_RESULTS" env-default:"3"`
	Timeout    time.Duration `yaml:"timeout"     env:"SEARCH_TIMEOUT"     env-default:"10s"`
}

// MemoryConfig tunes retrieval, eviction and summarization.
type MemoryConfig struct {
	TopK             int     `yaml:"top_k"             env:"MEMORY_TOP_K"             env-default:"3"`
	MinLength        int     `yaml:"min_length"        env:"MEMORY_MIN_LENGTH"        env-default:"10"`
	Ceiling          int     `yaml:"ceiling"           env:"MEMORY_CEILING"           env-default:"1000"`
	DecayRate        float64 `yaml:"decay_rate"        env:"MEMORY_DECAY_RATE"        env-default:"0.1"`
	SummaryThreshold int     `yaml:"summary_threshold" env:"MEMORY_SUMMARY_THRESHOLD" env-default:"50"`
	SummarySpan      int     `yaml:"summary_span"      env:"MEMORY_SUMMARY_SPAN"      env-default:"50"`
}

// SecurityConfig holds the injection screen policy.
type SecurityConfig struct {
	FlaggedPolicy string          `yaml:"flagged_policy" env:"SECURITY_FLAGGED_POLICY" env-default:"drop"`
	Ladder        []time.Duration `yaml:"ladder"         env:"SECURITY_LADDER"         env-default:"0s,5m,1h,24h"`
	ExtraPatterns []string        `yaml:"extra_patterns" env:"SECURITY_EXTRA_PATTERNS"`
}

// GateConfig holds flood-control limits.
type GateConfig struct {
	FloodLimit  int           `yaml:"flood_limit"  env:"GATE_FLOOD_LIMIT"  env-default:"5"`
	FloodWindow time.Duration `yaml:"flood_window" env:"GATE_FLOOD_WINDOW" env-default:"60s"`
	// Debounce merges a burst from one sender into a single turn; 0 disables it.
	Debounce time.Duration `yaml:"debounce" env:"GATE_DEBOUNCE" env-default:"0s"`
}

// DeliveryConfig tunes the humanized delivery engine.
type DeliveryConfig struct {
	TypingFloor         time.Duration `yaml:"typing_floor"          env:"DELIVERY_TYPING_FLOOR"          env-default:"1s"`
	TypingCap           time.Duration `yaml:"typing_cap"            env:"DELIVERY_TYPING_CAP"            env-default:"30s"`
	TypingVariance      float64       `yaml:"typing_variance"       env:"DELIVERY_TYPING_VARIANCE"       env-default:"0.2"`
	DistractProbability float64       `yaml:"distract_probability"  env:"DELIVERY_DISTRACT_PROBABILITY"  env-default:"0.2"`
	MaxMessageLength    int           `yaml:"max_message_length"    env:"DELIVERY_MAX_MESSAGE_LENGTH"    env-default:"4096"`
}

// TransportConfig points workers at the chat bridge.
type TransportConfig struct {
	BridgeURL   string        `yaml:"bridge_url"   env:"BRIDGE_URL"   env-default:"ws://localhost:8765/accounts"`
	BridgeToken string        `yaml:"bridge_token" env:"BRIDGE_TOKEN"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"BRIDGE_DIAL_TIMEOUT" env-default:"15s"`
}

// OwnerConfig lists where operational errors are reported.
type OwnerConfig struct {
	NotifyAccountID int64   `yaml:"notify_account_id" env:"OWNER_NOTIFY_ACCOUNT"`
	ChatIDs         []int64 `yaml:"chat_ids"          env:"OWNER_IDS"`
}
