// Package config loads and saves the server's configuration: the global
// sampler/context knobs, plus the operational settings (listen address,
// data directory, worker binary path) that have no per-conversation
// override.
package config

import "time"

// SamplerKind selects which sampler chain gets built.
type SamplerKind string

const (
	SamplerGreedy         SamplerKind = "greedy"
	SamplerTemperature    SamplerKind = "temperature"
	SamplerTopP           SamplerKind = "top_p"
	SamplerTopK           SamplerKind = "top_k"
	SamplerTypical        SamplerKind = "typical"
	SamplerMinP           SamplerKind = "min_p"
	SamplerTempExt        SamplerKind = "temp_ext"
	SamplerChainTempTopP  SamplerKind = "chain_temp_top_p"
	SamplerChainTempTopK  SamplerKind = "chain_temp_top_k"
	SamplerChainFull      SamplerKind = "chain_full"
	SamplerMirostat       SamplerKind = "mirostat"
)

// SystemPromptKind selects how the system prompt text is resolved.
type SystemPromptKind string

const (
	SystemPromptDefault     SystemPromptKind = "default"
	SystemPromptUserDefined SystemPromptKind = "user_defined"
	SystemPromptCustom      SystemPromptKind = "custom"
)

// AgenticSystemPromptSentinel is the literal custom-prompt text that
// triggers the universal agentic template substitution.
const AgenticSystemPromptSentinel = "__AGENTIC__"

// ToolTags is the invocation/output delimiter pair used to wrap an
// inline tool call and its result.
type ToolTags struct {
	ExecOpen   string `yaml:"exec_open" json:"exec_open"`
	ExecClose  string `yaml:"exec_close" json:"exec_close"`
	OutputOpen string `yaml:"output_open" json:"output_open"`
	OutputClose string `yaml:"output_close" json:"output_close"`
}

// DefaultToolTags is the system-wide default delimiter set.
func DefaultToolTags() ToolTags {
	return ToolTags{
		ExecOpen:    "<||SYSTEM.EXEC>",
		ExecClose:   "<SYSTEM.EXEC||>",
		OutputOpen:  "<||SYSTEM.EXEC.OUTPUT>",
		OutputClose: "<SYSTEM.EXEC.OUTPUT||>",
	}
}

// SamplerConfig is every sampler knob exposed to a conversation.
type SamplerConfig struct {
	Kind SamplerKind `yaml:"kind" json:"kind"`

	Temperature float64 `yaml:"temperature" json:"temperature"`
	TopP        float64 `yaml:"top_p" json:"top_p"`
	TopK        int     `yaml:"top_k" json:"top_k"`
	MinP        float64 `yaml:"min_p" json:"min_p"`
	TypicalP    float64 `yaml:"typical_p" json:"typical_p"`
	TopNSigma   float64 `yaml:"top_n_sigma" json:"top_n_sigma"`

	MirostatTau float64 `yaml:"mirostat_tau" json:"mirostat_tau"`
	MirostatEta float64 `yaml:"mirostat_eta" json:"mirostat_eta"`

	RepeatPenalty    float64 `yaml:"repeat_penalty" json:"repeat_penalty"`
	FrequencyPenalty float64 `yaml:"frequency_penalty" json:"frequency_penalty"`
	PresencePenalty  float64 `yaml:"presence_penalty" json:"presence_penalty"`
	RepeatLastN      int     `yaml:"repeat_last_n" json:"repeat_last_n"`

	DRYMultiplier     float64 `yaml:"dry_multiplier" json:"dry_multiplier"`
	DRYBase           float64 `yaml:"dry_base" json:"dry_base"`
	DRYAllowedLength  int     `yaml:"dry_allowed_length" json:"dry_allowed_length"`

	Seed uint32 `yaml:"seed" json:"seed"`
}

// DefaultSamplerConfig mirrors common llama.cpp defaults.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Kind:             SamplerChainFull,
		Temperature:      0.8,
		TopP:             0.95,
		TopK:             40,
		MinP:             0.05,
		TypicalP:         1.0,
		TopNSigma:        -1.0,
		MirostatTau:      5.0,
		MirostatEta:      0.1,
		RepeatPenalty:    1.0,
		FrequencyPenalty: 0.0,
		PresencePenalty:  0.0,
		RepeatLastN:      64,
		DRYMultiplier:    0.0,
		DRYBase:          1.75,
		DRYAllowedLength: 2,
		Seed:             1337,
	}
}

// ContextConfig is the advanced context/batch knobs.
type ContextConfig struct {
	ContextSize    int    `yaml:"context_size" json:"context_size"`
	BatchSize      int    `yaml:"batch_size" json:"batch_size"`
	FlashAttention bool   `yaml:"flash_attention" json:"flash_attention"`
	CacheTypeK     string `yaml:"cache_type_k" json:"cache_type_k"`
	CacheTypeV     string `yaml:"cache_type_v" json:"cache_type_v"`
}

// DefaultContextConfig mirrors the common 32768-token fallback.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		ContextSize:    32768,
		BatchSize:      2048,
		FlashAttention: true,
		CacheTypeK:     "f16",
		CacheTypeV:     "f16",
	}
}

// Knobs bundles everything a conversation-config snapshot needs; the
// global configuration row carries this same shape plus a model history
// list that has no per-conversation equivalent.
type Knobs struct {
	Sampler          SamplerConfig     `yaml:"sampler" json:"sampler"`
	Context          ContextConfig     `yaml:"context" json:"context"`
	ModelPath        string            `yaml:"model_path" json:"model_path"`
	SystemPromptKind SystemPromptKind  `yaml:"system_prompt_kind" json:"system_prompt_kind"`
	SystemPromptText string            `yaml:"system_prompt_text" json:"system_prompt_text"`
	StopTokens       []string          `yaml:"stop_tokens" json:"stop_tokens"`
	ToolTags         ToolTags          `yaml:"tool_tags" json:"tool_tags"`
}

// DefaultKnobs returns the out-of-the-box global configuration row.
func DefaultKnobs() Knobs {
	return Knobs{
		Sampler:          DefaultSamplerConfig(),
		Context:          DefaultContextConfig(),
		SystemPromptKind: SystemPromptDefault,
		StopTokens: []string{
			"<|end_of_text|>", "<|eot_id|>", "<|im_end|>", "[/INST]",
			"</s>", "<|end|>", "<end_of_turn>",
		},
		ToolTags: DefaultToolTags(),
	}
}

// ModelHistoryCap is the maximum number of remembered model paths.
const ModelHistoryCap = 10

// Server bundles operational settings that have no per-conversation
// override and are never persisted in the config table.
type Server struct {
	ListenAddr        string `yaml:"listen_addr"`
	DataDir           string `yaml:"data_dir"`
	DBPath            string `yaml:"db_path"`
	ModelCacheDir     string `yaml:"model_cache_dir"`
	WorkerBinaryPath  string `yaml:"worker_binary_path"`
	LogLevel          string `yaml:"log_level"`
	LogFilePath       string `yaml:"log_file_path"`
	DownloadChunkSize int    `yaml:"download_chunk_size"`
	// DownloadVerifyConcurrency bounds how many on-disk artifacts
	// download.Engine.Verify stats concurrently.
	DownloadVerifyConcurrency int `yaml:"download_verify_concurrency"`
	// LegacyConversationsDir is a directory of chat_*.txt transcripts
	// from a file-based predecessor store; its contents are imported
	// once, on startup, into any conversation id not already present.
	LegacyConversationsDir string        `yaml:"legacy_conversations_dir"`
	WSWriteTimeout         time.Duration `yaml:"-"`
	ShellToolTimeout       time.Duration `yaml:"-"`
}

// DefaultServer mirrors this server's usual operating constants: 64 KiB
// download chunks, a 50ms WS send timeout, and a 15s shell-tool timeout.
func DefaultServer() Server {
	return Server{
		ListenAddr:                "127.0.0.1:8787",
		DataDir:                   "./data",
		DBPath:                    "./data/chat.db",
		ModelCacheDir:             "./data/models",
		WorkerBinaryPath:          "",
		LogLevel:                  "info",
		LogFilePath:               "",
		DownloadChunkSize:         64 * 1024,
		DownloadVerifyConcurrency: 4,
		LegacyConversationsDir:    "assets/conversations",
		WSWriteTimeout:            50 * time.Millisecond,
		ShellToolTimeout:          15 * time.Second,
	}
}

// Config is the full, process-wide configuration: operational settings
// plus the default global knobs seeded into the store on first run.
type Config struct {
	Server Server `yaml:"server"`
	Knobs  Knobs  `yaml:"knobs"`
}

// Default returns the configuration used when no config file is present.
func Default() Config {
	return Config{Server: DefaultServer(), Knobs: DefaultKnobs()}
}
