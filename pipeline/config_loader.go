package pipeline

import (
	"fmt"

	"github.com/spf13/viper"
)

// LoadConfigFromViper loads pipeline configuration from v, or from the
// global Viper instance when v is nil. Unset keys keep their defaults.
func LoadConfigFromViper(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.GetViper()
	}
	cfg := DefaultConfig()

	// Defaults
	setString(v, "defaults.language", &cfg.Defaults.Language)
	setString(v, "defaults.emotion", &cfg.Defaults.Emotion)
	setString(v, "defaults.tone", &cfg.Defaults.Tone)
	setString(v, "defaults.voice", &cfg.Defaults.Voice)

	// Retry policy
	if v.IsSet("retry.max_retries") {
		cfg.Retry.MaxRetries = v.GetInt("retry.max_retries")
	}
	if v.IsSet("retry.base_delay") {
		cfg.Retry.BaseDelay = v.GetDuration("retry.base_delay")
	}
	if v.IsSet("retry.max_delay") {
		cfg.Retry.MaxDelay = v.GetDuration("retry.max_delay")
	}
	if v.IsSet("retry.jitter") {
		cfg.Retry.Jitter = v.GetBool("retry.jitter")
	}

	// Stages
	loadStageConfig(v, "script", &cfg.Script)
	loadStageConfig(v, "speech", &cfg.Speech)
	loadStageConfig(v, "lipsync", &cfg.LipSync.StageConfig)
	if v.IsSet("lipsync.poll_interval") {
		cfg.LipSync.PollInterval = v.GetDuration("lipsync.poll_interval")
	}
	if v.IsSet("lipsync.max_polls") {
		cfg.LipSync.MaxPolls = v.GetInt("lipsync.max_polls")
	}

	// Cache
	if v.IsSet("cache.enabled") {
		cfg.Cache.Enabled = v.GetBool("cache.enabled")
	}
	if v.IsSet("cache.memory_capacity_mb") {
		cfg.Cache.MemoryCapacityMB = v.GetInt("cache.memory_capacity_mb")
	}
	if v.IsSet("cache.metadata_ttl") {
		cfg.Cache.MetadataTTL = v.GetDuration("cache.metadata_ttl")
	}
	if v.IsSet("cache.preferences_ttl") {
		cfg.Cache.PreferencesTTL = v.GetDuration("cache.preferences_ttl")
	}
	setString(v, "cache.dir", &cfg.Cache.Dir)
	if v.IsSet("cache.disk_capacity_mb") {
		cfg.Cache.DiskCapacityMB = v.GetInt("cache.disk_capacity_mb")
	}
	if v.IsSet("cache.cleanup_interval") {
		cfg.Cache.CleanupInterval = v.GetDuration("cache.cleanup_interval")
	}

	// Jobs
	if v.IsSet("jobs.retention") {
		cfg.Jobs.Retention = v.GetDuration("jobs.retention")
	}

	// Latency targets
	if v.IsSet("targets.script") {
		cfg.Targets.Script = v.GetDuration("targets.script")
	}
	if v.IsSet("targets.audio_start") {
		cfg.Targets.AudioStart = v.GetDuration("targets.audio_start")
	}
	if v.IsSet("targets.video_render") {
		cfg.Targets.VideoRender = v.GetDuration("targets.video_render")
	}
	if v.IsSet("targets.total") {
		cfg.Targets.Total = v.GetDuration("targets.total")
	}
	if v.IsSet("targets.window") {
		cfg.Targets.Window = v.GetInt("targets.window")
	}

	cfg.Local = loadLocalConfig(v)

	// Tracing and server
	setString(v, "tracing.exporter", &cfg.Tracing.Exporter)
	setString(v, "tracing.endpoint", &cfg.Tracing.Endpoint)
	setString(v, "server.addr", &cfg.Server.Addr)

	// Subjects
	if v.IsSet("subjects") {
		var subjects []SubjectMetadata
		if err := v.UnmarshalKey("subjects", &subjects); err != nil {
			return cfg, fmt.Errorf("invalid subjects: %w", err)
		}
		cfg.Subjects = subjects
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid pipeline configuration: %w", err)
	}
	return cfg, nil
}

func loadStageConfig(v *viper.Viper, prefix string, sc *StageConfig) {
	if v.IsSet(prefix + ".providers") {
		sc.Providers = v.GetStringSlice(prefix + ".providers")
	}
	if v.IsSet(prefix + ".timeout") {
		sc.Timeout = v.GetDuration(prefix + ".timeout")
	}
	if v.IsSet(prefix + ".cache_ttl") {
		sc.CacheTTL = v.GetDuration(prefix + ".cache_ttl")
	}
}

// loadLocalConfig loads the local generator configuration from Viper.
func loadLocalConfig(v *viper.Viper) LocalConfig {
	cfg := DefaultConfig().Local

	if v.IsSet("local.simulate_latency") {
		cfg.SimulateLatency = v.GetBool("local.simulate_latency")
	}
	if v.IsSet("local.script_delay") {
		cfg.ScriptDelay = v.GetDuration("local.script_delay")
	}
	if v.IsSet("local.speech_delay") {
		cfg.SpeechDelay = v.GetDuration("local.speech_delay")
	}
	if v.IsSet("local.lipsync_delay") {
		cfg.LipSyncDelay = v.GetDuration("local.lipsync_delay")
	}
	setString(v, "local.audio_dir", &cfg.AudioDir)
	if v.IsSet("local.words_per_minute") {
		cfg.WordsPerMinute = v.GetInt("local.words_per_minute")
	}
	if v.IsSet("local.stock_videos") {
		cfg.StockVideos = v.GetStringSlice("local.stock_videos")
	}
	return cfg
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

// SetDefaults registers every default with v so that `config` output and
// environment overrides see the full key set.
func SetDefaults(v *viper.Viper) {
	if v == nil {
		v = viper.GetViper()
	}
	d := DefaultConfig()

	v.SetDefault("defaults.language", d.Defaults.Language)
	v.SetDefault("defaults.emotion", d.Defaults.Emotion)
	v.SetDefault("defaults.tone", d.Defaults.Tone)

	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)

	v.SetDefault("script.providers", d.Script.Providers)
	v.SetDefault("script.timeout", d.Script.Timeout)
	v.SetDefault("script.cache_ttl", d.Script.CacheTTL)
	v.SetDefault("speech.providers", d.Speech.Providers)
	v.SetDefault("speech.timeout", d.Speech.Timeout)
	v.SetDefault("speech.cache_ttl", d.Speech.CacheTTL)
	v.SetDefault("lipsync.providers", d.LipSync.Providers)
	v.SetDefault("lipsync.timeout", d.LipSync.Timeout)
	v.SetDefault("lipsync.cache_ttl", d.LipSync.CacheTTL)
	v.SetDefault("lipsync.poll_interval", d.LipSync.PollInterval)
	v.SetDefault("lipsync.max_polls", d.LipSync.MaxPolls)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.memory_capacity_mb", d.Cache.MemoryCapacityMB)
	v.SetDefault("cache.metadata_ttl", d.Cache.MetadataTTL)
	v.SetDefault("cache.preferences_ttl", d.Cache.PreferencesTTL)
	v.SetDefault("cache.disk_capacity_mb", d.Cache.DiskCapacityMB)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)

	v.SetDefault("jobs.retention", d.Jobs.Retention)

	v.SetDefault("targets.script", d.Targets.Script)
	v.SetDefault("targets.audio_start", d.Targets.AudioStart)
	v.SetDefault("targets.video_render", d.Targets.VideoRender)
	v.SetDefault("targets.total", d.Targets.Total)
	v.SetDefault("targets.window", d.Targets.Window)

	v.SetDefault("local.simulate_latency", d.Local.SimulateLatency)
	v.SetDefault("local.words_per_minute", d.Local.WordsPerMinute)

	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("server.addr", d.Server.Addr)
}
