package types

import "time"

// Config is the full service configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Diagnosis  DiagnosisConfig  `mapstructure:"diagnosis"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Data       DataConfig       `mapstructure:"data"`
	Events     EventsConfig     `mapstructure:"events"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	WebSocketPath   string        `mapstructure:"websocket_path"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	EnableMetrics   bool          `mapstructure:"enable_metrics"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DispatcherConfig bounds concurrent execution
type DispatcherConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	QueueSize     int           `mapstructure:"queue_size"`
}

// ExecutionConfig tunes the run loop
type ExecutionConfig struct {
	// Timeout is the wall-clock budget of active running time; zero disables it
	Timeout          time.Duration `mapstructure:"timeout"`
	CancelGrace      time.Duration `mapstructure:"cancel_grace"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	ProgressBurst    int           `mapstructure:"progress_burst"`
	AutoDiagnose     bool          `mapstructure:"auto_diagnose"`
}

// DiagnosisConfig holds default diagnosis parameters
type DiagnosisConfig struct {
	Defaults       DiagnosisParams `mapstructure:"defaults"`
	MaxEvaluations int             `mapstructure:"max_evaluations"`
}

// StorageConfig selects the task record store
type StorageConfig struct {
	Driver       string `mapstructure:"driver"` // "memory" or "sqlite"
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig configures the optional redis notification sink
type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "console" or "json"
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DataConfig represents dataset storage configuration
type DataConfig struct {
	DataDir string            `mapstructure:"data_dir"`
	Sectors map[string]string `mapstructure:"sectors"`
}

// EventsConfig sizes the progress/log bus
type EventsConfig struct {
	Shards     int `mapstructure:"shards"`
	BufferSize int `mapstructure:"buffer_size"`
}
