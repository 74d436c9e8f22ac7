package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	Release   ReleaseConfig   `mapstructure:"release"`
	ADB       ADBConfig       `mapstructure:"adb"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Signing   SigningConfig   `mapstructure:"signing"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Log       LogConfig       `mapstructure:"log"`
	OutputDir string          `mapstructure:"output_dir"`
}

// ReleaseConfig gadget 发布源配置
type ReleaseConfig struct {
	FeedURL string `mapstructure:"feed_url"` // 发布源地址（GitHub releases API）
	Timeout int    `mapstructure:"timeout"`  // seconds
}

type ADBConfig struct {
	Target           string `mapstructure:"target"`             // 设备地址，空表示默认设备
	Timeout          int    `mapstructure:"timeout"`            // seconds
	InstallAfterSign bool   `mapstructure:"install_after_sign"` // 签名后自动 adb install -r
}

// CacheConfig gadget 二进制缓存配置
type CacheConfig struct {
	Dir             string `mapstructure:"dir"`
	DownloadTimeout int    `mapstructure:"download_timeout"` // seconds
}

// WorkspaceConfig 反编译 scratch 目录配置
type WorkspaceConfig struct {
	ScratchRoot      string `mapstructure:"scratch_root"`
	Retain           bool   `mapstructure:"retain"` // 失败后保留 scratch 目录用于排查
	ApktoolPath      string `mapstructure:"apktool_path"`
	DecompileTimeout int    `mapstructure:"decompile_timeout"` // seconds
	RebuildTimeout   int    `mapstructure:"rebuild_timeout"`   // seconds
}

// SigningConfig 签名配置
// 默认 alias/口令仅用于本地研究身份，见 internal/signer
type SigningConfig struct {
	KeystorePath string `mapstructure:"keystore_path"`
	Alias        string `mapstructure:"alias"`
	StorePass    string `mapstructure:"store_pass"`
	KeyPass      string `mapstructure:"key_pass"`
	Timeout      int    `mapstructure:"timeout"` // seconds
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"` // sqlite 文件路径
}

// WatcherConfig 批量模式入站目录监控配置
type WatcherConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	InboundDir string `mapstructure:"inbound_dir"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	viper.AutomaticEnv()
	viper.BindEnv("adb.target", "ADB_TARGET")
	viper.BindEnv("release.feed_url", "GADGET_FEED_URL")
	viper.BindEnv("cache.dir", "GADGET_CACHE_DIR")
	viper.BindEnv("signing.keystore_path", "PATCHER_KEYSTORE")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置（用于未提供 config.yaml 的单次运行）
func Default() (*Config, error) {
	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("release.feed_url", "https://api.github.com/repos/frida/frida/releases/latest")
	viper.SetDefault("release.timeout", 15)
	viper.SetDefault("adb.timeout", 10)
	viper.SetDefault("cache.dir", "./data/gadget-cache")
	viper.SetDefault("cache.download_timeout", 120)
	viper.SetDefault("workspace.scratch_root", "./data/workspaces")
	viper.SetDefault("workspace.apktool_path", "apktool")
	viper.SetDefault("workspace.decompile_timeout", 300)
	viper.SetDefault("workspace.rebuild_timeout", 300)
	viper.SetDefault("signing.keystore_path", "./data/patch-keystore.jks")
	viper.SetDefault("signing.timeout", 120)
	viper.SetDefault("database.path", "./data/runs.db")
	viper.SetDefault("watcher.inbound_dir", "./inbound_apks")
	viper.SetDefault("worker.concurrency", 2)
	viper.SetDefault("worker.queue_size", 32)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("output_dir", "./output")
}
