// Package config loads renderhub settings from an optional config.yaml and
// the environment. Environment variables win over the file; every key has a
// default so a bare environment starts a working local setup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"renderhub/internal/sandbox"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Renderer RendererConfig
	Queue    QueueConfig
	Catalog  CatalogConfig
	AMQP     AMQPConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port            string        `validate:"required"`
	RequestTimeout  time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	CORSOrigins     []string
}

type LogConfig struct {
	Level     string `validate:"oneof=debug info warn warning error"`
	Format    string `validate:"oneof=json text"`
	AddSource bool
}

type DatabaseConfig struct {
	// URL empty selects the in-memory job store.
	URL      string
	MaxConns int32 `validate:"gte=0"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int `validate:"gte=0"`
}

type StorageConfig struct {
	Root           string `validate:"required"`
	TempRoot       string `validate:"required"`
	BaseURL        string `validate:"required"`
	MaxUploadBytes int64  `validate:"gt=0"`
	Mirror         string `validate:"oneof=none s3 gdrive"`
	S3             S3Config
	GDrive         GDriveConfig
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	PathStyle       bool
}

type GDriveConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	FolderID     string
}

type RendererConfig struct {
	Interpreter     string        `validate:"required"`
	CompositeScript string        `validate:"required"`
	Blender         string        `validate:"required"`
	RenderScript    string        `validate:"required"`
	WorkDir         string        `validate:"required"`
	TemplatesDir    string        `validate:"required"`
	Timeout         time.Duration `validate:"gt=0"`
	KillGrace       time.Duration `validate:"gt=0"`
	DefaultSamples  int           `validate:"min=1,max=4096"`
}

type QueueConfig struct {
	Broker         string        `validate:"oneof=redis memory"`
	Name           string        `validate:"required"`
	Concurrency    int           `validate:"min=1"`
	MaxAttempts    int           `validate:"min=1"`
	BackoffBase    time.Duration `validate:"gt=0"`
	MaxBackoff     time.Duration `validate:"gt=0"`
	StallTimeout   time.Duration `validate:"gt=0"`
	AttemptTimeout time.Duration `validate:"gt=0"`
}

type CatalogConfig struct {
	// BaseURL empty disables catalog calls; every product is then accepted.
	BaseURL  string
	Token    string
	RetryMax int           `validate:"gte=0"`
	Timeout  time.Duration `validate:"gt=0"`
}

type AMQPConfig struct {
	// URL empty disables event publishing.
	URL      string
	Exchange string `validate:"required"`
}

type WorkerConfig struct {
	AdminPort string `validate:"required"`
}

var bindings = map[string]string{
	"server.port":             "PORT",
	"server.request_timeout":  "REQUEST_TIMEOUT",
	"server.shutdown_timeout": "SHUTDOWN_TIMEOUT",
	"server.cors_origins":     "CORS_ORIGINS",

	"log.level":      "LOG_LEVEL",
	"log.format":     "LOG_FORMAT",
	"log.add_source": "LOG_SOURCE",

	"database.url":       "DATABASE_URL",
	"database.max_conns": "DATABASE_MAX_CONNS",

	"redis.addr":     "REDIS_ADDR",
	"redis.password": "REDIS_PASSWORD",
	"redis.db":       "REDIS_DB",

	"storage.root":                 "STORAGE_ROOT",
	"storage.temp_root":            "STORAGE_TEMP_ROOT",
	"storage.base_url":             "STORAGE_BASE_URL",
	"storage.max_upload_bytes":     "STORAGE_MAX_UPLOAD_BYTES",
	"storage.mirror":               "STORAGE_MIRROR",
	"storage.s3.bucket":            "S3_BUCKET",
	"storage.s3.region":            "S3_REGION",
	"storage.s3.endpoint":          "S3_ENDPOINT",
	"storage.s3.access_key_id":     "S3_ACCESS_KEY_ID",
	"storage.s3.secret_access_key": "S3_SECRET_ACCESS_KEY",
	"storage.s3.prefix":            "S3_PREFIX",
	"storage.s3.path_style":        "S3_PATH_STYLE",
	"storage.gdrive.client_id":     "GDRIVE_CLIENT_ID",
	"storage.gdrive.client_secret": "GDRIVE_CLIENT_SECRET",
	"storage.gdrive.refresh_token": "GDRIVE_REFRESH_TOKEN",
	"storage.gdrive.folder_id":     "GDRIVE_FOLDER_ID",

	"renderer.interpreter":      "RENDER_INTERPRETER",
	"renderer.composite_script": "RENDER_COMPOSITE_SCRIPT",
	"renderer.blender":          "RENDER_BLENDER",
	"renderer.render_script":    "RENDER_SCRIPT",
	"renderer.work_dir":         "RENDER_WORK_DIR",
	"renderer.templates_dir":    "RENDER_TEMPLATES_DIR",
	"renderer.timeout":          "RENDER_PROCESS_TIMEOUT",
	"renderer.kill_grace":       "RENDER_KILL_GRACE",
	"renderer.default_samples":  "RENDER_DEFAULT_SAMPLES",

	"queue.broker":          "QUEUE_BROKER",
	"queue.name":            "QUEUE_NAME",
	"queue.concurrency":     "QUEUE_CONCURRENCY",
	"queue.max_attempts":    "QUEUE_MAX_ATTEMPTS",
	"queue.backoff_base":    "QUEUE_BACKOFF_BASE",
	"queue.max_backoff":     "QUEUE_MAX_BACKOFF",
	"queue.stall_timeout":   "QUEUE_STALL_TIMEOUT",
	"queue.attempt_timeout": "QUEUE_ATTEMPT_TIMEOUT",

	"catalog.base_url":  "CATALOG_BASE_URL",
	"catalog.token":     "CATALOG_TOKEN",
	"catalog.retry_max": "CATALOG_RETRY_MAX",
	"catalog.timeout":   "CATALOG_TIMEOUT",

	"amqp.url":      "AMQP_URL",
	"amqp.exchange": "AMQP_EXCHANGE",

	"worker.admin_port": "WORKER_ADMIN_PORT",
}

// secrets may be supplied as <NAME>_FILE pointing at a mounted secret.
var secrets = []string{
	"DATABASE_URL",
	"REDIS_PASSWORD",
	"S3_ACCESS_KEY_ID",
	"S3_SECRET_ACCESS_KEY",
	"GDRIVE_CLIENT_SECRET",
	"GDRIVE_REFRESH_TOKEN",
	"CATALOG_TOKEN",
	"AMQP_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.add_source", false)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.root", "/var/lib/renderhub/storage")
	v.SetDefault("storage.temp_root", filepath.Join(os.TempDir(), "renderhub"))
	v.SetDefault("storage.base_url", "/static")
	v.SetDefault("storage.max_upload_bytes", 10<<20)
	v.SetDefault("storage.mirror", "none")
	v.SetDefault("storage.s3.region", "auto")
	v.SetDefault("storage.s3.path_style", false)

	v.SetDefault("renderer.interpreter", "python3")
	v.SetDefault("renderer.composite_script", "/opt/renderhub/scripts/composite.py")
	v.SetDefault("renderer.blender", "blender")
	v.SetDefault("renderer.render_script", "/opt/renderhub/scripts/render.py")
	v.SetDefault("renderer.work_dir", os.TempDir())
	v.SetDefault("renderer.templates_dir", "/opt/renderhub/templates")
	v.SetDefault("renderer.timeout", 5*time.Minute)
	v.SetDefault("renderer.kill_grace", 5*time.Second)
	v.SetDefault("renderer.default_samples", 128)

	v.SetDefault("queue.broker", "memory")
	v.SetDefault("queue.name", "render-jobs")
	v.SetDefault("queue.concurrency", 2)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", 5*time.Second)
	v.SetDefault("queue.max_backoff", time.Minute)
	v.SetDefault("queue.stall_timeout", 2*time.Minute)
	v.SetDefault("queue.attempt_timeout", 15*time.Minute)

	v.SetDefault("catalog.base_url", "")
	v.SetDefault("catalog.retry_max", 3)
	v.SetDefault("catalog.timeout", 10*time.Second)

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "render.events")

	v.SetDefault("worker.admin_port", "9090")
}

// Load reads configuration. configPaths are searched for config.yaml; when
// none are given the working directory and ./config are used.
func Load(configPaths ...string) (*Config, error) {
	for _, key := range secrets {
		readSecret(key)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(configPaths) == 0 {
		configPaths = []string{".", "./config"}
	}
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}

	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetString("server.port"),
			RequestTimeout:  v.GetDuration("server.request_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			CORSOrigins:     splitList(v.GetStringSlice("server.cors_origins")),
		},
		Log: LogConfig{
			Level:     strings.ToLower(v.GetString("log.level")),
			Format:    strings.ToLower(v.GetString("log.format")),
			AddSource: v.GetBool("log.add_source"),
		},
		Database: DatabaseConfig{
			URL:      v.GetString("database.url"),
			MaxConns: v.GetInt32("database.max_conns"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Storage: StorageConfig{
			Root:           v.GetString("storage.root"),
			TempRoot:       v.GetString("storage.temp_root"),
			BaseURL:        strings.TrimRight(v.GetString("storage.base_url"), "/"),
			MaxUploadBytes: v.GetInt64("storage.max_upload_bytes"),
			Mirror:         strings.ToLower(v.GetString("storage.mirror")),
			S3: S3Config{
				Bucket:          v.GetString("storage.s3.bucket"),
				Region:          v.GetString("storage.s3.region"),
				Endpoint:        v.GetString("storage.s3.endpoint"),
				AccessKeyID:     v.GetString("storage.s3.access_key_id"),
				SecretAccessKey: v.GetString("storage.s3.secret_access_key"),
				Prefix:          v.GetString("storage.s3.prefix"),
				PathStyle:       v.GetBool("storage.s3.path_style"),
			},
			GDrive: GDriveConfig{
				ClientID:     v.GetString("storage.gdrive.client_id"),
				ClientSecret: v.GetString("storage.gdrive.client_secret"),
				RefreshToken: v.GetString("storage.gdrive.refresh_token"),
				FolderID:     v.GetString("storage.gdrive.folder_id"),
			},
		},
		Renderer: RendererConfig{
			Interpreter:     v.GetString("renderer.interpreter"),
			CompositeScript: v.GetString("renderer.composite_script"),
			Blender:         v.GetString("renderer.blender"),
			RenderScript:    v.GetString("renderer.render_script"),
			WorkDir:         v.GetString("renderer.work_dir"),
			TemplatesDir:    v.GetString("renderer.templates_dir"),
			Timeout:         v.GetDuration("renderer.timeout"),
			KillGrace:       v.GetDuration("renderer.kill_grace"),
			DefaultSamples:  v.GetInt("renderer.default_samples"),
		},
		Queue: QueueConfig{
			Broker:         strings.ToLower(v.GetString("queue.broker")),
			Name:           v.GetString("queue.name"),
			Concurrency:    v.GetInt("queue.concurrency"),
			MaxAttempts:    v.GetInt("queue.max_attempts"),
			BackoffBase:    v.GetDuration("queue.backoff_base"),
			MaxBackoff:     v.GetDuration("queue.max_backoff"),
			StallTimeout:   v.GetDuration("queue.stall_timeout"),
			AttemptTimeout: v.GetDuration("queue.attempt_timeout"),
		},
		Catalog: CatalogConfig{
			BaseURL:  strings.TrimRight(v.GetString("catalog.base_url"), "/"),
			Token:    v.GetString("catalog.token"),
			RetryMax: v.GetInt("catalog.retry_max"),
			Timeout:  v.GetDuration("catalog.timeout"),
		},
		AMQP: AMQPConfig{
			URL:      v.GetString("amqp.url"),
			Exchange: v.GetString("amqp.exchange"),
		},
		Worker: WorkerConfig{
			AdminPort: v.GetString("worker.admin_port"),
		},
	}

	for _, p := range []*string{&cfg.Storage.Root, &cfg.Storage.TempRoot, &cfg.Renderer.TemplatesDir} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", *p, err)
		}
		*p = abs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the cross-field rules the tags cannot
// express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Queue.Broker == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("invalid config: queue.broker=redis requires REDIS_ADDR")
	}
	switch c.Storage.Mirror {
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("invalid config: storage.mirror=s3 requires S3_BUCKET")
		}
	case "gdrive":
		g := c.Storage.GDrive
		if g.ClientID == "" || g.ClientSecret == "" || g.RefreshToken == "" {
			return fmt.Errorf("invalid config: storage.mirror=gdrive requires GDRIVE_CLIENT_ID, GDRIVE_CLIENT_SECRET and GDRIVE_REFRESH_TOKEN")
		}
	}
	// Stored files are later passed to a process, and paths in system
	// directories are refused there.
	for _, d := range [][2]string{
		{"storage.root", c.Storage.Root},
		{"storage.temp_root", c.Storage.TempRoot},
		{"renderer.templates_dir", c.Renderer.TemplatesDir},
	} {
		if d[1] != "" && sandbox.InSystemDir(d[1]) {
			return fmt.Errorf("invalid config: %s %s is inside a system directory", d[0], d[1])
		}
	}
	for _, sc := range [][2]string{
		{"renderer.composite_script", c.Renderer.CompositeScript},
		{"renderer.render_script", c.Renderer.RenderScript},
	} {
		if err := sandbox.ValidateExecPath(sc[1], sandbox.RoleScript); err != nil {
			return fmt.Errorf("invalid config: %s: %w", sc[0], err)
		}
	}
	if c.Queue.MaxBackoff < c.Queue.BackoffBase {
		return fmt.Errorf("invalid config: queue.max_backoff must not be below queue.backoff_base")
	}
	return nil
}

// readSecret sets NAME from the file named by NAME_FILE unless NAME is
// already set.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
