package config

import (
	"fmt"
	"time"

	"github.com/andresmejia3/realitycheck/internal/pipeline"
	"github.com/andresmejia3/realitycheck/internal/report"
	"github.com/andresmejia3/realitycheck/internal/sampler"
	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port           int    `env:"PORT"             envDefault:"8000"`
	UploadDir      string `env:"UPLOAD_DIR"       envDefault:"uploads"`
	DownloadDir    string `env:"DOWNLOAD_DIR"     envDefault:"downloads"`
	FramesDir      string `env:"FRAMES_DIR"       envDefault:"uploads/frames"`
	FramesRetained int    `env:"FRAMES_RETAINED"  envDefault:"20"`
	MaxUploadMB    int64  `env:"MAX_UPLOAD_MB"    envDefault:"512"`
	StaticDir      string `env:"STATIC_DIR"`

	DatabaseURL string `env:"DATABASE_URL"`

	MinIOEndpoint  string `env:"MINIO_ENDPOINT"`
	MinIOAccessKey string `env:"MINIO_ACCESS_KEY" envDefault:"minioadmin"`
	MinIOSecretKey string `env:"MINIO_SECRET_KEY" envDefault:"minioadmin"`
	MinIOUseSSL    bool   `env:"MINIO_USE_SSL"    envDefault:"false"`
	MinIOBucket    string `env:"MINIO_BUCKET"     envDefault:"frames"`

	Workers       int           `env:"ORACLE_WORKERS"  envDefault:"1"`
	PythonBin     string        `env:"PYTHON_BIN"      envDefault:"python3"`
	WorkerScript  string        `env:"WORKER_SCRIPT"   envDefault:"python/worker.py"`
	Model         string        `env:"MODEL"           envDefault:"dima806/deepfake_vs_real_image_detection"`
	WorkerTimeout time.Duration `env:"WORKER_TIMEOUT"  envDefault:"2m"`

	SampleMode  string `env:"SAMPLE_MODE"   envDefault:"stride"`
	SampleEvery int    `env:"SAMPLE_EVERY"  envDefault:"30"`
	SampleCount int    `env:"SAMPLE_COUNT"  envDefault:"8"`
	Strategy    string `env:"UNIT_STRATEGY" envDefault:"faces"`
	PolicyFile  string `env:"POLICY_FILE"`

	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SamplingPolicy builds the frame selection policy.
func (c *Config) SamplingPolicy() (sampler.Policy, error) {
	p := sampler.Policy{Mode: sampler.Mode(c.SampleMode), Stride: c.SampleEvery, Count: c.SampleCount}
	if err := p.Validate(); err != nil {
		return sampler.Policy{}, err
	}
	return p, nil
}

// ReportPolicy loads PolicyFile, or returns the default policy when unset.
func (c *Config) ReportPolicy() (report.Policy, error) {
	if c.PolicyFile == "" {
		return report.DefaultPolicy(), nil
	}
	return report.LoadPolicy(c.PolicyFile)
}

// UnitStrategy parses Strategy.
func (c *Config) UnitStrategy() (pipeline.Strategy, error) {
	return pipeline.ParseStrategy(c.Strategy)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
