package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/juju/errors"
)

// Endpoint は1つの Rally インスタンスへの接続設定です
type Endpoint struct {
	URL         string `env:"RALLY_URL" envDefault:"https://rally1.rallydev.com"`
	APIKey      string `env:"API_KEY"`
	WorkspaceID string `env:"WORKSPACE_ID"`
	ProjectID   string `env:"PROJECT_ID"`
}

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// 移行元・移行先
	Source      Endpoint `envPrefix:"SOURCE_"`
	Destination Endpoint `envPrefix:"DEST_"`

	// ステージングディレクトリ
	StagingDir string `env:"STAGING_DIR" envDefault:"staging"`

	// 並列処理設定
	MaxConcurrent int `env:"MAX_CONCURRENT" envDefault:"4"`

	// リトライ・タイムアウト設定
	MaxRetries        int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryDelay        time.Duration `env:"RETRY_DELAY" envDefault:"500ms"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"10s"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
	RequestsPerSecond float64       `env:"REQUESTS_PER_SECOND" envDefault:"10"`
	PageSize          int           `env:"PAGE_SIZE" envDefault:"2000"`

	// エクスポートするポートフォリオアイテムの階層 (0 が最上位)
	PortfolioLevel int `env:"PORTFOLIO_LEVEL" envDefault:"0"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// 作成時に固定で設定する状態
var (
	ProjectState = "Open"
	ReleaseState = "Planning"
)

// DefaultEnvFiles は読み込みを試みる .env ファイルです
var DefaultEnvFiles = []string{".env", ".env.local"}

// LoadConfig は .env ファイルと環境変数から設定を読み込みます
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = DefaultEnvFiles
	}
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, errors.Annotate(err, ".env 読み込みエラー")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Annotate(err, "環境変数の解析エラー")
	}
	cfg.Source.URL = strings.TrimRight(cfg.Source.URL, "/")
	cfg.Destination.URL = strings.TrimRight(cfg.Destination.URL, "/")

	return cfg, nil
}

// 存在する .env ファイルのみを読み込む
func loadEnvFiles(files []string) error {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ValidateExport はエクスポートに必要な設定を確認します
func (c *Config) ValidateExport() error {
	if err := c.Source.validate("SOURCE_"); err != nil {
		return err
	}
	return c.validateCommon()
}

// ValidateImport はインポートに必要な設定を確認します
func (c *Config) ValidateImport() error {
	if err := c.Destination.validate("DEST_"); err != nil {
		return err
	}
	if c.Destination.WorkspaceID == "" {
		return errors.NotValidf("DEST_WORKSPACE_ID が未設定です")
	}
	return c.validateCommon()
}

func (e Endpoint) validate(prefix string) error {
	if e.URL == "" {
		return errors.NotValidf("%sRALLY_URL が未設定です", prefix)
	}
	if e.APIKey == "" {
		return errors.NotValidf("%sAPI_KEY が未設定です", prefix)
	}
	if e.ProjectID == "" {
		return errors.NotValidf("%sPROJECT_ID が未設定です", prefix)
	}
	return nil
}

func (c *Config) validateCommon() error {
	if c.StagingDir == "" {
		return errors.NotValidf("STAGING_DIR が未設定です")
	}
	if c.MaxConcurrent < 1 {
		return errors.NotValidf("MAX_CONCURRENT は1以上が必要です (%d)", c.MaxConcurrent)
	}
	if c.MaxRetries < 1 {
		return errors.NotValidf("MAX_RETRIES は1以上が必要です (%d)", c.MaxRetries)
	}
	if c.RetryDelay <= 0 {
		return errors.NotValidf("RETRY_DELAY は正の値が必要です (%s)", c.RetryDelay)
	}
	if c.PageSize < 1 || c.PageSize > 2000 {
		return errors.NotValidf("PAGE_SIZE は1から2000の範囲で指定してください (%d)", c.PageSize)
	}
	if c.PortfolioLevel < 0 {
		return errors.NotValidf("PORTFOLIO_LEVEL は0以上が必要です (%d)", c.PortfolioLevel)
	}
	return nil
}
