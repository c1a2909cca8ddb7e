package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rallymigrate/api"
	"rallymigrate/config"
	"rallymigrate/services"
	"rallymigrate/utils"
)

// globalOptions は全サブコマンド共通のフラグです
type globalOptions struct {
	EnvFiles      []string
	StagingDir    string
	MaxConcurrent int
	LogLevel      string
}

func newRootCmd() *cobra.Command {
	var opts globalOptions

	cmd := &cobra.Command{
		Use:           "rallymigrate",
		Short:         "Rally → Rally 移行ツール (プロジェクト・リリース・ポートフォリオアイテム・キャパシティプラン)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringSliceVar(&opts.EnvFiles, "env-file", nil, "読み込む .env ファイル (既定: .env, .env.local)")
	flags.StringVar(&opts.StagingDir, "staging-dir", "", "ステージングディレクトリ (空の場合は STAGING_DIR)")
	flags.IntVar(&opts.MaxConcurrent, "concurrent", 0, "並列処理の最大数 (0の場合は設定ファイルの値を使用)")
	flags.StringVar(&opts.LogLevel, "log-level", "", "ログレベル (空の場合は LOG_LEVEL)")

	cmd.AddCommand(newExportCmd(&opts))
	cmd.AddCommand(newImportCmd(&opts))
	cmd.AddCommand(newPlansCmd(&opts))
	cmd.AddCommand(newAuthCheckCmd(&opts))
	cmd.AddCommand(newAllCmd(&opts))
	return cmd
}

// Execute はルートコマンドを実行します
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		utils.LogError("%v", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig は設定を読み込み、フラグで上書きします
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.EnvFiles...)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}
	if o.StagingDir != "" {
		cfg.StagingDir = o.StagingDir
	}
	// 並列処理数の上書き（指定された場合のみ）
	if o.MaxConcurrent > 0 {
		cfg.MaxConcurrent = o.MaxConcurrent
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if err := utils.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("ログレベルが不正です: %w", err)
	}
	utils.LogInfo("設定読み込み完了 (Max Concurrent: %d, Staging: %s)", cfg.MaxConcurrent, cfg.StagingDir)
	return cfg, nil
}

// newService は必要な側のクライアントだけを持つ移行サービスを作ります
func newService(cfg *config.Config, withSource, withDest bool) *services.MigrationService {
	var source, dest services.RallyService
	if withSource {
		client := api.NewRallyClient(cfg.Source, cfg)
		utils.LogInfo("移行元: %s", client.BaseURL())
		source = client
	}
	if withDest {
		client := api.NewRallyClient(cfg.Destination, cfg)
		utils.LogInfo("移行先: %s", client.BaseURL())
		dest = client
	}
	return services.NewMigrationService(cfg, source, dest, services.NewStagingStore(cfg))
}
