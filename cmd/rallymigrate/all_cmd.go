package main

import (
	"time"

	"github.com/spf13/cobra"

	"rallymigrate/utils"
)

func newAllCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "エクスポートとインポートを続けて実行する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateExport(); err != nil {
				return err
			}
			if err := cfg.ValidateImport(); err != nil {
				return err
			}

			utils.LogInfo("Rally → Rally 移行ツール")
			startTime := time.Now()
			svc := newService(cfg, true, true)
			report, err := svc.RunMigration(cmd.Context())
			if report != nil {
				report.Log()
			}
			if err != nil {
				return err
			}
			utils.LogInfo("移行処理が完了しました (run %s)。合計実行時間: %s", svc.RunID(), time.Since(startTime))
			return nil
		},
	}
}
