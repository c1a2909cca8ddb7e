package main

import (
	"time"

	"github.com/spf13/cobra"

	"rallymigrate/utils"
)

func newExportCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "移行元のレコードをステージングにエクスポートする",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateExport(); err != nil {
				return err
			}

			startTime := time.Now()
			svc := newService(cfg, true, false)
			if err := svc.CheckAuth(cmd.Context()); err != nil {
				return err
			}
			result, err := svc.RunExport(cmd.Context())
			if err != nil {
				return err
			}
			utils.LogInfo("エクスポートが完了しました (スキップ %d 件)。合計実行時間: %s",
				result.Skipped, time.Since(startTime))
			return nil
		},
	}
}
