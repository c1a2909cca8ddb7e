package main

import (
	"github.com/spf13/cobra"
)

func newImportCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "ステージングのレコードを移行先にインポートする (保存済みのクラスはスキップ)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateImport(); err != nil {
				return err
			}

			svc := newService(cfg, false, true)
			if err := svc.CheckAuth(cmd.Context()); err != nil {
				return err
			}
			report, err := svc.RunImport(cmd.Context())
			if report != nil {
				report.Log()
			}
			return err
		},
	}
}
