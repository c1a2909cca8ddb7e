package main

import (
	"github.com/spf13/cobra"
)

func newPlansCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "キャパシティプランのみをインポートする",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateImport(); err != nil {
				return err
			}

			svc := newService(cfg, false, true)
			report, err := svc.ImportPlans(cmd.Context())
			if report != nil {
				report.Log()
			}
			return err
		},
	}
}
