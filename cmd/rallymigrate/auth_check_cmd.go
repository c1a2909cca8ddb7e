package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"rallymigrate/utils"
)

func newAuthCheckCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "auth-check",
		Short: "移行元・移行先の API キーで認証できるか確認する",
		Long: `設定された API キーで Rally の認証が通るかを確認します。
SOURCE_API_KEY と DEST_API_KEY のうち設定されている側を確認します。`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			withSource := cfg.Source.APIKey != ""
			withDest := cfg.Destination.APIKey != ""
			if !withSource && !withDest {
				return fmt.Errorf("SOURCE_API_KEY または DEST_API_KEY を設定してください")
			}

			utils.LogInfo("Rally APIの認証を確認しています...")
			if err := newService(cfg, withSource, withDest).CheckAuth(cmd.Context()); err != nil {
				utils.LogError("認証情報を確認してください。")
				return err
			}
			utils.LogInfo("Rally APIの認証情報は正常です。")
			return nil
		},
	}
}
