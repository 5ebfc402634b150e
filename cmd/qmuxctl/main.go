package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	endpoint string
	cfg      config
)

var rootCmd = &cobra.Command{
	Use:           "qmuxctl",
	Short:         "Issue calls against a qmux service multiplexer",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(cfgFile)
		if err != nil {
			return err
		}
		if endpoint != "" {
			cfg.Endpoint = endpoint
			cfg.Resolver.Kind = ""
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "TOML config file")
	rootCmd.PersistentFlags().StringVarP(&endpoint, "endpoint", "e", "", "multiplexer endpoint (overrides config and resolver)")
	rootCmd.AddCommand(callCmd, decodeCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
