package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "understand-client",
	Short:        "Drive an Understand language server from the terminal",
	SilenceUsage: true,
	RunE:         runClient,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configPath, "config", "", "YAML configuration file (default understand-lsp.yaml)")
	f.StringVar(&workspaceFlag, "workspace", "", "workspace root sent to the server")
	f.StringVar(&transportFlag, "transport", "", "socket, or stdio to spawn the server command")
	f.StringVar(&addressFlag, "address", "", "server address with the socket transport")
	f.StringVar(&logLevelFlag, "log-level", "", "debug, info, warn or error")
	f.StringVar(&logFileFlag, "log-file", "", `log file, "-" for stderr`)
	rootCmd.Flags().BoolVar(&watchFlag, "watch", true, "report workspace file changes to the server")

	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
