package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/widgetchat/cmd/widget-chat/cmds"
)

func main() {
	app := &cmds.App{}

	rootCmd := &cobra.Command{
		Use:           "widget-chat",
		Short:         "Terminal client and reference backend for the chat widget protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.Init(cmd)
		},
	}
	app.AddFlags(rootCmd)

	rootCmd.AddCommand(
		cmds.NewChatCommand(app),
		cmds.NewSessionCommand(app),
		cmds.NewServeCommand(app),
	)

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
