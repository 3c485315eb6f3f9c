// ditherd is the decentralized overlay node daemon.
package main

import (
	"os"

	"github.com/spf13/cobra"

	appversion "github.com/dither/ditherd/internal/version"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ditherd",
		Short:         "Decentralized overlay node daemon",
		Version:       appversion.Full("ditherd"),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newKeygenCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Println(appversion.Full("ditherd"))
			return nil
		},
	}
}
