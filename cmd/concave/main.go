// Command concave runs a standalone resource server from a YAML
// configuration: each declared resource becomes a full REST surface over
// an existing table. Embedding the framework as a library (with hooks,
// scopes and custom operators) is the richer path; this binary covers the
// config-only cases.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "concave",
		Short:         "Declarative resource-oriented HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newInitCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "concave:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("concave", version)
		},
	}
}
