// Command fiscald runs the fiscal document engine and operates it.
//
//	fiscald serve --config fiscal.yaml
//	fiscald lanes
//	fiscald accesskey generate --authority 35 --date 2024-01 --taxpayer 11222333000181 --series 1 --number 123
//	fiscald accesskey validate 35240111222333000181550010000001231234567815
//	fiscald taxid validate 11.222.333/0001-81
//	fiscald admin lanes pause fiscal.issue.low
//	fiscald admin dlq list --class TRANSIENT
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fiscald",
		Short:         "Asynchronous fiscal document processing engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "config file (YAML or JSON)")

	root.AddCommand(serveCmd())
	root.AddCommand(lanesCmd())
	root.AddCommand(accessKeyCmd())
	root.AddCommand(taxIDCmd())
	root.AddCommand(adminCmd())
	return root
}
