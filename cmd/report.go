package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	reportSource string
	reportFormat string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the health report for one or all retailers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "report")
		if err != nil {
			return err
		}
		defer env.Close()

		if reportSource != "" {
			rep, err := env.Monitor.Report(ctx, reportSource)
			if err != nil {
				return eris.Wrap(err, "report")
			}
			return writeStructured(os.Stdout, reportFormat, rep)
		}

		ov, err := env.Monitor.ReportAll(ctx)
		if err != nil {
			return eris.Wrap(err, "report")
		}
		return writeStructured(os.Stdout, reportFormat, ov)
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportSource, "source", "", "retailer name (default: all)")
	reportCmd.Flags().StringVar(&reportFormat, "format", "json", "output format (json, yaml)")
	rootCmd.AddCommand(reportCmd)
}
