// Command ltictl manages tool keys and the SQL registration registry.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var output string

func main() {
	rootCmd := &cobra.Command{
		Use:           "ltictl",
		Short:         "LTI 1.3 tool operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(jwksCmd())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(gradesCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ltictl version %s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
