// Command remora solves serialized verification queries from the command
// line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "remora",
	Short: "remora is a split-and-conquer verification-query solver",
}

func main() {
	rootCmd.AddCommand(solveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
