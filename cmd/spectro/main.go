// Command spectro manages spectroscopy datasets from the shell: it creates
// stores, imports raw instrument files, records derived results and checks
// the measurement graph.
package main

import (
	"fmt"
	"os"
)

func main() {
	rootCmd := NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
