// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command pemutate is the test front-end of the pe library: it prints
// the structure of a PE image and round-trips one through the
// load/recalculate/write pipeline.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "pemutate",
		Short:         "Inspect and rewrite Portable Executable images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newPrintCmd())
	rootCmd.AddCommand(newRoundtripCmd())

	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
