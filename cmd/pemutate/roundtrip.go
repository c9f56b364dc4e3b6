// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pemutate/pe"
)

func newRoundtripCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roundtrip <infile> <outfile>",
		Short: "Load a PE image and write it back out",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := pe.New(args[0], nil)
			if err != nil {
				return err
			}
			defer file.Close()

			if err := file.Parse(); err != nil {
				return err
			}

			if err := file.UpdateResourceTable(); err != nil {
				return err
			}

			written, err := file.WriteToFile(args[1])
			if err != nil {
				return err
			}

			fmt.Printf("wrote %d bytes to %s\n", written, args[1])
			return nil
		},
	}
}
