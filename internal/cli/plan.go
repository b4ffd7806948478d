// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bodaay/gamepatcher/internal/reconcile"
)

func newPlanCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Report what a patch routine would change, without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			rd, _, closeUI, err := buildEnv(ro)
			if err != nil {
				return err
			}
			defer closeUI()

			entries, err := reconcile.Plan(cmd.Context(), rd)
			if err != nil {
				return err
			}

			if ro.JSONOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				return enc.Encode(entries)
			}

			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%-9s %s\n", e.Action, e.Path)
			}
			return nil
		},
	}
}
