package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "rotate CAS generations, dropping the oldest",
	Long: `Gc performs one garbage collection cycle: the oldest generation of the
content-addressable store is removed, all others shift back one slot and a
fresh live generation is created. Content read since the last rotation has
been promoted to the live generation and survives. Rotation waits for
running builds and blocks new ones while it runs.`,
	Run: func(cmd *cobra.Command, args []string) {
		env, err := newEnvironment(false)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFailure)
		}
		if err := env.store.Rotate(env.ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFailure)
		}
	},
}
