package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/anvilbuild/anvil"
)

var installOpts struct {
	output string
}

var installCmd = &cobra.Command{
	Use:   "install --graph-file FILE -o DIR ARTIFACT...",
	Short: "build artifacts and materialize them into an output directory",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		env, err := newEnvironment(true)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFailure)
		}
		defer env.release()

		results, _, ok := runBuild(env, args, nil)
		if !ok {
			os.Exit(exitFailure)
		}

		objects := make([]anvil.ObjectInfo, 0, len(results))
		paths := make([]string, 0, len(results))
		for _, r := range results {
			objects = append(objects, r.info)
			paths = append(paths, filepath.Join(installOpts.output, filepath.FromSlash(r.name)))
		}
		if err := env.api.RetrieveToPaths(env.ctx, objects, paths); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFailure)
		}
		reportResults(env, results)
	},
}

func init() {
	installCmd.Flags().StringVarP(&installOpts.output, "output", "o", ".", "directory to install into")
}
