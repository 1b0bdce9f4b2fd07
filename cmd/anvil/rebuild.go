package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anvilbuild/anvil/executor"
	"github.com/anvilbuild/anvil/internal/dcontext"
	"github.com/anvilbuild/anvil/traverser"
)

var rebuildOpts struct {
	compareRemote string
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild --graph-file FILE ARTIFACT...",
	Short: "execute every action afresh and compare against cached results",
	Long: `Rebuild runs each required action twice: once ignoring cached results and
once against a cache-serving endpoint, recording per-path differences.
Differing outputs flag the action as flaky (not reproducible); actions
without a cached counterpart are reported as cache misses.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		env, err := newEnvironment(true)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFailure)
		}
		defer env.release()

		cacheAPI := env.api
		if rebuildOpts.compareRemote != "" {
			client, err := env.dialRemote(rebuildOpts.compareRemote, env.config.Remote.Instance)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitFailure)
			}
			cacheAPI = client
		}

		var rebuilder *executor.Rebuilder
		results, _, ok := runBuild(env, args, func(e *executor.Executor) traverser.Processor {
			rebuilder = executor.NewRebuilder(e, cacheAPI)
			return rebuilder
		})
		if !ok {
			os.Exit(exitFailure)
		}

		log := dcontext.GetLogger(env.ctx)
		for _, m := range rebuilder.Flaky() {
			log.Warnf("action %s: output %q differs (fresh %s, cached %s)",
				m.ActionID, m.Path, m.Fresh.Digest.Short(), m.Cached.Digest.Short())
		}
		for _, id := range rebuilder.CacheMisses() {
			log.Infof("action %s: no cached result to compare against", id)
		}
		log.Infof("rebuild: %d flaky actions, %d cache misses",
			env.stats.ActionsFlaky.Load(), env.stats.CacheMisses.Load())

		reportResults(env, results)
	},
}

func init() {
	rebuildCmd.Flags().StringVar(&rebuildOpts.compareRemote, "compare-remote", "",
		"endpoint whose cache to compare against (default: the build endpoint)")
}
