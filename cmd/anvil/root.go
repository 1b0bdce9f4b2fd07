package main

import (
	"github.com/spf13/cobra"

	"github.com/anvilbuild/anvil/version"
)

var rootOpts struct {
	configPath string
	buildRoot  string
	hashFamily string
	logLevel   string
	jobs       int
	remote     string
	instance   string

	maxAttempts    int
	initialBackoff int
	maxBackoff     int
}

var rootCmd = &cobra.Command{
	Use:           "anvil",
	Short:         "a multi-repository content-addressed build tool",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version.Version(),
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rootOpts.configPath, "config", "c", "", "path to the configuration file")
	pf.StringVar(&rootOpts.buildRoot, "local-build-root", "", "override the build root directory")
	pf.StringVar(&rootOpts.hashFamily, "hash-family", "", "hash family: git-sha1 or compatible-sha256")
	pf.StringVar(&rootOpts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.IntVarP(&rootOpts.jobs, "jobs", "j", 0, "number of parallel build jobs")
	pf.StringVarP(&rootOpts.remote, "remote-execution-address", "r", "", "remote execution endpoint (host:port)")
	pf.StringVar(&rootOpts.instance, "remote-instance-name", "", "remote execution instance name")
	pf.IntVar(&rootOpts.maxAttempts, "max-attempts", 0, "maximum attempts for transient remote failures")
	pf.IntVar(&rootOpts.initialBackoff, "initial-backoff-seconds", 0, "initial retry backoff in seconds")
	pf.IntVar(&rootOpts.maxBackoff, "max-backoff-seconds", 0, "maximum retry backoff in seconds")

	rootCmd.AddCommand(
		buildCmd,
		installCmd,
		installCasCmd,
		traverseCmd,
		analyseCmd,
		describeCmd,
		rebuildCmd,
		gcCmd,
		versionCmd,
	)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, args []string) {
		version.PrintVersion()
	},
}
