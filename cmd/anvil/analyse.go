package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anvilbuild/anvil/dag"
	"github.com/anvilbuild/anvil/graphfile"
	"github.com/anvilbuild/anvil/hashing"
)

var analyseOpts struct {
	graphFile string
}

var analyseCmd = &cobra.Command{
	Use:   "analyse --graph-file FILE",
	Short: "load an action graph and report its shape",
	Run: func(cmd *cobra.Command, args []string) {
		file, err := graphfile.Load(analyseOpts.graphFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFailure)
		}
		hash := hashing.New(hashing.TypeNative)
		if rootOpts.hashFamily != "" {
			t, err := hashing.ParseType(rootOpts.hashFamily)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitFailure)
			}
			hash = hashing.New(t)
		}

		graph := dag.New()
		if err := file.Populate(graph, hash); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFailure)
		}
		graph.Finalize()
		if err := graph.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFailure)
		}
		fmt.Printf("actions: %d\nartifacts: %d\ntrees: %d\nblobs: %d\n",
			len(graph.Actions()), len(graph.Artifacts()), len(file.Trees), len(file.Blobs))
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe --graph-file FILE ACTION_ID",
	Short: "print the description of one action",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		file, err := graphfile.Load(analyseOpts.graphFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFailure)
		}
		action, ok := file.Actions[args[0]]
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown action %q\n", args[0])
			os.Exit(exitFailure)
		}
		out, err := json.MarshalIndent(action, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFailure)
		}
		fmt.Println(string(out))
	},
}

func init() {
	for _, cmd := range []*cobra.Command{analyseCmd, describeCmd} {
		cmd.Flags().StringVarP(&analyseOpts.graphFile, "graph-file", "g", "", "path to the action-graph description")
		cmd.MarkFlagRequired("graph-file")
	}
}
