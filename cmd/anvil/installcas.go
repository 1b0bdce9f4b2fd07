package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/hashing"
)

var installCasOpts struct {
	output  string
	rawTree bool
}

var installCasCmd = &cobra.Command{
	Use:   "install-cas [<hex>:<size>:<f|x|l|t>]...",
	Short: "fetch objects from the CAS by digest",
	Long: `Install-cas retrieves objects from the content-addressable store (local,
or remote when an endpoint is configured) by their digest literal. Without
--output the content is dumped to stdout; trees are dumped as tar archives
unless --raw-tree asks for the serialized tree object.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		env, err := newEnvironment(true)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitFailure)
		}
		defer env.release()

		for _, arg := range args {
			info, err := parseObjectLiteral(env.storeCfg.Hash, arg)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitFailure)
			}
			if installCasOpts.output != "" {
				err = env.api.RetrieveToPaths(env.ctx,
					[]anvil.ObjectInfo{info}, []string{installCasOpts.output})
			} else {
				err = env.api.RetrieveToFds(env.ctx,
					[]anvil.ObjectInfo{info}, []int{int(os.Stdout.Fd())}, installCasOpts.rawTree)
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitFailure)
			}
		}
	},
}

func init() {
	installCasCmd.Flags().StringVarP(&installCasOpts.output, "output", "o", "", "install to this path instead of stdout")
	installCasCmd.Flags().BoolVar(&installCasOpts.rawTree, "raw-tree", false, "dump tree objects in their serialized form")
}

// parseObjectLiteral reads [<hex>:<size>:<marker>]; the brackets and the
// trailing fields are optional, a bare hex names a regular file of unknown
// size.
func parseObjectLiteral(hash hashing.Function, s string) (anvil.ObjectInfo, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	parts := strings.Split(trimmed, ":")

	var (
		size int64
		t    = anvil.ObjectFile
		err  error
	)
	switch len(parts) {
	case 3:
		if len(parts[2]) != 1 {
			return anvil.ObjectInfo{}, fmt.Errorf("object %q: bad type marker %q", s, parts[2])
		}
		t, err = anvil.ObjectTypeFromMarker(parts[2][0])
		if err != nil {
			return anvil.ObjectInfo{}, fmt.Errorf("object %q: %w", s, err)
		}
		fallthrough
	case 2:
		if len(parts) >= 2 && parts[1] != "" {
			size, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return anvil.ObjectInfo{}, fmt.Errorf("object %q: bad size: %w", s, err)
			}
		}
	case 1:
	default:
		return anvil.ObjectInfo{}, fmt.Errorf("object %q: want [<hex>:<size>:<f|x|l|t>]", s)
	}

	d, err := hashing.NewDigest(hash, parts[0], size, t.IsTree())
	if err != nil {
		return anvil.ObjectInfo{}, err
	}
	return anvil.ObjectInfo{Digest: d, Type: t}, nil
}
