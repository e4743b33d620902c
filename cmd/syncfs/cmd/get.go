package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <remote-path> [local-path]",
	Short: "Download a file",
	Long:  "Fetch a remote file through the cache and write it to a local path (or stdout).",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) (err error) {
	ctx := context.Background()
	fs, err := mount()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := fs.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	h, err := fs.Open(ctx, args[0])
	if err != nil {
		return fmt.Errorf("open %s: %w", args[0], err)
	}
	defer h.Release(ctx)

	var out io.Writer = os.Stdout
	if len(args) > 1 {
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	_, err = io.Copy(out, io.NewSectionReader(h, 0, h.Stat().Size))
	return err
}
