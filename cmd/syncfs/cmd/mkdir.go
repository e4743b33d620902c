package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <remote-path>",
	Short: "Create a remote directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runMkdir,
}

func init() {
	rootCmd.AddCommand(mkdirCmd)
}

func runMkdir(cmd *cobra.Command, args []string) (err error) {
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

	if err := fs.Mkdir(ctx, args[0]); err != nil {
		return fmt.Errorf("mkdir %s: %w", args[0], err)
	}
	return nil
}
