package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm <remote-path>",
	Short: "Delete a remote file or directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runRm,
}

var rmDir bool

func init() {
	rmCmd.Flags().BoolVarP(&rmDir, "dir", "d", false, "remove an empty directory")
	rootCmd.AddCommand(rmCmd)
}

func runRm(cmd *cobra.Command, args []string) (err error) {
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

	if rmDir {
		if err := fs.Rmdir(ctx, args[0]); err != nil {
			return fmt.Errorf("rmdir %s: %w", args[0], err)
		}
		return nil
	}
	if err := fs.Unlink(ctx, args[0]); err != nil {
		return fmt.Errorf("rm %s: %w", args[0], err)
	}
	return nil
}
