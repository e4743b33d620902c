package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put <local-path> <remote-path>",
	Short: "Upload a file",
	Long:  "Write a local file into the cache and flush it to the server before exiting.",
	Args:  cobra.ExactArgs(2),
	RunE:  runPut,
}

func init() {
	rootCmd.AddCommand(putCmd)
}

func runPut(cmd *cobra.Command, args []string) (err error) {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

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

	h, err := fs.Create(args[1])
	if err != nil {
		return fmt.Errorf("create %s: %w", args[1], err)
	}
	defer h.Release(ctx)

	if _, err := h.WriteAt(data, 0); err != nil {
		return fmt.Errorf("write %s: %w", args[1], err)
	}
	if err := h.Flush(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", args[1], err)
	}

	fmt.Fprintf(os.Stderr, "Synchronized: %s (%d bytes)\n", args[1], len(data))
	return nil
}
