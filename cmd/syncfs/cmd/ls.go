package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls [dir]",
	Short: "List a remote directory",
	Long:  "List a remote directory, including locally created entries that have not been synced yet.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLs,
}

func init() {
	rootCmd.AddCommand(lsCmd)
}

func runLs(cmd *cobra.Command, args []string) (err error) {
	dir := "/"
	if len(args) > 0 {
		dir = args[0]
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

	entries, err := fs.ReadDir(ctx, dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}

	for _, e := range entries {
		kind := "-"
		if e.IsDir {
			kind = "d"
		}
		dirty := " "
		if e.Dirty {
			dirty = "*"
		}
		fmt.Printf("%s%s %10d  %s  %s\n", kind, dirty, e.Size, e.ModTime.Format("2006-01-02 15:04:05"), e.Name)
	}
	if len(entries) == 0 {
		fmt.Println("(empty)")
	}
	return nil
}
