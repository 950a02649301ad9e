package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/diskprov/pkg/backend"
	"github.com/fly-io/diskprov/pkg/provision"
)

var disksCmd = &cobra.Command{
	Use:   "disks",
	Short: "List disks as tab-separated index, path, size, style, online and read-only",
	Args:  cobra.NoArgs,
	RunE:  runDisks,
}

func init() {
	rootCmd.AddCommand(disksCmd)
}

func runDisks(cmd *cobra.Command, args []string) error {
	open, err := openerFor(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return provision.WithSession(ctx, open, func(b backend.Backend) error {
		disks, err := b.ListDisks(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, d := range disks {
			fmt.Fprintf(out, "%d\t%s\t%d\t%s\t%t\t%t\n", d.Index, orDash(d.Path), d.Size, d.Style, d.Online, d.ReadOnly)
		}
		return nil
	})
}
