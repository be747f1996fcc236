package cmd

import (
	"fmt"

	"bootimage/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete intermediate disks left behind by failed builds",
	Long: `Finds disks (or EBS volumes) created by earlier bootimage runs that are no
longer attached to any instance and deletes them concurrently.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		builder := newBuilder(cmd.Context())

		deleted, err := builder.Cleanup(cmd.Context())
		if err != nil {
			logging.Logger().Fatal("Cleanup failed",
				zap.Int("deleted", deleted),
				zap.Error(err))
		}
		fmt.Printf("Deleted %d leftover disk(s)\n", deleted)
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
