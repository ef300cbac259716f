package cmd

import (
	"github.com/spf13/cobra"

	"batchpack/internal/cleanup"
	"batchpack/internal/models"
	"batchpack/pkg/utils"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [folders...]",
	Short: "Undo leftovers of earlier runs in game folders",
	Long: `Cleanup restores files backed up by the patch tool and removes the files it
left behind, so the folders are back to their original state.

The same cleanup runs automatically at the start of every batch. Use
--restore-only to put back backed up files without removing anything else.`,
	Example: `  # Clean two folders
  batchpack cleanup "D:/Games/Portal" "D:/Games/Quake"

  # Only restore backups
  batchpack cleanup --restore-only "D:/Games/Portal"`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runCleanup(cmd, args)
	},
}

func runCleanup(cmd *cobra.Command, folders []string) {
	restoreOnly, _ := cmd.Flags().GetBool("restore-only")
	if err := utils.ValidatePaths(folders); err != nil {
		utils.PrintError(err, "cleanup")
		return
	}

	ctx := commandContext(cmd)
	cleaner := cleanup.New(cleanup.DefaultPatterns())
	results := make([]models.CleanupResult, 0, len(folders))
	for _, folder := range folders {
		var rep cleanup.Report
		if restoreOnly {
			rep = cleaner.RestoreBackups(ctx, folder)
		} else {
			rep = cleaner.Clean(ctx, folder)
		}
		results = append(results, cleanupResult(folder, rep))
	}

	if err := utils.PrintJSON(results); err != nil {
		utils.PrintError(err, "cleanup")
	}
}

func cleanupResult(folder string, rep cleanup.Report) models.CleanupResult {
	res := models.CleanupResult{
		Folder:   folder,
		Restored: rep.Restored,
		Removed:  rep.Removed,
	}
	if res.Restored == nil {
		res.Restored = []string{}
	}
	if res.Removed == nil {
		res.Removed = []string{}
	}
	for _, err := range rep.Errors {
		res.Errors = append(res.Errors, err.Error())
	}
	return res
}

func init() {
	cleanupCmd.Flags().Bool("restore-only", false, "Only restore backed up files")
}
