package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"batchpack/internal/s3client"
	"batchpack/pkg/utils"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete uploaded archives older than specified days",
	Long: `Delete archives in the S3 bucket that are older than the specified number of days.

The command will:
- List all objects under the key prefix (KEY_PREFIX unless --folder is given)
- Filter objects older than the cutoff date
- Delete matching objects in batches

WARNING: This operation is irreversible. Deleted archives cannot be recovered.`,
	Example: `  # Delete archives older than 30 days under the configured key prefix
  batchpack prune --days 30

  # Delete archives older than 7 days from a specific folder
  batchpack prune --days 7 --folder "games/2025"

  # See what would be deleted
  batchpack prune --days 30 --dry-run`,
	Run: func(cmd *cobra.Command, args []string) {
		runPrune(cmd)
	},
}

func runPrune(cmd *cobra.Command) {
	days, _ := cmd.Flags().GetInt("days")
	folder, _ := cmd.Flags().GetString("folder")
	confirm, _ := cmd.Flags().GetBool("confirm")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	if days <= 0 {
		utils.PrintError(errors.New("days must be greater than 0"), "prune")
		return
	}
	if !cmd.Flags().Changed("folder") {
		folder = cfg.KeyPrefix
	}
	cfg.BucketName = getBucketName(cmd)
	if !cfg.UploadEnabled() {
		utils.PrintError(errors.New("prune needs BUCKET_NAME, ACCESS_KEY and SECRET_KEY"), "prune")
		return
	}

	if !confirm && !dryRun {
		cutoffDate := time.Now().AddDate(0, 0, -days)
		fmt.Printf("WARNING: This will permanently delete archives older than %d days (%s) from bucket '%s'",
			days, cutoffDate.Format("2006-01-02"), cfg.BucketName)
		if folder != "" {
			fmt.Printf(" in folder '%s'", folder)
		}
		fmt.Println()
		fmt.Print("Are you sure? (yes/no): ")

		var response string
		fmt.Scanln(&response)
		if response != "yes" && response != "y" && response != "YES" {
			fmt.Println("Operation cancelled.")
			return
		}
	}

	timeout, _ := cmd.Flags().GetInt("timeout")
	ctx, cancel := context.WithTimeout(commandContext(cmd), time.Duration(timeout)*time.Second)
	defer cancel()

	client, err := s3client.New(ctx, cfg)
	if err != nil {
		utils.PrintError(err, "prune")
		return
	}

	if isVerbose(cmd) {
		cmd.Printf("Pruning archives older than %d days from bucket: %s\n", days, cfg.BucketName)
		if folder != "" {
			cmd.Printf("Folder: %s\n", folder)
		}
		if dryRun {
			cmd.Println("DRY RUN MODE: No archives will actually be deleted")
		}
	}

	result, err := client.Prune(ctx, folder, days, dryRun)
	if err != nil {
		utils.PrintError(err, "prune")
		return
	}
	if err := utils.PrintJSON(result); err != nil {
		utils.PrintError(err, "prune")
	}
}

func init() {
	pruneCmd.Flags().IntP("days", "d", 0, "Delete archives older than this many days (required)")
	if err := pruneCmd.MarkFlagRequired("days"); err != nil {
		utils.PrintError(err, "prune")
		return
	}
	pruneCmd.Flags().StringP("folder", "f", "", "Folder/prefix to search in (defaults to KEY_PREFIX)")
	pruneCmd.Flags().Bool("confirm", false, "Skip confirmation prompt")
	pruneCmd.Flags().Bool("dry-run", false, "Show what would be deleted without actually deleting")
	pruneCmd.Flags().Int("timeout", 1800, "Timeout in seconds for the operation (default: 30 minutes)")
}
