package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"batchpack/internal/archiver"
	"batchpack/internal/cleanup"
	"batchpack/internal/crack"
	"batchpack/internal/linkconv"
	"batchpack/internal/manifest"
	"batchpack/internal/models"
	"batchpack/internal/pipeline"
	"batchpack/internal/progress"
	"batchpack/internal/rates"
	"batchpack/internal/retry"
	"batchpack/internal/s3client"
	"batchpack/pkg/utils"
)

var runCmd = &cobra.Command{
	Use:   "run [folders...]",
	Short: "Run a batch of folders through patch, archive and upload",
	Long: `Run processes a batch of game folders.

The batch comes from a YAML manifest (--manifest) or from the folders given as
arguments, which all get the same --crack/--zip/--upload flags.

Every folder is first cleaned of leftovers from earlier runs. Folders are then
patched one at a time, archived, and uploaded by a small pool of workers while
the next folder is being archived.

While the batch runs, type "skip <id|name>" and Enter to drop one item, or
"all" (or press Ctrl+C) to cancel the rest of the batch.`,
	Example: `  # Archive and upload two folders
  batchpack run --zip --upload "D:/Games/Portal" "D:/Games/Quake"

  # Patch, archive and upload everything listed in a manifest
  batchpack run --manifest batch.yaml --confirm

  # Show what would happen without touching anything
  batchpack run --manifest batch.yaml --dry-run

  # Print the final summary as JSON
  batchpack run --manifest batch.yaml --confirm --json`,
	Run: func(cmd *cobra.Command, args []string) {
		runBatch(cmd, args)
	},
}

func runBatch(cmd *cobra.Command, args []string) {
	manifestPath, _ := cmd.Flags().GetString("manifest")
	confirm, _ := cmd.Flags().GetBool("confirm")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOut, _ := cmd.Flags().GetBool("json")
	details, _ := cmd.Flags().GetBool("details")

	if bucket := getBucketName(cmd); bucket != cfg.BucketName {
		cfg.BucketName = bucket
	}
	if err := cfg.Validate(); err != nil {
		utils.PrintError(err, "run")
		return
	}

	items, err := loadItems(cmd, manifestPath, args)
	if err != nil {
		utils.PrintError(err, "run")
		return
	}

	ctx := commandContext(cmd)
	log := zerolog.Ctx(ctx)
	learner := rates.NewLearner(rates.NewStore(cfg.RatesFile))
	model, err := learner.Begin()
	if err != nil {
		log.Warn().Err(err).Msg("using default rates")
	}

	plan := createRunPlan(items, model, dryRun)
	if dryRun {
		if err := utils.PrintJSON(plan); err != nil {
			utils.PrintError(err, "run")
		}
		return
	}

	if !confirm && !jsonOut {
		fmt.Printf("Batch summary:\n")
		fmt.Printf("  Items: %d (%s)\n", len(plan.Items), plan.TotalHuman)
		fmt.Printf("  Archives: %s (%s)\n", plan.ArchiveDir, plan.ArchiveFormat)
		if plan.BucketName != "" {
			fmt.Printf("  Bucket: %s\n", plan.BucketName)
		}
		fmt.Printf("  Estimated time: %s\n", plan.Estimate)
		fmt.Print("Continue? (y/N): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" && response != "Y" && response != "YES" {
			fmt.Println("Batch cancelled.")
			return
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	deps, err := buildDeps(ctx, items, learner)
	if err != nil {
		utils.PrintError(err, "run")
		return
	}
	var observer pipeline.Observer = pipeline.LogObserver{Log: *log}
	if !jsonOut {
		observer = newTerminalObserver(items, isVerbose(cmd), details)
	}
	deps.Observer = observer

	coord := pipeline.New(deps, pipeline.Options{
		ArchiveDir:    cfg.ArchiveDir,
		Format:        archiver.Format(cfg.ArchiveFormat),
		Level:         cfg.ArchiveLevel,
		Password:      cfg.ArchivePassword,
		Emulator:      cfg.Emulator,
		KeepArchives:  cfg.KeepArchives,
		UploadWorkers: cfg.UploadWorkers,
		Retry: retry.Policy{
			MaxAttempts:    cfg.UploadAttempts,
			BaseDelay:      cfg.RetryDelay,
			ConvertTimeout: cfg.ConvertMaxBudget,
		},
		ProgressInterval: cfg.ProgressInterval,
		Progress:         progressOptions(),
	})

	commands := make(chan string)
	go readCommands(ctx, os.Stdin, items, commands)

	summary, err := coord.Run(ctx, items, commands)
	if err != nil {
		utils.PrintError(err, "run")
		return
	}
	if jsonOut {
		if err := utils.PrintJSON(summary); err != nil {
			utils.PrintError(err, "run")
		}
	}
}

func loadItems(cmd *cobra.Command, manifestPath string, args []string) ([]*models.BatchItem, error) {
	if manifestPath != "" {
		if len(args) > 0 {
			return nil, errors.New("give either --manifest or folders, not both")
		}
		return manifest.Load(manifestPath)
	}
	if err := utils.ValidatePaths(args); err != nil {
		return nil, err
	}
	doCrack, _ := cmd.Flags().GetBool("crack")
	doZip, _ := cmd.Flags().GetBool("zip")
	doUpload, _ := cmd.Flags().GetBool("upload")
	appID, _ := cmd.Flags().GetString("app-id")
	return manifest.FromFolders(args, manifest.Flags{Crack: doCrack, Zip: doZip || doUpload, Upload: doUpload, AppID: appID})
}

func buildDeps(ctx context.Context, items []*models.BatchItem, learner *rates.Learner) (pipeline.Deps, error) {
	cleaner := cleanup.New(cleanup.DefaultPatterns())
	deps := pipeline.Deps{
		Cleaner:  cleaner,
		Cracker:  crack.NewExecCracker(cfg.CrackTool, cleaner),
		Archiver: archiver.New(cfg.SevenZipPath),
		Verify:   archiver.Verify,
		Learner:  learner,
	}

	needsUpload := false
	for _, it := range items {
		needsUpload = needsUpload || it.DoUpload
	}
	if needsUpload {
		if !cfg.UploadEnabled() {
			return deps, errors.New("uploading needs BUCKET_NAME, ACCESS_KEY and SECRET_KEY")
		}
		client, err := s3client.New(ctx, cfg)
		if err != nil {
			return deps, err
		}
		deps.Uploader = client
		if cfg.ConvertEndpoint != "" {
			deps.Converter = linkconv.New(cfg.ConvertEndpoint, linkconv.Budget{
				Base:  cfg.ConvertBaseBudget,
				PerGB: cfg.ConvertPerGBBudget,
				Max:   cfg.ConvertMaxBudget,
			}, cfg.ConvertPollInterval)
		}
	}
	return deps, nil
}

func progressOptions() progress.Options {
	return progress.Options{
		CrackPerItem:     time.Duration(cfg.CrackSecondsPerItem * float64(time.Second)),
		ConvertPerItem:   time.Duration(cfg.ConvertSecondsPerItem * float64(time.Second)),
		SafetyMultiplier: cfg.SafetyMultiplier,
	}
}

func createRunPlan(items []*models.BatchItem, model rates.Model, dryRun bool) *models.RunPlan {
	plan := &models.RunPlan{
		Items:         make([]models.PlannedItem, 0, len(items)),
		ArchiveDir:    cfg.ArchiveDir,
		ArchiveFormat: cfg.ArchiveFormat,
		DryRun:        dryRun,
	}
	uploads := false
	for _, it := range items {
		plan.Items = append(plan.Items, models.PlannedItem{
			ID:        it.ID,
			Name:      it.Name,
			Folder:    it.Folder,
			Crack:     it.DoCrack,
			Zip:       it.DoZip,
			Upload:    it.DoUpload,
			SizeBytes: it.SizeBytes,
			SizeHuman: utils.FormatBytes(it.SizeBytes),
		})
		plan.TotalBytes += it.SizeBytes
		uploads = uploads || it.DoUpload
	}
	if uploads {
		plan.BucketName = cfg.BucketName
	}
	plan.TotalHuman = utils.FormatBytes(plan.TotalBytes)

	work := pipeline.PlanFor(items, cfg.ArchiveLevel, uploads && cfg.ConvertEndpoint != "")
	plan.Estimate = utils.FormatETA(progress.NewEstimator(work, model, progressOptions()).InitialTotal())
	return plan
}

var errUnknownCommand = errors.New(`commands: "skip <id|name>" or "all"`)

// readCommands turns "skip <id|name>" and "all" lines into coordinator
// commands until r is exhausted or ctx is done.
func readCommands(ctx context.Context, r io.Reader, items []*models.BatchItem, out chan<- string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		cmd, err := parseCommand(sc.Text(), items)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		select {
		case out <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

// parseCommand maps a line to an item id or the cancel-all command. A name
// shared by several items is refused; those items must be skipped by id.
func parseCommand(line string, items []*models.BatchItem) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", errUnknownCommand
	}
	switch strings.ToLower(fields[0]) {
	case pipeline.CancelAllCommand, "cancel":
		if len(fields) != 1 {
			return "", errUnknownCommand
		}
		return pipeline.CancelAllCommand, nil
	case "skip":
		if len(fields) < 2 {
			return "", errUnknownCommand
		}
	default:
		return "", errUnknownCommand
	}

	target := strings.Join(fields[1:], " ")
	for _, it := range items {
		if it.ID == target {
			return it.ID, nil
		}
	}
	var matches []string
	for _, it := range items {
		if strings.EqualFold(it.Name, target) {
			matches = append(matches, it.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", errors.Errorf("no item named %q", target)
	case 1:
		return matches[0], nil
	}
	return "", errors.Errorf("%q matches %d items, skip one by id: %s", target, len(matches), strings.Join(matches, ", "))
}

func init() {
	runCmd.Flags().StringP("manifest", "m", "", "YAML manifest describing the batch")
	runCmd.Flags().Bool("crack", false, "Patch the given folders")
	runCmd.Flags().Bool("zip", false, "Archive the given folders")
	runCmd.Flags().Bool("upload", false, "Upload the archives (implies --zip)")
	runCmd.Flags().String("app-id", "", "App identifier used when patching the given folders")
	runCmd.Flags().Bool("confirm", false, "Skip confirmation prompt")
	runCmd.Flags().Bool("dry-run", false, "Show the batch plan and estimate without running it")
	runCmd.Flags().Bool("json", false, "Print the final summary as JSON")
	runCmd.Flags().Bool("details", false, "List every failure reason after the summary")
}
