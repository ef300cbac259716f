package cmd

import (
	"github.com/spf13/cobra"

	"batchpack/internal/models"
	"batchpack/internal/rates"
	"batchpack/pkg/utils"
)

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Show or reset the learned throughput rates",
	Long: `Rates prints the archive and upload throughput learned from earlier runs.
These rates seed the time estimate of the next batch.`,
	Example: `  # Show learned rates
  batchpack rates

  # Forget everything learned so far
  batchpack rates --reset`,
	Run: func(cmd *cobra.Command, args []string) {
		runRates(cmd)
	},
}

func runRates(cmd *cobra.Command) {
	reset, _ := cmd.Flags().GetBool("reset")
	store := rates.NewStore(cfg.RatesFile)

	var model rates.Model
	if reset {
		model = rates.Defaults()
		if err := store.Save(model); err != nil {
			utils.PrintError(err, "rates")
			return
		}
	} else {
		m, err := store.Load()
		if err != nil {
			utils.PrintError(err, "rates")
			return
		}
		model = m
	}

	if err := utils.PrintJSON(ratesInfo(store.Path, model, reset)); err != nil {
		utils.PrintError(err, "rates")
	}
}

func ratesInfo(path string, m rates.Model, reset bool) *models.RatesInfo {
	return &models.RatesInfo{
		Path:               path,
		ZipRateLevel0:      m.ZipLevel0,
		ZipRateCompressed:  m.ZipCompressed,
		UploadRate:         m.Upload,
		ZipLevel0Human:     utils.FormatRate(m.ZipLevel0),
		ZipCompressedHuman: utils.FormatRate(m.ZipCompressed),
		UploadHuman:        utils.FormatRate(m.Upload),
		Reset:              reset,
	}
}

func init() {
	ratesCmd.Flags().Bool("reset", false, "Replace the learned rates with defaults")
}
