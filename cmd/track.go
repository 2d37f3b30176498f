package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/speechlab/upstream/pkg/config"
	"github.com/speechlab/upstream/pkg/runlog"
)

var trackAll bool

var trackCmd = &cobra.Command{
	Use:   "track [run name]",
	Short: "Query training run history database",
	Long:  `Query the training run history database for a specific run name or all runs`,
	Run:   runTrack,
}

func init() {
	trackCmd.Flags().BoolVar(&trackAll, "all", false, "query all runs")
	rootCmd.AddCommand(trackCmd)
}

func runTrack(cmd *cobra.Command, args []string) {
	if !trackAll && len(args) == 0 {
		color.Red("Error: either provide a run name or use --all flag")
		cmd.Help()
		os.Exit(1)
	}

	if trackAll && len(args) > 0 {
		color.Red("Error: cannot use both a run name and --all flag together")
		cmd.Help()
		os.Exit(1)
	}

	manager := config.NewManager(configFile)
	if err := manager.LoadConfig(); err != nil {
		color.Red("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	db, err := runlog.New(&manager.GetConfig().Database)
	if err != nil {
		color.Red("Failed to connect to run database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	name := ""
	if len(args) > 0 {
		name = args[0]
	}

	records, err := db.QueryRuns(name)
	if err != nil {
		color.Red("Query failed: %v", err)
		os.Exit(1)
	}

	if len(records) == 0 {
		color.Yellow("No runs found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODE\tSEED\tSTARTED\tLAST STEP\tLAST LOSS")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%.6f\n",
			r.Name, r.Mode, r.Seed, r.StartedAt.Format("2006-01-02 15:04:05"), r.LastStep, r.LastLoss)
	}
	w.Flush()
}
