package weights

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opentensor/BitTensor/cli/root"
	"github.com/opentensor/BitTensor/cli/shared"
	"github.com/opentensor/BitTensor/internal/metagraph"

	"github.com/spf13/cobra"
)

var (
	rowFlag  string
	waitFlag bool
)

func init() {
	weightsCmd.Flags().StringVar(&rowFlag, "row", "", "comma separated weights by uid, e.g. 0.1,0.2,0.7")
	weightsCmd.Flags().BoolVar(&waitFlag, "wait", false, "watch the submission until it lands in a block")
	root.RootCmd.AddCommand(weightsCmd)
}

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Submit an explicit weight row to the subnet",
	Long:  ``,
	Run: func(cmd *cobra.Command, args []string) {
		if rowFlag == "" {
			_ = cmd.Help()
			return
		}
		row, err := parseRow(rowFlag)
		if err != nil {
			fmt.Println("Bad weight row: " + err.Error())
			os.Exit(1)
		}
		config, err := shared.LoadConfig()
		if err != nil {
			fmt.Println("Error loading config: " + err.Error())
			os.Exit(1)
		}
		chain, err := shared.Chain(config)
		if err != nil {
			fmt.Printf("Error creating client: %s\n", err)
			os.Exit(1)
		}

		mg, err := metagraph.New(chain, metagraph.Options{})
		if err != nil {
			fmt.Println("Error creating metagraph: " + err.Error())
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := mg.Sync(ctx); err != nil {
			fmt.Println("Error syncing metagraph: " + err.Error())
			os.Exit(1)
		}
		if err := mg.SetWeights(ctx, row, waitFlag); err != nil {
			fmt.Println("Setting weights failed: " + err.Error())
			os.Exit(1)
		}
		fmt.Printf("Submitted weight row over %d uids\n", mg.State().N)
	},
}

func parseRow(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	row := make([]float64, 0, len(parts))
	for _, part := range parts {
		w, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		row = append(row, w)
	}
	return row, nil
}
