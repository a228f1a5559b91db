package transfer

import (
	"context"
	"fmt"
	"os"

	"github.com/opentensor/BitTensor/cli/root"
	"github.com/opentensor/BitTensor/cli/shared"

	"github.com/spf13/cobra"
)

var (
	destFlag   string
	amountFlag float64
)

func init() {
	transferCmd.Flags().StringVar(&destFlag, "dest", "", "ss58 address to send to")
	transferCmd.Flags().Float64Var(&amountFlag, "amount", 0, "amount of tao to send")
	root.RootCmd.AddCommand(transferCmd)
}

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Transfer tao to another wallet",
	Long:  ``,
	Run: func(cmd *cobra.Command, args []string) {
		if destFlag == "" || amountFlag <= 0 {
			_ = cmd.Help()
			return
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

		amount := shared.ParseTao(amountFlag)
		ctx, cancel := context.WithTimeout(context.Background(), shared.FinalizationTimeout)
		defer cancel()
		if err := chain.Transfer(ctx, destFlag, amount, true); err != nil {
			fmt.Println("Transfer failed: " + err.Error())
			os.Exit(1)
		}
		fmt.Printf("Transferred %s to %s\n", shared.FormatTao(amount), destFlag)
	},
}
