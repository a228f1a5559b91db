package unstake

import (
	"context"
	"fmt"
	"os"

	"github.com/opentensor/BitTensor/cli/root"
	"github.com/opentensor/BitTensor/cli/shared"

	"github.com/spf13/cobra"
)

var (
	hotkeyFlag string
	amountFlag float64
	allFlag    bool
)

func init() {
	unstakeCmd.Flags().StringVar(&hotkeyFlag, "hotkey", "", "hotkey to unstake from, defaults to the wallet's own")
	unstakeCmd.Flags().Float64Var(&amountFlag, "amount", 0, "amount of tao to unstake")
	unstakeCmd.Flags().BoolVar(&allFlag, "all", false, "unstake everything staked to the hotkey")
	root.RootCmd.AddCommand(unstakeCmd)
}

var unstakeCmd = &cobra.Command{
	Use:   "unstake",
	Short: "Withdraw stake from a hotkey on the subnet",
	Long:  ``,
	Run: func(cmd *cobra.Command, args []string) {
		if amountFlag <= 0 && !allFlag {
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

		hotkey := hotkeyFlag
		if hotkey == "" {
			hotkey = chain.Hotkey()
		}

		ctx, cancel := context.WithTimeout(context.Background(), shared.FinalizationTimeout)
		defer cancel()
		amount := shared.ParseTao(amountFlag)
		if allFlag {
			staked, err := chain.StakeFor(ctx, hotkey)
			if err != nil {
				fmt.Println("Error reading stake: " + err.Error())
				os.Exit(1)
			}
			amount = staked
		}
		if err := chain.RemoveStake(ctx, hotkey, amount, true); err != nil {
			fmt.Println("Unstake failed: " + err.Error())
			os.Exit(1)
		}
		fmt.Printf("Unstaked %s from %s\n", shared.FormatTao(amount), hotkey)
	},
}
