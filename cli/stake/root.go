package stake

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
	stakeCmd.Flags().StringVar(&hotkeyFlag, "hotkey", "", "hotkey to stake to, defaults to the wallet's own")
	stakeCmd.Flags().Float64Var(&amountFlag, "amount", 0, "amount of tao to stake")
	stakeCmd.Flags().BoolVar(&allFlag, "all", false, "stake the whole free balance")
	root.RootCmd.AddCommand(stakeCmd)
}

var stakeCmd = &cobra.Command{
	Use:   "stake",
	Short: "Stake tao to a hotkey on the subnet",
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
			balance, err := chain.Balance(ctx, chain.Hotkey())
			if err != nil {
				fmt.Println("Error reading balance: " + err.Error())
				os.Exit(1)
			}
			amount = balance
		}
		if err := chain.AddStake(ctx, hotkey, amount, true); err != nil {
			fmt.Println("Stake failed: " + err.Error())
			os.Exit(1)
		}
		fmt.Printf("Staked %s to %s\n", shared.FormatTao(amount), hotkey)
	},
}
