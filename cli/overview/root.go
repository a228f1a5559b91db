package overview

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/opentensor/BitTensor/cli/root"
	"github.com/opentensor/BitTensor/cli/shared"
	"github.com/opentensor/BitTensor/internal/metagraph"
	"github.com/opentensor/BitTensor/internal/setup"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cacheFlag string

func init() {
	overviewCmd.Flags().StringVar(&cacheFlag, "cache", "", "metagraph cache path, overrides metagraph.cache config")
	root.RootCmd.AddCommand(overviewCmd)
}

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show wallet balance and the subnet's peers",
	Long:  ``,
	Run: func(cmd *cobra.Command, args []string) {
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

		cachePath := cacheFlag
		if cachePath == "" {
			cachePath = viper.GetString("metagraph.cache")
		}
		mg, err := metagraph.New(chain, metagraph.Options{CachePath: cachePath})
		if err != nil {
			fmt.Println("Error opening metagraph cache: " + err.Error())
			os.Exit(1)
		}
		defer mg.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := mg.Load(ctx); err != nil {
			fmt.Println("Error loading cached metagraph: " + err.Error())
		}
		s, err := mg.Sync(ctx)
		if err != nil {
			fmt.Println("Error syncing metagraph: " + err.Error())
			os.Exit(1)
		}
		if err := mg.Save(ctx); err != nil {
			fmt.Println("Error caching metagraph: " + err.Error())
		}

		balance, err := chain.Balance(ctx, chain.Hotkey())
		if err != nil {
			fmt.Println("Error reading balance: " + err.Error())
			os.Exit(1)
		}

		rank := s.Rank()
		incentive := s.Incentive(mg.Tau())
		blocksPerDay := float64(24*60*60) / setup.BlockTimeSeconds

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "UID\tIP\tSTAKE(τ)\tRANK(τ)\tINCENTIVE(τ/day)\tLASTEMIT\tHOTKEY")
		for uid := uint32(0); uid < s.N; uid++ {
			ep := s.Endpoints[uid]
			addr := "none"
			if ep.IP != "" {
				addr = ep.Addr()
			}
			fmt.Fprintf(w, "%d\t%s\t%.5f\t%.5f\t%.5f\t%d\t%s\n",
				uid,
				addr,
				s.Stake[uid],
				rank[uid],
				incentive[uid]*blocksPerDay,
				s.Block-s.LastEmit[uid],
				ep.Hotkey,
			)
		}
		w.Flush()
		fmt.Printf("\nBlock: %d  Peers: %d\n", s.Block, s.N)
		fmt.Printf("Balance: %s\n", shared.FormatTao(balance))
	},
}
