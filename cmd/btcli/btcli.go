package main

import (
	"github.com/opentensor/BitTensor/cli/root"

	_ "github.com/opentensor/BitTensor/cli/overview"
	_ "github.com/opentensor/BitTensor/cli/stake"
	_ "github.com/opentensor/BitTensor/cli/transfer"
	_ "github.com/opentensor/BitTensor/cli/unstake"
	_ "github.com/opentensor/BitTensor/cli/weights"
)

func main() {
	root.Execute()
}
