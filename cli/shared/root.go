package shared

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/opentensor/BitTensor/internal/setup"
	"github.com/opentensor/BitTensor/internal/subtensor"

	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/spf13/viper"
	"github.com/subtrahend-labs/gobt/client"
)

// FinalizationTimeout is how long wallet commands wait for their extrinsic
// to land in a block.
const FinalizationTimeout = setup.BlockTimeSeconds * 5 * time.Second

func PromptConfigString(key string) string {
	fmt.Printf("Enter your %s: ", key)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()

	viper.Set(key, scanner.Text())
	if err := viper.WriteConfig(); err != nil {
		fmt.Println("Error writing config: " + err.Error())
		os.Exit(1)
	}
	return viper.GetString(key)
}

func PromptConfigInt(key string) int {
	fmt.Printf("Enter your %s: ", key)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()

	num, err := strconv.Atoi(scanner.Text())
	if err != nil {
		fmt.Println("Error parsing integer: " + err.Error())
		os.Exit(1)
	}

	viper.Set(key, num)
	if err := viper.WriteConfig(); err != nil {
		fmt.Println("Error writing config: " + err.Error())
		os.Exit(1)
	}
	return num
}

type Config struct {
	ChainEndpoint string
	HotkeyPhrase  string
	Netuid        int
}

func LoadConfig() (*Config, error) {
	config := &Config{}

	configStrings := map[string]*string{
		"chain.endpoint":       &config.ChainEndpoint,
		"wallet.hotkey_phrase": &config.HotkeyPhrase,
	}

	for key, value := range configStrings {
		if viper.GetString(key) == "" {
			PromptConfigString(key)
		}
		*value = viper.GetString(key)
	}

	if viper.GetInt("chain.netuid") == 0 {
		PromptConfigInt("chain.netuid")
	}
	config.Netuid = viper.GetInt("chain.netuid")

	return config, nil
}

// Chain dials the configured endpoint and binds the wallet key to it.
func Chain(config *Config) (*subtensor.Client, error) {
	chain, err := client.NewClient(config.ChainEndpoint)
	if err != nil {
		return nil, err
	}
	kp, err := signature.KeyringPairFromSecret(config.HotkeyPhrase, 42)
	if err != nil {
		return nil, err
	}
	return subtensor.New(chain, kp, uint16(config.Netuid), subtensor.Options{}), nil
}

// FormatTao renders a rao amount in tao.
func FormatTao(rao uint64) string {
	return fmt.Sprintf("τ%.9f", float64(rao)/setup.Rao)
}

// ParseTao converts a tao amount to rao.
func ParseTao(tao float64) uint64 {
	return uint64(math.Round(tao * setup.Rao))
}
