package setup

import (
	"os"
	"strconv"

	"github.com/opentensor/BitTensor/internal/utils"
	"github.com/opentensor/BitTensor/internal/wire"

	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/joho/godotenv"
	"github.com/subtrahend-labs/gobt/client"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// U16Max is the fixed-point ceiling weights are quantized against
	// before submission.
	U16Max = 65535
	// Rao is the number of rao per tao.
	Rao = 1e9
	// BlockTimeSeconds is the chain's target block interval.
	BlockTimeSeconds = 6
)

type Dependencies struct {
	Log    *zap.SugaredLogger
	Env    Env
	Client *client.Client
	Hotkey signature.KeyringPair
	Mongo  *mongo.Client
}

type Env struct {
	ChainEndpoint  string
	HotkeyPhrase   string
	Netuid         int
	AxonIP         string
	AxonPort       int
	NetworkDim     int
	SyncInterval   uint64
	Tempo          uint64
	CachePath      string
	MongoURI       string
	Debug          bool
	VerifyRequests bool
}

func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func GetEnvOrPanic(key string, logger *zap.SugaredLogger) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	logger.Panicf("Could not find env key [%s]", key)
	return ""
}

func GetEnvInt(key string, fallback int, logger *zap.SugaredLogger) int {
	raw := GetEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logger.Errorf("Failed converting env variable %s to int", key)
		return fallback
	}
	return v
}

func Init(opts ...any) *Dependencies {
	var level *zapcore.Level
	if len(opts) != 0 {
		l := opts[0].(zapcore.Level)
		level = &l
	}
	// Startup
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	if level != nil {
		cfg.Level.SetLevel(*level)
	}
	logger, err := cfg.Build()
	if err != nil {
		panic("Failed to get logger")
	}
	sugar := logger.Sugar()

	// Env Variables
	err = godotenv.Load()
	if err != nil {
		sugar.Warnw("No .env file loaded", "error", err)
	}
	HotkeyPhrase := GetEnvOrPanic("HOTKEY_PHRASE", sugar)
	ChainEndpoint := GetEnv("CHAIN_ENDPOINT", "wss://entrypoint-finney.opentensor.ai:443")
	AxonIP := GetEnvOrPanic("AXON_IP", sugar)
	AxonPort := GetEnvInt("AXON_PORT", 8091, sugar)
	NetworkDim := GetEnvInt("NETWORK_DIM", wire.DefaultNetworkDim, sugar)
	SyncInterval := GetEnvInt("SYNC_INTERVAL", 100, sugar)
	Tempo := GetEnvInt("TEMPO", 360, sugar)
	CachePath := GetEnv("METAGRAPH_CACHE", "")
	MongoURI := GetEnv("MONGO_URI", "")
	Debug := GetEnv("DEBUG", "0")
	VerifyRequests := GetEnv("VERIFY_REQUESTS", "1")

	netuid, err := strconv.Atoi(GetEnv("NETUID", "1"))
	if err != nil {
		sugar.Fatalw("Invalid netuid", "error", err)
	}

	debug := Debug == "1"
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.Sampling = nil
		if level != nil {
			cfg.Level.SetLevel(*level)
		}
		logger, err := cfg.Build()
		if err != nil {
			panic("Failed to get logger")
		}
		sugar = logger.Sugar()
	}

	mongoClient, err := InitMongo(MongoURI)
	if err != nil {
		sugar.Fatal(utils.Wrap("failed connecting to mongo", err))
	}

	client, err := client.NewClient(ChainEndpoint)
	if err != nil {
		sugar.Fatalf("Error creating client: %s", err)
	}

	kp, err := signature.KeyringPairFromSecret(HotkeyPhrase, client.Network)
	if err != nil {
		sugar.Fatalw("Failed creating keyring pair", "error", err)
	}

	return &Dependencies{
		Log:    sugar,
		Client: client,
		Hotkey: kp,
		Mongo:  mongoClient,
		Env: Env{
			ChainEndpoint:  ChainEndpoint,
			HotkeyPhrase:   HotkeyPhrase,
			Netuid:         netuid,
			AxonIP:         AxonIP,
			AxonPort:       AxonPort,
			NetworkDim:     NetworkDim,
			SyncInterval:   uint64(SyncInterval),
			Tempo:          uint64(Tempo),
			CachePath:      CachePath,
			MongoURI:       MongoURI,
			Debug:          debug,
			VerifyRequests: VerifyRequests == "1",
		},
	}
}
