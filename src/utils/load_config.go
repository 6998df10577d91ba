package utils

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type AppConfig struct {
	DiscordBotToken string
	DiscordIntents  uint64
	ShardID         int
	ShardCount      int
	AppEnv          string
}

func LoadConfiguration() AppConfig {
	cfg := AppConfig{}
	requiredEnv := map[string]*string{
		"DC_BOT_TOKEN": &cfg.DiscordBotToken,
		"APP_ENV":      &cfg.AppEnv,
	}
	for k, v := range requiredEnv {
		if val, ok := os.LookupEnv(k); !ok {
			slog.Error(fmt.Sprintf("Provide: %s", k))
			os.Exit(1)
		} else {
			*v = val
		}
	}
	if val, ok := os.LookupEnv("DC_INTENTS"); ok {
		intents, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			slog.Error("DC_INTENTS must be an integer bitmask")
			os.Exit(1)
		}
		cfg.DiscordIntents = intents
	}
	if val, ok := os.LookupEnv("DC_SHARD_ID"); ok {
		cfg.ShardID, _ = strconv.Atoi(val)
	}
	if val, ok := os.LookupEnv("DC_SHARD_COUNT"); ok {
		cfg.ShardCount, _ = strconv.Atoi(val)
	}
	return cfg
}
