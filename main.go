package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mrvillage/quarrel-go/src"
	"github.com/mrvillage/quarrel-go/src/gateway"
	"github.com/mrvillage/quarrel-go/src/structs"
	"github.com/mrvillage/quarrel-go/src/utils"
)

var signals = []os.Signal{
	os.Interrupt,
	syscall.SIGINT,
	syscall.SIGTERM,
}

func main() {
	err := godotenv.Load()
	if err != nil {
		panic("failed to load config file")
	}
	cfg := utils.LoadConfiguration()
	logger := slog.New(src.NewCustomHandler(os.Stderr, src.CustomHandlerOpts{}))

	ctx, stop := signal.NotifyContext(context.Background(), signals...)
	defer stop()

	client := src.NewClient(src.ClientArguments{
		Token:      cfg.DiscordBotToken,
		Intents:    gateway.GatewayIntent(cfg.DiscordIntents),
		ShardID:    cfg.ShardID,
		ShardCount: cfg.ShardCount,
		Logger:     logger,
	})
	client.On(structs.EventNameMessageCreate, func(ctx context.Context, event *structs.DispatchEvent) {
		msg := new(structs.Message)
		if err := json.Unmarshal(event.Data, msg); err != nil {
			logger.Warn("failed to decode message", "error", err)
			return
		}
		if msg.Content == "!ping" {
			_, err := client.Rest.CreateMessage(ctx, msg.ChannelID, structs.CreateMessage{Content: "pong"})
			if err != nil {
				logger.Warn("failed to reply", "error", err)
			}
		}
	})

	if err := client.Run(ctx); err != nil {
		logger.Error("client stopped", "error", err)
		os.Exit(1)
	}
}
