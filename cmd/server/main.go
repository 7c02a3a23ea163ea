package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AtharvaBansod/CAAS-sub003/internal/config"
	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
	"github.com/AtharvaBansod/CAAS-sub003/internal/repository/conversation"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/group"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/handshake"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/prekey"
	redisSvc "github.com/AtharvaBansod/CAAS-sub003/internal/service/redis"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/rotation"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/server"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/session"
	"github.com/AtharvaBansod/CAAS-sub003/internal/service/transport"
	"github.com/AtharvaBansod/CAAS-sub003/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:   "keyservice",
		Usage:  "Relay end-to-end encryption key exchange and manage group sender keys",
		Flags:  config.Flags(),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cCtx *cli.Context) error {
	cfg, err := config.FromCLI(cCtx)
	if err != nil {
		return err
	}

	if err := log.Init(cfg.LogDebug, cfg.LogJSON, cfg.LogService); err != nil {
		return err
	}
	defer log.Sync()

	mongoDBClient, err := initMongo(cfg.MongoURI)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer mongoDBClient.Disconnect(context.Background())

	participants := conversation.NewParticipantRepo(mongoDBClient.Database(cfg.MongoDatabase))
	if err := participants.EnsureIndexes(cCtx.Context); err != nil {
		log.Warn("ensure participant indexes failed", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	rds := redisSvc.NewRedis(rdb)
	defer rds.Close()
	if err := rds.Ping(cCtx.Context); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	hub := transport.NewHub(participants)
	var sealOpts []transport.MailboxOption
	if len(cfg.MailboxKey) > 0 {
		sealOpts = append(sealOpts, transport.WithSealKey(cfg.MailboxKey))
	} else {
		log.Warn("mailbox-key not set, parked handshakes are stored unencrypted")
	}
	parked := []string{model.EventX3DHInitiate, model.EventX3DHRespond}
	mailbox := transport.NewMailbox(hub, rds, cfg.MailboxTTL, parked, sealOpts...)

	sessions := session.NewStore(rds, cfg.Session)
	bundles := prekey.NewDirectoryClient(cfg.Directory, rds)
	handshakes := handshake.NewCoordinator(bundles, sessions, mailbox, cfg.RelayTimeout)
	ring := group.NewKeyRing(rds, hub, cfg.SenderKeyRotationInterval)
	rotator := rotation.NewCoordinator(ring, hub, participants, cfg.AnnouncementDebounce)

	srv := server.NewHttpServer(server.Config{
		ListenAddr:               cfg.ListenAddr,
		DrainDuration:            cfg.DrainDuration,
		GracefulShutdownDuration: cfg.GracefulShutdownDuration,
		ReadTimeout:              60 * time.Second,
	}, server.Services{
		Hub:             hub,
		Members:         participants,
		Bundles:         bundles,
		Handshakes:      handshakes,
		Groups:          ring,
		Rotation:        rotator,
		Mailbox:         mailbox,
		ReadinessChecks: []func(context.Context) error{rds.Ping, participants.Touch},
	})
	srv.RunInBackground()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done
	log.Info("shutdown signal received")

	srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rotator.Flush(ctx); err != nil {
		log.Warn("flushing key announcements failed", zap.Error(err))
	}
	rotator.Close()
	return nil
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
