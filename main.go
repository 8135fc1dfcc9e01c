package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"sharedcatalog/api"
	"sharedcatalog/bridge"
	"sharedcatalog/catalog"
	"sharedcatalog/config"
	"sharedcatalog/kafka"
	"sharedcatalog/logger"
	"sharedcatalog/models"
	oidcutil "sharedcatalog/oidc"
	"sharedcatalog/store"
)

func main() {
	if err := run(); err != nil {
		logger.Error("fatal", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run() error {
	if err := config.Load(os.Args[1:]); err != nil {
		return err
	}
	logger.Info("starting application")

	// Root context with cancellation for graceful shutdown
	appCtx, appCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer appCancel()

	owner, err := ownerFromConfig()
	if err != nil {
		return err
	}
	quiet, err := config.QuietPeriodDuration()
	if err != nil {
		return err
	}

	backend, err := store.Open(appCtx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Shutdown(context.Background())

	var source catalog.ItemSource = catalog.StaticSource{}
	if config.ItemsFile != "" {
		source = catalog.FileSource{Path: config.ItemsFile, Owner: owner}
	}

	hub := api.NewHub()
	cat := catalog.New(owner, backend, source,
		catalog.WithTopics(config.TopicList()...),
		catalog.WithQuietPeriod(quiet),
		catalog.WithFanOut(config.FanOutSize()),
		catalog.WithAckHandler(hub.OnAcknowledged),
	)
	if err := cat.Start(appCtx); err != nil {
		return fmt.Errorf("start catalog: %w", err)
	}

	var outbound bridge.Publisher
	if config.Enabled(config.KafkaEnabled) {
		outbound = kafka.Producer{Topic: config.OutboundTopic}
	} else {
		q := bridge.NewQueue(256)
		defer q.Close()
		go drain(appCtx, q)
		outbound = q
	}
	b := bridge.New(cat, outbound)

	if config.Enabled(config.KafkaEnabled) {
		go consume(appCtx, config.InboundTopic, b.Handle)
		go consume(appCtx, config.AckTopic, b.Ack)
	}

	var verifier api.TokenVerifier = oidcutil.AllowAll{}
	if config.Enabled(config.AuthEnabled) {
		v, err := oidcutil.Init(appCtx)
		if err != nil {
			return fmt.Errorf("oidc init: %w", err)
		}
		verifier = oidcutil.Adapter{Verifier: v}
	}

	srv := &http.Server{
		Addr:              ":" + config.ApiPort,
		Handler:           api.NewServer(b, hub, verifier, api.NewItemValidator(config.SchemaPath), backend.Ping),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-appCtx.Done()
		logger.Info("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	logger.Info("http server listening", logger.FieldKV("port", config.ApiPort), logger.FieldKV("owner", owner.String()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// ownerFromConfig builds the local participant; a missing id gets a fresh one.
func ownerFromConfig() (models.Participant, error) {
	if config.OwnerID == "" {
		return models.NewParticipant(config.OwnerName), nil
	}
	id, err := uuid.Parse(config.OwnerID)
	if err != nil {
		return models.Participant{}, fmt.Errorf("invalid owner id %q: %w", config.OwnerID, err)
	}
	return models.Participant{ID: id, Name: config.OwnerName}, nil
}

func consume(ctx context.Context, topic string, h kafka.Handler) {
	if err := kafka.Reader(ctx, topic, h); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("kafka reader stopped", err, logger.FieldKV("topic", topic))
	}
}

// drain logs forwarded items when no broker is configured.
func drain(ctx context.Context, q *bridge.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.C():
			logger.Info("item forwarded", logger.FieldKV("item", item.String()))
		}
	}
}
