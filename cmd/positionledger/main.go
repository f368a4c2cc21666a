package main

import (
	"PositionLedger/internal/alarm"
	"PositionLedger/internal/binprocessor"
	"PositionLedger/internal/config"
	"PositionLedger/internal/core"
	"PositionLedger/internal/ingestion"
	"PositionLedger/internal/math"
	"PositionLedger/internal/message"
	"PositionLedger/internal/observability"
	"PositionLedger/internal/persistence"
	"PositionLedger/internal/query"
	"PositionLedger/internal/server"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// inboundBuffer bounds the deliveries waiting for the batcher.
const inboundBuffer = 4096

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: PositionLedger starting...")

	if os.Getenv("GOGC") == "" {
		log.Println("WARN: GOGC not set, recommend GOGC=200 for batch workloads")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}
	zerolog.SetGlobalLevel(observability.ParseLogLevel(cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	applied, err := persistence.NewMigrator(db, persistence.Schema()).Up(ctx)
	if err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Printf("INFO: migrations applied (%d new)", len(applied))

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddDependency("postgres", func() bool {
		pingCtx, c := context.WithTimeout(context.Background(), time.Second)
		defer c()
		return db.PingContext(pingCtx) == nil
	})

	// --- Transport ---
	topics := ingestion.Topics{
		Position:     cfg.PositionTopic,
		Notification: cfg.NotificationTopic,
		Event:        cfg.EventTopic,
	}
	consumer, publisher, closeTransport, err := openTransport(ctx, cfg, topics)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	defer closeTransport()

	// --- Alarms ---
	redisClient := alarm.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()
	alarmStore := alarm.NewRedisStore(redisClient)
	healthChecker.AddDependency("redis", func() bool {
		pingCtx, c := context.WithTimeout(context.Background(), time.Second)
		defer c()
		return alarmStore.Ping(pingCtx)
	})
	notifier := alarm.NewNotifier(alarmStore, publisher, cfg.AlarmTTL(), metrics)

	// --- Bin processing ---
	amounts := math.DecimalConfig{Scale: int32(cfg.AmountScale), Rounding: math.RoundHalfUp}
	processor := core.NewProcessor(amounts, message.NewFactory(cfg.HubName))
	dispatcher := binprocessor.NewDispatcher(
		processor,
		amounts,
		persistence.NewRepository(db),
		publisher,
		notifier,
		metrics,
	)

	// --- Servers ---
	srv := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.Deps{
		Positions:     query.NewQueryService(db),
		HealthChecker: healthChecker,
		Metrics:       metrics,
	})

	errChan := make(chan error, 8)
	inbound := make(chan ingestion.Delivery, inboundBuffer)

	// 1. Consumer -> inbound channel (fetch loop runs in its own goroutine)
	if err := consumer.Start(ctx, inbound); err != nil {
		log.Fatalf("FATAL: start consumer: %v", err)
	}

	// 2. Batcher -> dispatcher
	batcher := ingestion.NewBatcher(inbound, cfg.BatchSize, cfg.BatchTimeout())
	go func() {
		errChan <- batcher.Run(ctx, dispatcher.Handle)
	}()

	// 3. gRPC server
	go func() {
		errChan <- srv.StartGRPC(ctx)
	}()

	// 4. HTTP gateway
	go func() {
		errChan <- srv.StartHTTPGateway(ctx)
	}()

	// 5. Prometheus metrics server
	go func() {
		errChan <- serveMetrics(ctx, cfg.MetricsAddr)
	}()

	healthChecker.SetReady(true)
	srv.SetServing(true)

	log.Printf("INFO: PositionLedger ready (transport=%s, grpc=%s, http=%s, metrics=%s)",
		cfg.Transport, cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr)

	select {
	case <-ctx.Done():
		log.Println("INFO: received shutdown signal, shutting down...")
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	healthChecker.SetReady(false)
	srv.SetServing(false)
	cancel()
	consumer.Stop()

	// Let in-flight batches nak or commit before the pool closes.
	time.Sleep(500 * time.Millisecond)
	log.Println("INFO: PositionLedger shutdown complete")
}

// openTransport wires the consumer and publisher for the configured bus.
func openTransport(ctx context.Context, cfg config.Config, topics ingestion.Topics) (ingestion.Consumer, binprocessor.Publisher, func(), error) {
	switch cfg.Transport {
	case config.TransportKafka:
		consumer := ingestion.NewKafkaConsumer(cfg.Brokers(), cfg.PositionTopic, cfg.KafkaGroupID)
		publisher := ingestion.NewKafkaPublisher(cfg.Brokers(), topics)
		log.Printf("INFO: Kafka transport (brokers=%s, group=%s)", strings.Join(cfg.Brokers(), ","), cfg.KafkaGroupID)
		return consumer, publisher, closer(publisher), nil

	default:
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Println("INFO: NATS connected")
		if err := ingestion.EnsureStreams(ctx, js, topics.Position, topics.Notification, topics.Event); err != nil {
			nc.Close()
			return nil, nil, nil, fmt.Errorf("ensure NATS streams: %w", err)
		}
		// The durable consumer shares its name with the Kafka group id.
		consumer := ingestion.NewNATSSubscriber(js, strings.ToUpper(topics.Position), topics.Position, cfg.KafkaGroupID)
		publisher := ingestion.NewNATSPublisher(js, topics)
		return consumer, publisher, func() { nc.Drain() }, nil
	}
}

func closer(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Printf("WARN: close: %v", err)
		}
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	log.Printf("INFO: Metrics server listening on %s/metrics", addr)
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
