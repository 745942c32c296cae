package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"

	"github.com/studyhall/collab/auth"
	"github.com/studyhall/collab/cache"
	"github.com/studyhall/collab/config"
	"github.com/studyhall/collab/fanout"
	"github.com/studyhall/collab/globals"
	"github.com/studyhall/collab/notify"
	"github.com/studyhall/collab/persistence"
	"github.com/studyhall/collab/presence"
	"github.com/studyhall/collab/sequencer"
	"github.com/studyhall/collab/ws"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:8000", "ws service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert for websocket (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key for websocket (optional)")
)

const (
	announceInterval = 5 * time.Second
	directoryTTL     = 15 * time.Second
)

func main() {
	flagSet := config.GetFlagSet()
	flagSet.AddFlagSet(pflag.CommandLine)
	pflag.CommandLine = flagSet
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if cfg.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	}
	logger := globals.AppLogger
	logger.Info("starting instance", "instance_id", cfg.InstanceConfig.Id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		panic(err)
	}
	if persister != nil {
		defer persister.Close()
	}

	var bus fanout.Bus
	if cfg.FanoutConfig.RedisAddress != "" {
		bus, err = fanout.NewRedisBus(ctx, cfg.FanoutConfig.RedisAddress, cfg.FanoutConfig.RedisPassword, logger)
		if err != nil {
			panic(err)
		}
	} else {
		logger.Warn("no redis address configured, using the in-process bus (single instance only)")
		bus = fanout.NewMemoryBus(logger)
	}
	defer bus.Close()
	prefix := cfg.FanoutConfig.Prefix()

	directory := fanout.NewDirectory(cfg.InstanceConfig.Id, directoryTTL, logger)
	if err := directory.RunListener(ctx, bus, prefix); err != nil {
		panic(err)
	}
	go directory.RunAnnouncer(ctx, bus, prefix, announceInterval)

	roomCache, err := cache.NewRoomCache(persister, cfg.PersistenceConfig.RoomCacheSize(), logger)
	if err != nil {
		panic(err)
	}

	var sink *persistence.LogSink
	if persister != nil {
		sink = persistence.NewLogSink(persister, cfg.HistoryConfig.FlushInterval(), cfg.HistoryConfig.BatchSize(), logger)
		defer sink.Close()
	}

	notifier := notify.NewNotifier(cfg, logger)
	manager := sequencer.NewManager(bus, directory, persister, sink, roomCache, notifier, prefix, cfg.HistoryConfig.Size(), logger)
	defer manager.Stop()
	if err := manager.RunForwardListener(ctx); err != nil {
		panic(err)
	}

	tracker := presence.NewTracker(cfg.PresenceConfig.SuspectAfter(), cfg.PresenceConfig.GraceAfter(), logger)

	var verifier auth.Verifier
	if len(cfg.OIDCConfigs) > 0 {
		verifier = auth.NewOIDCVerifier(cfg)
	} else {
		logger.Warn("no oidc provider configured, accepting tokens as user ids (development only)")
		verifier = auth.PassthroughVerifier{}
	}

	gateway := ws.NewGateway(verifier, roomCache, tracker, manager, persister, bus, prefix, cfg.RoomConfig.Capacity(), logger)
	defer gateway.Close()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 5s", tracker.Sweep); err != nil {
		panic(err)
	}
	if _, err := scheduler.AddFunc("@every 5s", func() { directory.Sweep() }); err != nil {
		panic(err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	router := mux.NewRouter()
	router.HandleFunc("/session", gateway.ServeWs).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	server := &http.Server{Addr: *addr, Handler: router}
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}()

	logger.Info("listening", "addr", *addr)
	if *sslCert != "" && *sslKey != "" {
		err = server.ListenAndServeTLS(*sslCert, *sslKey)
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		logger.Error("stopped listening", "error", err)
	}
}
