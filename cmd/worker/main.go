package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cw07/omsflow/config"
	postgres_wrapper "github.com/cw07/omsflow/pkg/infra/postgres"
	"github.com/cw07/omsflow/pkg/logging"
	"github.com/cw07/omsflow/pkg/oms/repo"
	"github.com/cw07/omsflow/pkg/oms/worker"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config-file", "", "Specify config file path")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		panic(err)
	}

	if _, err := logging.InitGlobal(cfg.ServiceName+"-worker", logging.INFO); err != nil {
		panic(err)
	}

	configBytes, err := json.MarshalIndent(cfg, "", "   ")
	if err != nil {
		zap.S().Warnf("could not convert config to JSON: %v", err)
	} else {
		zap.S().Debugf("load config %s", string(configBytes))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	nc, err := nats.Connect(cfg.Nats.URL)
	if err != nil {
		zap.S().Fatalw("connect nats", "err", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		zap.S().Fatalw("jetstream context", "err", err)
	}

	_, _ = js.AddStream(&nats.StreamConfig{
		Name:     cfg.Nats.StreamName,
		Subjects: []string{cfg.Nats.DeadLetterSubject, cfg.Nats.AlertSubject},
	})

	db, err := postgres_wrapper.InitPostgres(cfg.OmsDB)
	if err != nil {
		zap.S().Fatalw("init db", "err", err)
	}

	w := worker.NewWorker(repo.NewRepo(db))
	go func() {
		if err := w.StartConsumer(ctx, js, cfg.Nats.DeadLetterSubject, "dead_letter_worker"); err != nil && ctx.Err() == nil {
			zap.S().Errorw("dead letter consumer stopped", "err", err)
		}
	}()
	go func() {
		if err := w.StartAlertConsumer(ctx, js, cfg.Nats.AlertSubject, "alert_worker"); err != nil && ctx.Err() == nil {
			zap.S().Errorw("alert consumer stopped", "err", err)
		}
	}()

	zap.S().Info("dead letter worker started")
	<-sigs
	cancel()
}
