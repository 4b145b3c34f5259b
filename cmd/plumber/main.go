package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/arzzra/plumber/pkg/pipeline"
	"github.com/arzzra/plumber/pkg/plumber"
	pionrtp "github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const packetInterval = 20 * time.Millisecond

func main() {
	var (
		configPath    = flag.String("config", "", "Путь к YAML конфигурации")
		localAddress  = flag.String("local-address", plumber.DefaultLocalAddress, "Локальный адрес")
		localPort     = flag.Int("local-port", plumber.DefaultLocalPort, "Управляющий порт, 0 - любой")
		remoteAddress = flag.String("remote-address", "", "Адрес собеседника")
		remotePort    = flag.Int("remote-port", plumber.DefaultRemotePort, "Управляющий порт собеседника")
		send          = flag.String("send", "none", "Отправлять тестовый поток: audio, video, none")
		secure        = flag.Bool("secure", false, "Использовать DTLS элементы")
		metricsAddr   = flag.String("metrics-addr", "", "Адрес HTTP сервера метрик")
		logLevel      = flag.String("log-level", "info", "Уровень логирования")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// флаги, заданные явно, важнее файла
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "local-address":
			cfg.Endpoint.LocalAddress = *localAddress
		case "local-port":
			cfg.Endpoint.LocalPort = *localPort
		case "remote-address":
			cfg.Endpoint.RemoteAddress = *remoteAddress
		case "remote-port":
			cfg.Endpoint.RemotePort = *remotePort
		case "send":
			cfg.Send = *send
		case "secure":
			cfg.Secure = *secure
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if err := cfg.finalize(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level, _ := parseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Завершение с ошибкой", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *fileConfig, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	ep, err := plumber.New(cfg.Endpoint,
		plumber.WithLogger(logger),
		plumber.WithMetrics(plumber.NewMetrics(reg)))
	if err != nil {
		return err
	}

	if err := ep.Pipeline().SetState(ctx, pipeline.StatePlaying); err != nil {
		_ = ep.Close(context.Background())
		return fmt.Errorf("запуск конвейера: %w", err)
	}
	logger.Info("Endpoint запущен",
		slog.String("id", ep.ID()),
		slog.Int("control_port", ep.ControlPort()))

	for _, mt := range pipeline.MediaTypes {
		cancel := ep.Pipeline().Branch(mt).Subscribe(func(pkt *pionrtp.Packet) {
			logger.Debug("Получен пакет",
				slog.String("media", mt.String()),
				slog.Int("seq", int(pkt.SequenceNumber)),
				slog.Int("size", len(pkt.Payload)))
		})
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if send := strings.ToLower(cfg.Send); send != "" && send != "none" {
		mt, err := pipeline.ParseMediaType(send)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return sendTestStream(gctx, ep, mt, logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Остановка endpoint")
		return ep.Close(context.Background())
	})

	return g.Wait()
}

// sendTestStream добавляет вентиль и отправляет в него RTP пакеты,
// пока контекст не отменен
func sendTestStream(ctx context.Context, ep *plumber.Endpoint, mt pipeline.MediaType, logger *slog.Logger) error {
	gate, err := ep.Pipeline().AddGate(ctx, mt)
	if err != nil {
		return fmt.Errorf("вентиль %s: %w", mt, err)
	}
	if !gate.IsOpen() {
		logger.Warn("Вентиль закрыт, пакеты будут отброшены", slog.String("media", mt.String()))
	}

	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: uint16(rand.Uint32()),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
		},
		Payload: make([]byte, 160),
	}

	ticker := time.NewTicker(packetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := gate.Write(pkt); err != nil {
				logger.Debug("Пакет не отправлен", slog.Any("error", err))
			}
			pkt.SequenceNumber++
			pkt.Timestamp += 160
		}
	}
}
