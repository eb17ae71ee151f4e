// fluke-server runs the protocol engine as a standalone server with an
// echo/health handler, Prometheus metrics, and graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bearcove/fluke/pkg/fluke"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fluke-server",
	Short: "HTTP/1.1 and HTTP/2 server built on the fluke protocol engine",
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&cfgFile, "config", "c", "", "config file (default ./fluke.yaml)")
	f.String("addr", ":8080", "listen address")
	f.String("metrics-addr", ":9100", "Prometheus metrics listen address")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.String("log-file", "", "log file path (rotated; empty for stdout only)")
	f.Bool("multicore", true, "spread event loops across cores")
	f.Int("event-loops", 0, "number of event loops (0 for auto)")
	f.Int("workers", 1024, "handler worker pool size")
	f.Int("buffers", 1024, "shared buffer pool count")
	f.Float64("accept-rate", 0, "max accepted connections per second (0 unlimited)")
	f.Bool("h1", true, "serve HTTP/1.1")
	f.Bool("h2", true, "serve HTTP/2 (prior knowledge)")
	f.Duration("shutdown-timeout", 5*time.Second, "graceful shutdown grace period")

	cobra.CheckErr(viper.BindPFlags(f))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("fluke")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("FLUKE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

func buildLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stdout), level),
	}
	if file := viper.GetString("log-file"); file != "" {
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), w, level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel)), nil
}

// echoHandler answers /healthz with ok and mirrors everything else back.
func echoHandler() fluke.Handler {
	return fluke.HandlerFunc(func(_ context.Context, req *fluke.Request, w fluke.ResponseWriter) error {
		if req.Path == "/healthz" {
			return fluke.WriteResponse(w, req, 200,
				[]fluke.Header{{Name: "content-type", Value: "text/plain"}},
				[]byte("ok\n"))
		}
		body := fmt.Sprintf("%s %s %s\nauthority: %s\nbody: %d bytes\n",
			req.Proto, req.Method, req.Path, req.Authority, len(req.Body))
		return fluke.WriteResponse(w, req, 200,
			[]fluke.Header{{Name: "content-type", Value: "text/plain"}},
			[]byte(body))
	})
}

func run(*cobra.Command, []string) error {
	if err := initConfig(); err != nil {
		return err
	}
	log, err := buildLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg := fluke.DefaultConfig()
	cfg.Addr = viper.GetString("addr")
	cfg.Multicore = viper.GetBool("multicore")
	cfg.NumEventLoop = viper.GetInt("event-loops")
	cfg.Workers = viper.GetInt("workers")
	cfg.BufferCount = viper.GetInt("buffers")
	cfg.AcceptRate = viper.GetFloat64("accept-rate")
	cfg.EnableH1 = viper.GetBool("h1")
	cfg.EnableH2 = viper.GetBool("h2")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.Logger = log

	srv, err := fluke.New(cfg, echoHandler())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{
		Addr:              viper.GetString("metrics-addr"),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		log.Info("metrics listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(stopCtx)
		return srv.Stop(stopCtx)
	})
	return g.Wait()
}
