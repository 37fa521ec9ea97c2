// Package main runs the in-memory speakloop fake backend for local testing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/speakloop/apiclient/internal/buildinfo"
	"github.com/speakloop/apiclient/internal/devserver"
	"github.com/speakloop/apiclient/internal/logging"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var (
		addr     string
		ttl      time.Duration
		email    string
		password string
		debug    bool
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:8317", "Listen address")
	flag.DurationVar(&ttl, "token-ttl", devserver.DefaultTokenTTL, "Access token lifetime")
	flag.StringVar(&email, "email", "demo@speakloop.app", "Demo account email")
	flag.StringVar(&password, "password", "demo", "Demo account password")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	log.Info(buildinfo.String("devserver"))

	srv := devserver.New(devserver.Options{
		Users:    map[string]string{email: password},
		TokenTTL: ttl,
	})
	bound, err := srv.Start(addr)
	if err != nil {
		log.Fatalf("failed to start dev server: %v", err)
	}
	fmt.Printf("speakloop dev server on http://%s (login %s / %s)\n", bound, email, password)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	if err = srv.Shutdown(context.Background()); err != nil {
		log.Errorf("dev server shutdown: %v", err)
	}
}
