// Package main is a command line front end for the speakloop API client. It
// can probe the backend, manage the stored session, issue authenticated GET
// requests, upload recordings and follow config file changes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/speakloop/apiclient/internal/buildinfo"
	"github.com/speakloop/apiclient/internal/config"
	"github.com/speakloop/apiclient/internal/logging"
	"github.com/speakloop/apiclient/internal/store"
	"github.com/speakloop/apiclient/internal/util"
	"github.com/speakloop/apiclient/internal/watcher"
	"github.com/speakloop/apiclient/sdk/apiclient"
	"github.com/tidwall/gjson"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var (
		configPath string
		probe      bool
		login      string
		password   string
		logout     bool
		get        string
		upload     string
		uploadTo   string
		topicID    string
		watch      bool
		version    bool
	)
	flag.StringVar(&configPath, "config", "", "Configure File Path")
	flag.BoolVar(&probe, "probe", false, "Check backend reachability")
	flag.StringVar(&login, "login", "", "Log in with this email")
	flag.StringVar(&password, "password", "", "Password for -login (or APICLIENT_PASSWORD)")
	flag.BoolVar(&logout, "logout", false, "End the stored session")
	flag.StringVar(&get, "get", "", "Authenticated GET of this endpoint")
	flag.StringVar(&upload, "upload", "", "Upload this audio file")
	flag.StringVar(&uploadTo, "upload-endpoint", "/recordings", "Endpoint for -upload")
	flag.StringVar(&topicID, "topic", "", "topic_id form field for -upload")
	flag.BoolVar(&watch, "watch", false, "Keep running and apply config file changes")
	flag.BoolVar(&version, "version", false, "Print version and exit")
	flag.Parse()

	if version {
		fmt.Println(buildinfo.String("apiclient"))
		return
	}

	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.LoadConfigOptional(configPath, configPath == "")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyEnv(nil)
	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}
	util.SetLogLevel(cfg)
	log.Debug(buildinfo.String("apiclient"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opened, err := store.Open(ctx, cfg.SecretStore)
	if err != nil {
		log.Fatalf("failed to open secret store: %v", err)
	}
	defer func() {
		if errClose := store.Close(opened.Store); errClose != nil {
			log.WithError(errClose).Warn("failed to close secret store")
		}
	}()

	client, err := apiclient.New(cfg, opened.Store)
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}

	if err = run(ctx, client, options{
		probe:    probe,
		login:    login,
		password: password,
		logout:   logout,
		get:      get,
		upload:   upload,
		uploadTo: uploadTo,
		topicID:  topicID,
	}); err != nil {
		log.Error(err)
		os.Exit(1)
	}

	if watch {
		if configPath == "" {
			log.Fatal("-watch requires -config")
		}
		if err = watchConfig(ctx, configPath, cfg, client); err != nil {
			log.Fatalf("config watcher: %v", err)
		}
	}
}

type options struct {
	probe    bool
	login    string
	password string
	logout   bool
	get      string
	upload   string
	uploadTo string
	topicID  string
}

func run(ctx context.Context, client *apiclient.Client, opts options) error {
	if opts.probe {
		if !client.CheckConnection(ctx, apiclient.DefaultProbeAttempts) {
			return fmt.Errorf("backend %s is unreachable", client.BaseURL())
		}
		fmt.Printf("backend %s is reachable\n", client.BaseURL())
	}

	if opts.login != "" {
		password := opts.password
		if password == "" {
			password, _ = config.LookupEnv("APICLIENT_PASSWORD")
		}
		tok, err := client.Login(ctx, opts.login, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Printf("logged in, access token %s expires %s\n", util.MaskToken(tok.AccessToken), tok.Expiry.Format("2006-01-02 15:04:05"))
	}

	if opts.get != "" {
		raw, err := apiclient.Get[[]byte](ctx, client, opts.get)
		if err != nil {
			return fmt.Errorf("GET %s: %w", opts.get, err)
		}
		printJSON(raw)
	}

	if opts.upload != "" {
		data, err := os.ReadFile(opts.upload)
		if err != nil {
			return fmt.Errorf("read upload file: %w", err)
		}
		form := apiclient.NewForm().AddFileBytes("audio", filepath.Base(opts.upload), "", data)
		if opts.topicID != "" {
			form.AddField("topic_id", opts.topicID)
		}
		raw, err := apiclient.Upload[[]byte](ctx, client, opts.uploadTo, form, true)
		if err != nil {
			return fmt.Errorf("upload %s: %w", opts.upload, err)
		}
		printJSON(raw)
	}

	if opts.logout {
		if err := client.Logout(ctx); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		fmt.Println("logged out")
	}
	return nil
}

func printJSON(raw []byte) {
	if gjson.ValidBytes(raw) {
		fmt.Println(gjson.ParseBytes(raw).Get("@pretty").String())
		return
	}
	fmt.Println(strings.TrimSpace(string(raw)))
}

func watchConfig(ctx context.Context, path string, cfg *config.Config, client *apiclient.Client) error {
	w, err := watcher.NewWatcher(path, func(next *config.Config) {
		if errApply := client.ApplyConfig(next); errApply != nil {
			log.WithError(errApply).Error("failed to apply reloaded config")
			return
		}
		if errLog := logging.ConfigureLogOutput(next); errLog != nil {
			log.WithError(errLog).Warn("failed to reconfigure log output")
		}
		log.Infof("config reloaded, backend %s", client.BaseURL())
	})
	if err != nil {
		return err
	}
	w.SetConfig(cfg)
	if err = w.Start(ctx); err != nil {
		return err
	}
	log.Infof("watching %s for changes", path)
	<-ctx.Done()
	return w.Stop()
}
