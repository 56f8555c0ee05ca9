// flapd drives a Vestaboard split-flap display from cron-scheduled content
// files and integration webhooks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/flapboard/flapboard/board"
	"github.com/flapboard/flapboard/config"
	"github.com/flapboard/flapboard/integrations/bart"
	"github.com/flapboard/flapboard/integrations/plex"
	"github.com/flapboard/flapboard/integrations/weather"
	"github.com/flapboard/flapboard/scheduler"
)

func main() {
	var (
		configPath     = flag.String("config", "config.toml", "path to the TOML configuration file")
		contentDir     = flag.String("content-dir", "content", "directory holding user/ and contrib/ content files")
		publicMode     = flag.Bool("public", false, "only show templates marked public")
		flagship       = flag.Bool("flagship", false, "drive a Flagship (6x22) board instead of a Note (3x15)")
		contentEnabled = flag.String("content-enabled", "", "comma-separated contrib content stems to enable, or * for all")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}

	apiKey, err := cfg.Get("vestaboard", "api_key")
	if err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}

	model := board.Note
	if *flagship {
		model = board.Flagship
	}
	client := board.NewClient(apiKey, model)

	secret := ensureWebhookSecret(cfg)

	schedCfg := scheduler.DefaultConfig()
	queue := scheduler.NewQueue()
	hold := &scheduler.HoldState{}
	interrupt := scheduler.NewSignal()

	registrar := scheduler.NewRegistrar(queue, cfg, schedCfg)
	registrar.PublicMode = *publicMode

	watcher := NewContentWatcher(registrar, contentDirs(*contentDir, *contentEnabled))

	registry := scheduler.NewRegistry()
	registry.Register("weather", weather.New(cfg))
	registry.Register("bart", bart.New(cfg))
	registry.Register("plex", plex.New(cfg, hold, watcher))

	hub := NewStateHub(queue, hold)
	client.OnRender = func(render string) {
		fmt.Println(render)
		hub.SetRender(render)
	}

	banner(model, *publicMode, *contentEnabled)
	printBoardState(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry.Preflight(ctx)

	loaded := watcher.LoadAll()
	log.Printf("Registered %d content files, %d jobs", loaded, len(registrar.Jobs()))
	registrar.Start()
	go watcher.Watch(ctx)
	go hub.Run(ctx)

	addr := ":" + cfg.GetOptional("webhook", "port", "8463")
	server := scheduler.NewWebhookServer(addr, secret, queue, registry, hold, interrupt, schedCfg)
	server.Handle("/ws/state", hub)
	server.Start()

	worker := &scheduler.Worker{
		Queue:     queue,
		Display:   client,
		Registry:  registry,
		Hold:      hold,
		Interrupt: interrupt,
		Cfg:       schedCfg,
	}
	go worker.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down", sig)

	cancel()
	registrar.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Webhook server shutdown: %v", err)
	}
}

// ensureWebhookSecret returns the shared webhook secret, generating one and
// persisting it to the config file on first run.
func ensureWebhookSecret(cfg *config.Config) string {
	if secret := cfg.GetOptional("webhook", "secret", ""); secret != "" {
		return secret
	}
	secret, err := scheduler.GenerateSecret()
	if err != nil {
		log.Printf("Error generating webhook secret: %v", err)
		os.Exit(1)
	}
	if err := cfg.WriteSectionValues("webhook", map[string]any{"secret": secret}); err != nil {
		log.Printf("Warning: could not persist webhook secret: %v", err)
	}
	log.Printf("Generated webhook secret: %s", secret)
	return secret
}

// contentDirs builds the watch list: user content always, contrib content
// filtered by the -content-enabled selection.
func contentDirs(root, enabled string) []contentDir {
	dirs := []contentDir{{path: filepath.Join(root, "user")}}

	enabled = strings.TrimSpace(enabled)
	if enabled == "" {
		return dirs
	}
	if enabled == "*" {
		dirs = append(dirs, contentDir{path: filepath.Join(root, "contrib")})
		return dirs
	}

	stems := make(map[string]bool)
	for _, stem := range strings.Split(enabled, ",") {
		if stem = strings.TrimSpace(stem); stem != "" {
			stems[stem] = true
		}
	}
	dirs = append(dirs, contentDir{
		path:    filepath.Join(root, "contrib"),
		enabled: func(stem string) bool { return stems[stem] },
	})
	return dirs
}

func banner(model board.Model, public bool, contentEnabled string) {
	mode := "private"
	if public {
		mode = "public"
	}
	contrib := contentEnabled
	if contrib == "" {
		contrib = "(none)"
	}
	fmt.Println("==================================================")
	fmt.Printf("flapd driving a %s in %s mode\n", model, mode)
	fmt.Printf("Contrib content:    %s\n", contrib)
	fmt.Println("==================================================")
}

// printBoardState shows what is on the board right now so a restart is not a
// mystery.
func printBoardState(client *board.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	state, err := client.Get(ctx)
	switch {
	case errors.Is(err, board.ErrEmptyBoard):
		fmt.Println("(no current message)")
	case err != nil:
		log.Printf("Warning: could not read board state: %v", err)
	default:
		fmt.Println("Current board state:")
		fmt.Println(state)
	}
}
