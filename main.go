package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"qenboard/internal/config"
	"qenboard/internal/export"
	"qenboard/internal/pages"
	"qenboard/internal/store"
	"qenboard/internal/ui"
	"qenboard/internal/wire"
)

const browseTimeout = 3 * time.Second

func main() {
	join := flag.String("join", "", "host:port of a hub to join; empty hosts a new board")
	auto := flag.Bool("auto", false, "discover a hub on the LAN and join it, hosting if none found")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("[main] config: %v (continuing with defaults)", err)
	}
	log.Printf("[main] user %s (%s)", cfg.DisplayName, cfg.UserID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := *join
	if addr == "" && *auto {
		if found, err := wire.Browse(browseTimeout); err == nil {
			addr = found
		} else {
			log.Printf("[main] %v, hosting instead", err)
		}
	}

	var (
		st       store.Store
		subtitle string
	)
	if addr == "" {
		st, subtitle = runHost(cfg)
	} else {
		client, err := wire.Dial(ctx, fmt.Sprintf("ws://%s/ws", addr))
		if err != nil {
			log.Fatalf("[main] %v", err)
		}
		defer client.Close()
		st, subtitle = client, "joined "+addr
	}

	repo := pages.NewRepo(st, cfg.UserID)
	vm := pages.NewViewModel(repo)
	go vm.Run(ctx)

	ui.Run(cfg, vm, subtitle, func(path string) error {
		return exportBoard(ctx, repo, path)
	})
}

// runHost mounts the authoritative tree and serves it to the LAN. The local
// engine attaches to the same in-memory store the hub serves, so the host is
// just another participant.
func runHost(cfg config.Config) (store.Store, string) {
	hub := wire.NewHub(store.NewMemStore())

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	go func() {
		listen := fmt.Sprintf(":%d", cfg.HubPort)
		log.Printf("[main] hub listening on %s", listen)
		if err := http.ListenAndServe(listen, mux); err != nil {
			log.Fatalf("[main] hub: %v", err)
		}
	}()

	// the announcement lives as long as the process; no explicit shutdown
	if _, err := wire.Advertise(cfg.HubPort); err != nil {
		log.Printf("[main] mdns advertise: %v (peers must join by address)", err)
	}

	return hub.Store(), fmt.Sprintf("hosting %s:%d", wire.FirstIPv4(), cfg.HubPort)
}

// exportBoard snapshots every page and renders them to one PDF.
func exportBoard(ctx context.Context, repo *pages.Repo, path string) error {
	nums, err := repo.PageNumbers(ctx)
	if err != nil {
		return err
	}
	snaps := make([]pages.SelectedPage, 0, len(nums))
	for _, n := range nums {
		content, ar, err := repo.GetPage(ctx, n, true)
		if err != nil {
			return err
		}
		snaps = append(snaps, pages.SelectedPage{
			Current: n, Total: len(nums), Content: content, AspectRatio: ar,
		})
	}
	if err := export.PDF(path, snaps); err != nil {
		return err
	}
	log.Printf("[main] exported %d page(s) to %s", len(snaps), path)
	return nil
}
