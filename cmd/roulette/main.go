// roulette is a single participant node: it joins the shared presence
// table, heartbeats, and cycles through anonymous 1:1 calls. Commands
// on stdin: "n" skips to the next stranger, "q" leaves.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	petname "github.com/dustinkirkland/golang-petname"

	"github.com/richmal13/chatty-pals-roulette/internal/config"
	"github.com/richmal13/chatty-pals-roulette/internal/heartbeat"
	"github.com/richmal13/chatty-pals-roulette/internal/presence"
	"github.com/richmal13/chatty-pals-roulette/internal/presence/presenced"
	"github.com/richmal13/chatty-pals-roulette/internal/session"
	"github.com/richmal13/chatty-pals-roulette/internal/util"
)

var (
	configPath = flag.String("config", "roulette.json", "config file path (created with defaults if absent)")
	name       = flag.String("name", "", "identity override (default: from config, else a random petname)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("MAIN: config: %v", err)
	}

	selfID := cfg.Identity.Name
	if *name != "" {
		selfID = *name
	}
	if selfID == "" {
		selfID = petname.Generate(2, "-")
	}
	selfID, err = util.ValidateIdentity(selfID)
	if err != nil {
		log.Fatalf("MAIN: identity: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Presence)
	if err != nil {
		log.Fatalf("MAIN: presence store: %v", err)
	}
	defer store.Close()

	interval := time.Duration(cfg.Presence.HeartbeatSec) * time.Second
	window := time.Duration(cfg.Presence.StalenessSec) * time.Second

	keeper := heartbeat.New(store, selfID, interval, window)
	if err := keeper.Start(ctx); err != nil {
		log.Fatalf("MAIN: heartbeat: %v", err)
	}

	sess := session.New(store, selfID, session.Options{
		Window:    window,
		Transport: session.PionFactory(session.WebRTCConfig{STUNServers: cfg.Media.STUNServers}),
	})
	sess.OnSearching(func() {
		log.Printf("MAIN: searching for a stranger...")
	})
	sess.OnConnected(func(tr session.Track) {
		log.Printf("MAIN: connected, receiving %s track %s", tr.Kind, tr.ID)
	})
	sess.OnError(func(kind session.ErrKind) {
		log.Printf("MAIN: session error: %s", kind)
	})

	log.Printf("MAIN: joining as %q", selfID)
	if err := sess.EnterPool(ctx); err != nil {
		log.Fatalf("MAIN: enter pool: %v", err)
	}

	go readCommands(ctx, sess, stop)

	<-ctx.Done()

	// The session deletes the own row on its way out so the partner
	// sees the departure immediately instead of waiting out the
	// staleness window. Give it a moment to finish.
	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
	}
	log.Printf("MAIN: bye")
}

func openStore(ctx context.Context, cfg config.Presence) (presence.Store, error) {
	if cfg.ServerURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, err := presenced.Dial(dialCtx, cfg.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.ServerURL, err)
		}
		log.Printf("MAIN: using presence server %s", cfg.ServerURL)
		return c, nil
	}
	s, err := presence.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	log.Printf("MAIN: using local presence db %s", cfg.DBPath)
	return s, nil
}

func readCommands(ctx context.Context, sess *session.Session, stop func()) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		switch strings.TrimSpace(sc.Text()) {
		case "n", "next":
			if err := sess.Next(ctx); err != nil {
				log.Printf("MAIN: next: %v", err)
			}
		case "a", "audio":
			sess.ToggleAudio()
		case "v", "video":
			sess.ToggleVideo()
		case "q", "quit":
			stop()
			return
		case "":
		default:
			fmt.Fprintln(os.Stderr, "commands: n(ext), a(udio), v(ideo), q(uit)")
		}
	}
}
