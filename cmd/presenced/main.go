// presenced hosts the shared presence table for roulette nodes: one
// websocket per node, server-pushed change events, and an operator
// /stats endpoint with the online count.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/richmal13/chatty-pals-roulette/internal/presence"
	"github.com/richmal13/chatty-pals-roulette/internal/presence/presenced"
)

var log = logging.Logger("presenced/main")

func main() {
	addr := flag.String("addr", "127.0.0.1:8787", "listen address")
	dbPath := flag.String("db", "", "SQLite path for persistence (empty = in-memory)")
	window := flag.Duration("staleness", 30*time.Second, "staleness window for /stats")
	flag.Parse()

	logging.SetAllLoggers(logging.LevelInfo)

	var store presence.Store
	if *dbPath != "" {
		s, err := presence.OpenSQLite(*dbPath)
		if err != nil {
			log.Fatalf("open %s: %v", *dbPath, err)
		}
		store = s
		log.Infof("presence table persisted at %s", *dbPath)
	} else {
		store = presence.NewMemStore()
		log.Info("presence table held in memory")
	}
	defer store.Close()

	srv := presenced.NewServer(store, *window)
	defer srv.Close()

	httpSrv := &http.Server{Addr: *addr, Handler: srv.Router()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Infof("listening on %s", *addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("serve: %v", err)
	}
	log.Info("shut down")
}
