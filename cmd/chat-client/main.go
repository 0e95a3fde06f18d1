package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/omochice/dispatch-chat/internal/chat"
	"github.com/omochice/dispatch-chat/internal/client"
	"github.com/omochice/dispatch-chat/internal/config"
	"github.com/omochice/dispatch-chat/internal/logging"
	"github.com/omochice/dispatch-chat/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	userID := flag.Int64("user", 0, "Sign in as this user id before connecting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.IsDevelopment())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	socketURL, err := cfg.SocketURL()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid API_BASE_URL")
	}

	identity := session.NewFileIdentity(cfg.SessionFile, logger)
	if *userID != 0 {
		if err := identity.Save(session.User{ID: session.UserID(*userID)}); err != nil {
			logger.Fatal().Err(err).Msg("failed to sign in")
		}
	}
	if _, ok := identity.CurrentUserID(); !ok {
		logger.Fatal().Str("session", identity.Path()).Msg("no signed-in user. Use -user flag")
	}

	m := client.NewManager(socketURL, cfg.ClientOptions(), logger)

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newRouter(m),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	term := newTerminal(os.Stdout)
	events := client.NewEventManager(m.Connect(), logger)
	svc := chat.NewService(events, chat.NewStore(), identity, term, logger)
	unbind := svc.Bind()
	term.attach(svc, events.Listeners, identity)
	unwatch := svc.WatchConnection(m)
	unstatus := m.OnStatusChange(func(s client.Status) {
		logger.Info().Stringer("status", s).Int("attempts", m.Attempts()).Msg("connection status")
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Error().Err(err).Msg("error reading input")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	fmt.Fprintln(os.Stdout, "Type /help for commands")
loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if err := term.run(line, m); err != nil {
				if errors.Is(err, errQuit) {
					break loop
				}
				fmt.Fprintf(os.Stdout, "error: %v\n", err)
			}
		case <-quit:
			break loop
		}
	}

	term.close()
	term.detach()
	unstatus()
	unwatch()
	unbind()
	events.Cleanup()
	m.Disconnect()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("metrics server forced to shutdown")
		}
	}
	logger.Info().Msg("disconnected from server")
}

// newRouter serves the prometheus metrics and a health check reporting the
// connection status.
func newRouter(m *client.Manager) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if !m.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintln(w, m.Status())
	})
	return r
}
