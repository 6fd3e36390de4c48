// Command sessionclient logs in to the session service and keeps the
// realtime session channel open from a terminal. Each line typed counts as
// user activity; "status", "logout" and "quit" are commands.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"session-service/internal/client"
	"session-service/internal/config"
	"session-service/internal/models"
	redisrepo "session-service/internal/repository/redis"
	"session-service/internal/sessionclient"
	"session-service/internal/util"
)

func main() {
	email := flag.String("email", os.Getenv("SESSION_CLIENT_EMAIL"), "account email")
	password := flag.String("password", os.Getenv("SESSION_CLIENT_PASSWORD"), "account password")
	rememberMe := flag.Bool("remember-me", false, "request a long-lived session")
	flag.Parse()

	cfg := config.LoadConfig()
	logger := util.Init(util.LogOptions{
		Environment: cfg.Environment,
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
	})
	defer util.Sync()

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: sessionclient -email you@example.com -password ... (or SESSION_CLIENT_EMAIL / SESSION_CLIENT_PASSWORD)")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clientCfg := cfg.Client
	lines := sessionclient.NewLineSource()
	storage := sessionclient.NewMemoryStorage()
	notifier := sessionclient.NewNotifier(sessionclient.NewWriterPlatform(os.Stderr), logger)

	// login first so sibling sync can be keyed by the user id
	bootstrap := sessionclient.NewManager(managerConfig(clientCfg), sessionclient.ManagerDeps{Storage: storage}, logger)
	user, err := bootstrap.Login(ctx, *email, *password, *rememberMe)
	if err != nil {
		util.Fatal("Login failed", util.ErrorField(err))
	}

	var cross *sessionclient.CrossContext
	if clientCfg.CrossContext == "redis" && user != nil {
		rc, err := client.NewRedisClient(cfg, logger)
		if err != nil {
			logger.Warn("Cross-context sync disabled", zap.Error(err))
		} else {
			defer rc.Close()
			cross = sessionclient.NewCrossContext(redisrepo.NewPubSub(rc, "session-sync:"+user.ID, logger), logger)
		}
	}

	manager := sessionclient.NewManager(managerConfig(clientCfg), sessionclient.ManagerDeps{
		Dialer:   sessionclient.NewWebsocketDialer(),
		Storage:  storage,
		Cross:    cross,
		Notifier: notifier,
		Sources:  []sessionclient.SignalSource{lines},
		Redirect: func(reason string) {
			fmt.Fprintf(os.Stderr, "Session ended (%s). Please log in again at %s%s\n",
				reason, strings.TrimRight(clientCfg.BaseURL, "/"), clientCfg.LoginPath)
			cancel()
		},
	}, logger)

	manager.Channel().AddListener(models.SessionUpdate, func(models.SessionEvent) {
		if sess := storage.Session(); sess != nil {
			fmt.Printf("session %s active until %s\n", sess.SessionID, sess.ExpiresAt.Local().Format("15:04:05"))
		}
	})

	if err := manager.Start(ctx); err != nil {
		logger.Warn("Session channel not connected yet, retrying in background", zap.Error(err))
	}
	defer manager.Stop()

	go readCommands(ctx, manager, lines, cancel)

	<-ctx.Done()
}

func managerConfig(c config.ClientConfig) sessionclient.ManagerConfig {
	return sessionclient.ManagerConfig{
		BaseURL: c.BaseURL,
		Channel: sessionclient.ChannelConfig{
			URL:            c.RealtimeURL,
			BaseDelay:      c.ReconnectBaseDelay,
			MaxAttempts:    c.ReconnectAttempts,
			PingInterval:   c.PingInterval,
			StatusInterval: c.StatusInterval,
		},
		Activity: sessionclient.ActivityConfig{
			InactiveAfter:  c.InactivityAfter,
			CheckInterval:  c.InactivityCheck,
			ReportInterval: c.ActivityReport,
			Page:           "terminal",
		},
	}
}

func readCommands(ctx context.Context, m *sessionclient.Manager, lines *sessionclient.LineSource, quit func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "status":
			m.Channel().RequestSessionStatus()
		case "logout":
			if err := m.Logout(ctx); err != nil {
				util.Warn("Logout request failed", util.ErrorField(err))
			}
			return
		case "quit":
			quit()
			return
		}
		lines.Emit(sessionclient.SignalKeyboard)
	}
	quit()
}
