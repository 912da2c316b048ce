package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lexassist/chat-client/internal/archive"
	"github.com/lexassist/chat-client/internal/chat"
	"github.com/lexassist/chat-client/internal/messaging"
	"github.com/lexassist/chat-client/internal/metrics"
	"github.com/lexassist/chat-client/internal/ratelimit"
	"github.com/lexassist/chat-client/internal/session"
	"github.com/lexassist/chat-client/internal/ws"
)

// preloadLimit is the number of archived messages rendered per conversation
// before the live history arrives.
const preloadLimit = 200

func main() {
	config := chat.DefaultCoordinatorConfig()

	if v := os.Getenv("CHAT_URL"); v != "" {
		config.Manager.URL = v
	}
	if v := os.Getenv("MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Manager.MaxReconnectAttempts = n
		}
	}
	durationEnv("RECONNECT_BASE_DELAY", &config.Manager.ReconnectBaseDelay)
	durationEnv("CONNECT_TIMEOUT", &config.Manager.ConnectTimeout)
	durationEnv("PING_INTERVAL", &config.Manager.PingInterval)
	durationEnv("SUBSCRIBE_TIMEOUT", &config.SubscribeTimeout)
	durationEnv("SEND_TIMEOUT", &config.SendTimeout)
	if v := os.Getenv("OPTIMISTIC_ECHO"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.OptimisticEcho = b
		}
	}
	config.Token = os.Getenv("CHAT_TOKEN")

	userID := os.Getenv("CHAT_USER")
	if userID == "" {
		userID = "local"
	}
	var conversations []string
	for _, id := range strings.Split(os.Getenv("CHAT_CONVERSATIONS"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			conversations = append(conversations, id)
		}
	}
	metricsAddr := ":9090"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Redis (session token + send throttle) ---
	var sessionStore *session.Store
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		store, err := session.NewStore(redisAddr, userID)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		sessionStore = store
		if token, err := store.Token(ctx); err != nil {
			log.Printf("[session] read token: %v", err)
		} else if token != "" {
			config.Token = token
		}
		config.Limiter = ratelimit.NewLimiter(store.Client()).Throttle(userID, ratelimit.RuleSend)
	}

	// --- NATS ---
	var (
		natsClient *messaging.NATSClient
		bridge     *messaging.Bridge
	)
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = natsURL
		client, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		natsClient = client
	}

	// Declare coordinator early so closures can capture it.
	var coordinator *chat.Coordinator

	onError := func(err error) {
		if bridge != nil {
			bridge.PublishError(err)
		}
	}
	coordinator = chat.NewCoordinator(config, onError)

	if natsClient != nil {
		bridge = messaging.NewBridge(natsClient, coordinator)
		coordinator.Observe(bridge.PublishUpdate)
		if err := bridge.Listen(natsClient); err != nil {
			log.Fatalf("failed to listen for commands: %v", err)
		}
	}

	// --- PostgreSQL archive ---
	var (
		archiveStore *archive.Store
		recorderDone = make(chan struct{})
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		if err := archive.Migrate(dsn); err != nil {
			log.Fatalf("failed to migrate archive: %v", err)
		}
		store, err := archive.Open(ctx, dsn)
		if err != nil {
			log.Fatalf("failed to open archive: %v", err)
		}
		archiveStore = store

		for _, id := range conversations {
			msgs, err := store.Messages(ctx, id, preloadLimit)
			if err != nil {
				log.Printf("[archive] preload chat=%s: %v", id, err)
				continue
			}
			coordinator.Preload(id, msgs)
		}

		recorder := archive.NewRecorder(store, 256)
		coordinator.Observe(recorder.Observe)
		go func() {
			recorder.Run(ctx)
			close(recorderDone)
		}()
	} else {
		close(recorderDone)
	}

	// Subscribe the configured conversations every time a connection opens.
	// A reconnect of the same manager re-sends its own subscriptions, and the
	// coordinator drops duplicate requests, so this only fills gaps.
	coordinator.Observe(func(u chat.Update) {
		if u.Kind != chat.UpdateStatus || u.Status != ws.StateConnected {
			return
		}
		go func() {
			for _, id := range conversations {
				if err := coordinator.SubscribeToChat(id); err != nil {
					log.Printf("[chat] subscribe chat=%s: %v", id, err)
				}
			}
		}()
	})

	// --- Metrics ---
	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           http.HandlerFunc(metricsOnly),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server error: %v", err)
		}
	}()

	log.Printf("Chat client starting")
	log.Printf("  chat_url:          %s", config.Manager.URL)
	log.Printf("  user:              %s", userID)
	log.Printf("  conversations:     %v", conversations)
	log.Printf("  connect_timeout:   %s", config.Manager.ConnectTimeout)
	log.Printf("  reconnect_delay:   %s", config.Manager.ReconnectBaseDelay)
	log.Printf("  max_reconnects:    %d", config.Manager.MaxReconnectAttempts)
	log.Printf("  optimistic_echo:   %v", config.OptimisticEcho)
	log.Printf("  metrics_addr:      %s", metricsAddr)
	log.Printf("  redis:             %v", sessionStore != nil)
	log.Printf("  nats:              %v", natsClient != nil)
	log.Printf("  archive:           %v", archiveStore != nil)

	if sessionStore != nil {
		go func() {
			err := sessionStore.Watch(ctx, func(token string) {
				log.Printf("[session] token rotated for user=%s", userID)
				if err := coordinator.SetCredential(ctx, token); err != nil {
					log.Printf("[session] apply rotated token: %v", err)
				}
			})
			if err != nil {
				log.Printf("[session] watch stopped: %v", err)
			}
		}()
	}

	if config.Token == "" {
		log.Printf("[chat] no session token yet, waiting for one to be issued")
	} else if err := coordinator.Connect(ctx); err != nil {
		log.Printf("[chat] initial connect failed: %v", err)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, initiating graceful shutdown...", sig)

	coordinator.Disconnect()
	cancel()
	<-recorderDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics shutdown error: %v", err)
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if archiveStore != nil {
		if err := archiveStore.Close(); err != nil {
			log.Printf("archive close error: %v", err)
		}
	}
	if sessionStore != nil {
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
	}
}

func metricsOnly(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/metrics" {
		http.NotFound(w, r)
		return
	}
	metrics.Handler().ServeHTTP(w, r)
}

func durationEnv(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
