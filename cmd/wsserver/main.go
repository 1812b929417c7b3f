package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/paychat/chat-app/internal/billing"
	"github.com/paychat/chat-app/internal/companion"
	"github.com/paychat/chat-app/internal/messaging"
	"github.com/paychat/chat-app/internal/presence"
	"github.com/paychat/chat-app/internal/protocol"
	"github.com/paychat/chat-app/internal/ratelimit"
	"github.com/paychat/chat-app/internal/relay"
	"github.com/paychat/chat-app/internal/session"
	"github.com/paychat/chat-app/internal/wallet"
	"github.com/paychat/chat-app/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	billingConfig := billing.DefaultConfig()
	if v := os.Getenv("BILLING_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			billingConfig.Rate = f
		}
	}
	if v := os.Getenv("BILLING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			billingConfig.Interval = d
		}
	}

	// --- PostgreSQL ---
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}

	migrationsPath := "db/migrations"
	if v := os.Getenv("MIGRATIONS_PATH"); v != "" {
		migrationsPath = v
	}
	if err := runMigrations(migrationsPath, databaseURL); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.Name = "paychat-wsserver"
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	log.Printf("Paychat WebSocket server starting")
	log.Printf("  listen_addr:      %s", config.ListenAddr)
	log.Printf("  worker_pool:      %d", config.WorkerPoolSize)
	log.Printf("  max_connections:  %d", config.MaxConnections)
	log.Printf("  read_timeout:     %s", config.ReadTimeout)
	log.Printf("  write_timeout:    %s", config.WriteTimeout)
	log.Printf("  billing_rate:     %g pts/tick", billingConfig.Rate)
	log.Printf("  billing_interval: %s", billingConfig.Interval)
	log.Printf("  nats_url:         %s", natsConfig.URL)
	log.Printf("  redis_addr:       %s", redisAddr)

	walletGateway := wallet.NewGateway(db)
	sessionStore := session.NewStore(db)
	messageStore := relay.NewMessageStore(db)
	profiles := companion.NewProfileStore(db)
	records := presence.NewRecordStore(redisClient)
	limiter := ratelimit.NewLimiter(redisClient)

	// Declare server early so closures can capture it.
	var server *ws.Server

	dispatcher := ws.NewMessageDispatcher(nil)
	server = ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	registry := presence.NewRegistry(server, records, profiles)
	engine := billing.NewEngine(billingConfig, walletGateway, sessionStore, registry)
	manager := session.NewManager(sessionStore, walletGateway, engine, registry)
	engine.SetEnder(manager)
	registry.SetSessionEnder(manager)

	relaySvc := relay.New(messageStore, sessionStore, walletGateway, manager,
		registry, profiles, natsClient, limiter)

	// requireUser resolves the authenticated user on a connection, rejecting
	// messages sent before authenticate.
	requireUser := func(conn *ws.Connection) (int64, bool) {
		uid := conn.UserID()
		if uid == 0 {
			resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "unauthenticated", Message: "authenticate first",
			})
			conn.WriteMessage(resp)
			return 0, false
		}
		return uid, true
	}

	// -----------------------------------------------------------------------
	// authenticate — bind the connection to a user id
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeAuthenticate, func(conn *ws.Connection, msg interface{}) {
		authMsg, ok := msg.(protocol.AuthenticateMsg)
		if !ok || authMsg.UserID <= 0 {
			resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "invalid_user", Message: "a positive user_id is required",
			})
			conn.WriteMessage(resp)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := registry.Authenticate(ctx, authMsg.UserID, conn); err != nil {
			log.Printf("authenticate user=%d: %v", authMsg.UserID, err)
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeAuthenticated, protocol.AuthenticatedMsg{
			UserID: authMsg.UserID,
		})
		conn.WriteMessage(resp)
		log.Printf("authenticate user=%d conn=%s", authMsg.UserID, conn.ID)
	})

	// -----------------------------------------------------------------------
	// initiate_chat — start (or resume) a billed session with a target user
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeInitiateChat, func(conn *ws.Connection, msg interface{}) {
		initMsg, ok := msg.(protocol.InitiateChatMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if allowed, _ := limiter.Allow(ctx, strconv.FormatInt(uid, 10), ratelimit.RuleInitiate); !allowed {
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleInitiate.Window.Seconds()),
			})
			conn.WriteMessage(resp)
			return
		}

		if initMsg.TargetUserID <= 0 || initMsg.TargetUserID == uid {
			resp, _ := protocol.NewServerMessage(protocol.TypeChatError, protocol.ChatErrorMsg{
				Message: "Invalid chat target",
			})
			conn.WriteMessage(resp)
			return
		}

		s, balance, err := manager.Initiate(ctx, uid, initMsg.TargetUserID)
		if errors.Is(err, session.ErrInsufficientBalance) {
			resp, _ := protocol.NewServerMessage(protocol.TypeChatError, protocol.ChatErrorMsg{
				Message: "Insufficient points to start chat",
			})
			conn.WriteMessage(resp)
			return
		}
		if err != nil {
			log.Printf("initiate_chat user=%d target=%d: %v", uid, initMsg.TargetUserID, err)
			resp, _ := protocol.NewServerMessage(protocol.TypeChatError, protocol.ChatErrorMsg{
				Message: "Failed to start chat",
			})
			conn.WriteMessage(resp)
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeChatStarted, protocol.ChatStartedMsg{
			SessionID:    s.ID,
			TargetUserID: initMsg.TargetUserID,
		})
		conn.WriteMessage(resp)
		registry.NotifyPointsUpdate(uid, balance)
		log.Printf("initiate_chat user=%d target=%d session=%d", uid, initMsg.TargetUserID, s.ID)
	})

	// -----------------------------------------------------------------------
	// send_message — relay a message within an active session
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := relaySvc.Send(ctx, uid, sendMsg); err != nil {
			log.Printf("send_message user=%d session=%d: %v", uid, sendMsg.SessionID, err)
		}
	})

	// -----------------------------------------------------------------------
	// typing / stop_typing — forward the indicator to the partner
	// -----------------------------------------------------------------------
	typingHandler := func(typing bool) ws.MessageHandler {
		return func(conn *ws.Connection, msg interface{}) {
			typingMsg, ok := msg.(protocol.TypingMsg)
			if !ok {
				return
			}
			uid, ok := requireUser(conn)
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			relaySvc.Typing(ctx, uid, typingMsg, typing)
		}
	}
	dispatcher.Register(protocol.TypeTyping, typingHandler(true))
	dispatcher.Register(protocol.TypeStopTyping, typingHandler(false))

	// -----------------------------------------------------------------------
	// end_chat — end an active session
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeEndChat, func(conn *ws.Connection, msg interface{}) {
		endMsg, ok := msg.(protocol.EndChatMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := manager.End(ctx, endMsg.SessionID, uid)
		switch {
		case errors.Is(err, session.ErrNotFound):
			resp, _ := protocol.NewServerMessage(protocol.TypeChatError, protocol.ChatErrorMsg{
				Message: "Chat session not found",
			})
			conn.WriteMessage(resp)
		case errors.Is(err, session.ErrUnauthorized):
			resp, _ := protocol.NewServerMessage(protocol.TypeChatError, protocol.ChatErrorMsg{
				Message: "Not a participant of this chat",
			})
			conn.WriteMessage(resp)
		case err != nil:
			log.Printf("end_chat user=%d session=%d: %v", uid, endMsg.SessionID, err)
		default:
			log.Printf("end_chat user=%d session=%d", uid, endMsg.SessionID)
		}
	})

	// Companion replies generated by the responder pool come back over NATS;
	// deliver the ones addressed to users connected here.
	if err := natsClient.SubscribeCompanionReplies(relaySvc.DeliverCompanionReply); err != nil {
		log.Fatalf("failed to subscribe to companion replies: %v", err)
	}

	// Disconnects cascade: presence record goes offline, the roster is
	// rebroadcast, and every active session of the user is ended.
	server.SetOnDisconnect(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		registry.Disconnect(ctx, conn)
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		engine.Shutdown()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// runMigrations applies pending migrations. A database already at the latest
// version is not an error.
func runMigrations(path, databaseURL string) error {
	m, err := migrate.New("file://"+path, databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
