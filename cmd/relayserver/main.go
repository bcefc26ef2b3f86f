package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/relay/chat-relay/internal/admin"
	"github.com/relay/chat-relay/internal/channel"
	"github.com/relay/chat-relay/internal/flagstore"
	"github.com/relay/chat-relay/internal/message"
	"github.com/relay/chat-relay/internal/messaging"
	"github.com/relay/chat-relay/internal/metrics"
	"github.com/relay/chat-relay/internal/moderation"
	"github.com/relay/chat-relay/internal/presence"
	"github.com/relay/chat-relay/internal/protocol"
	"github.com/relay/chat-relay/internal/ratelimit"
	"github.com/relay/chat-relay/internal/restrict"
	"github.com/relay/chat-relay/internal/review"
	"github.com/relay/chat-relay/internal/rooms"
	"github.com/relay/chat-relay/internal/session"
	"github.com/relay/chat-relay/internal/ws"
)

// reportReasons is the closed set of reasons a user report may carry.
var reportReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"severe":     true,
	"other":      true,
}

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

	adminAddr := ":8081"
	if v := os.Getenv("ADMIN_ADDR"); v != "" {
		adminAddr = v
	}
	adminToken := os.Getenv("ADMIN_TOKEN")

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "relay-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- PostgreSQL ---
	databaseURL := "postgres://localhost:5432/relay?sslmode=disable"
	if v := os.Getenv("DATABASE_URL"); v != "" {
		databaseURL = v
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	pingCancel()

	migrationsPath := "migrations"
	if v := os.Getenv("MIGRATIONS_PATH"); v != "" {
		migrationsPath = v
	}
	if err := runMigrations(db, migrationsPath); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// --- Domain wiring ---
	window := ratelimit.DefaultWindow
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			window.Limit = n
		}
	}
	if v := os.Getenv("RATE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			window.Length = d
		}
	}
	limiter := ratelimit.NewRedisLimiter(sessionStore.Client(), window)

	cases := flagstore.NewStore(db)
	engine := moderation.NewEngine(limiter, cases, moderation.DefaultPolicy())
	channels := channel.NewStore(db)
	registry := rooms.NewRegistry(natsClient)
	tracker := presence.NewTracker(channels, registry)
	msgStore := message.NewSQLStore(db)
	lifecycle := message.NewLifecycle(msgStore, engine, channels, registry)
	restrictStore := restrict.NewStore(sessionStore.Client())
	workflow := review.NewWorkflow(cases, msgStore, restrictStore)

	log.Printf("chat relay starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  admin_addr:      %s", adminAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  rate_limit:      %d per %s", window.Limit, window.Length)
	log.Printf("  server_name:     %s", serverName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// join_room: enter a room, leaving the previous one
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinRoomMsg)
		if !ok {
			return
		}
		room := strings.TrimSpace(joinMsg.Room)
		if room == "" {
			sendError(conn, "invalid_room", "room is required")
			return
		}
		sid := conn.ID
		ctx := context.Background()

		// Replay the retained recent messages so the newcomer has context
		// before live traffic starts.
		for _, entry := range registry.Recent(room) {
			resp, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
				ID:        entry.MessageID,
				Content:   entry.Content,
				Sender:    entry.SenderID,
				Timestamp: entry.Ts,
			})
			if err == nil {
				_ = conn.WriteMessage(resp)
			}
		}

		registry.Join(sid, conn, room)
		count := tracker.Join(ctx, sid, room)
		if err := sessionStore.SetRoom(ctx, sid, room); err != nil {
			log.Printf("[join] session room update failed session=%s: %v", sid, err)
		}

		metrics.RoomOccupancy.WithLabelValues(room).Set(float64(count))
		metrics.ConnectionsTotal.Set(float64(server.Connections().Count()))
		log.Printf("join_room session=%s room=%s count=%d", sid, room, count)
	})

	// -----------------------------------------------------------------------
	// send_message: moderate, persist, fan out
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		sid := conn.ID
		ctx := context.Background()

		room, inRoom := registry.Room(sid)
		if !inRoom {
			sendError(conn, "not_in_room", "join a room before sending")
			return
		}

		var image *message.Attachment
		if sendMsg.Image != nil {
			image = &message.Attachment{
				URL:        sendMsg.Image.URL,
				Flagged:    sendMsg.Image.IsFlagged,
				FlagReason: sendMsg.Image.FlagReason,
			}
		}

		start := time.Now()
		_, verdict, err := lifecycle.Create(ctx, sid, room, sendMsg.Content, image)
		metrics.MessageLatency.Observe(time.Since(start).Seconds())

		if errors.Is(err, message.ErrBlocked) {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			metrics.VerdictsTotal.WithLabelValues(verdict.Reason).Inc()
			resp, _ := protocol.NewServerMessage(protocol.TypeMessageRejected, protocol.MessageRejectedMsg{
				Reason:    verdict.Reason,
				Severity:  verdict.Severity,
				Timestamp: time.Now().Unix(),
			})
			_ = conn.WriteMessage(resp)
			return
		}
		if err != nil {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			sendError(conn, "invalid_message", err.Error())
			return
		}

		if verdict.Content != sendMsg.Content {
			// Delivered with redactions; tell the sender what changed.
			metrics.MessagesTotal.WithLabelValues("filtered").Inc()
			metrics.VerdictsTotal.WithLabelValues(verdict.Reason).Inc()
			resp, _ := protocol.NewServerMessage(protocol.TypeMessageFiltered, protocol.MessageFilteredMsg{
				Original:  sendMsg.Content,
				Filtered:  verdict.Content,
				Reason:    verdict.Reason,
				Timestamp: time.Now().Unix(),
			})
			_ = conn.WriteMessage(resp)
			return
		}

		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
		if verdict.Flagged {
			metrics.VerdictsTotal.WithLabelValues(verdict.Reason).Inc()
		}
	})

	// -----------------------------------------------------------------------
	// edit_message: in-window owner edit with re-moderation
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeEditMessage, func(conn *ws.Connection, msg interface{}) {
		editMsg, ok := msg.(protocol.EditMessageMsg)
		if !ok {
			return
		}
		sid := conn.ID

		_, verdict, err := lifecycle.Edit(context.Background(), sid, editMsg.MessageID, editMsg.NewContent)
		if err != nil {
			reason := editErrorReason(err, verdict.Reason)
			resp, _ := protocol.NewServerMessage(protocol.TypeEditError, protocol.EditErrorMsg{
				Error:     reason,
				MessageID: editMsg.MessageID,
			})
			_ = conn.WriteMessage(resp)
			log.Printf("edit_message rejected session=%s message=%s: %v", sid, editMsg.MessageID, err)
			return
		}
		log.Printf("edit_message session=%s message=%s", sid, editMsg.MessageID)
	})

	// -----------------------------------------------------------------------
	// delete_message: in-window owner soft delete
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeDeleteMessage, func(conn *ws.Connection, msg interface{}) {
		delMsg, ok := msg.(protocol.DeleteMessageMsg)
		if !ok {
			return
		}
		sid := conn.ID

		if _, err := lifecycle.Delete(context.Background(), sid, delMsg.MessageID); err != nil {
			resp, _ := protocol.NewServerMessage(protocol.TypeDeleteError, protocol.DeleteErrorMsg{
				Error:     editErrorReason(err, ""),
				MessageID: delMsg.MessageID,
			})
			_ = conn.WriteMessage(resp)
			log.Printf("delete_message rejected session=%s message=%s: %v", sid, delMsg.MessageID, err)
			return
		}
		log.Printf("delete_message session=%s message=%s", sid, delMsg.MessageID)
	})

	// -----------------------------------------------------------------------
	// report_message: file a user report with a conversation snapshot
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeReportMessage, func(conn *ws.Connection, msg interface{}) {
		reportMsg, ok := msg.(protocol.ReportMessageMsg)
		if !ok {
			return
		}
		sid := conn.ID
		ctx := context.Background()

		if !reportReasons[reportMsg.Reason] {
			sendReportError(conn, "invalid report reason")
			return
		}

		reported, err := msgStore.Get(ctx, reportMsg.MessageID)
		if errors.Is(err, message.ErrNotFound) {
			sendReportError(conn, "message not found")
			return
		}
		if err != nil {
			log.Printf("report_message lookup failed session=%s: %v", sid, err)
			sendReportError(conn, "report could not be filed")
			return
		}
		if reported.SenderID == sid {
			sendReportError(conn, "cannot report your own message")
			return
		}

		var snapshot []flagstore.ContextMessage
		for _, entry := range registry.Recent(reported.Room) {
			snapshot = append(snapshot, flagstore.ContextMessage{
				Sender: entry.SenderID,
				Text:   entry.Content,
				Ts:     entry.Ts,
			})
		}

		c := &flagstore.Case{
			Source:          flagstore.SourceReport,
			OriginalContent: reported.Content,
			Severity:        flagstore.SeverityMedium,
			UserID:          reported.SenderID,
			ReporterID:      sid,
			Room:            reported.Room,
			MessageID:       reported.ID,
			Reason:          reportMsg.Reason,
			Context:         snapshot,
		}
		if err := cases.Record(ctx, c); err != nil {
			log.Printf("report_message record failed session=%s: %v", sid, err)
			sendReportError(conn, "report could not be filed")
			return
		}

		metrics.ReportsTotal.WithLabelValues(reportMsg.Reason).Inc()
		if notice, err := json.Marshal(map[string]string{
			"case_id": c.ID,
			"room":    c.Room,
			"reason":  c.Reason,
		}); err == nil {
			if err := natsClient.PublishCaseOpened(notice); err != nil {
				log.Printf("report_message case notice failed: %v", err)
			}
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeReportReceived, protocol.ReportReceivedMsg{
			MessageID: reportMsg.MessageID,
			Status:    "received",
			Timestamp: time.Now().Unix(),
		})
		_ = conn.WriteMessage(resp)
		log.Printf("report_message session=%s message=%s reason=%s case=%s",
			sid, reportMsg.MessageID, reportMsg.Reason, c.ID)
	})

	server = ws.NewServer(config, sessionStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Refuse admission for clients with an active fingerprint ban. A store
	// error fails open.
	server.SetAdmission(func(ctx context.Context, fingerprint string) (bool, int, string) {
		if fingerprint == "" {
			return false, 0, ""
		}
		banned, remaining, reason, err := restrictStore.IsBanned(ctx, fingerprint)
		if err != nil {
			log.Printf("[admission] ban check failed fingerprint=%s: %v", fingerprint, err)
			return false, 0, ""
		}
		return banned, remaining, reason
	})

	// Disconnects leave the room exactly once regardless of how the socket
	// died.
	server.SetOnDisconnect(func(connID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		registry.Leave(connID)
		room, count := tracker.Leave(ctx, connID)
		if room != "" {
			metrics.RoomOccupancy.WithLabelValues(room).Set(float64(count))
			log.Printf("disconnect session=%s left room=%s count=%d", connID, room, count)
		}
		metrics.ConnectionsTotal.Set(float64(server.Connections().Count()))
	})

	// Prune channels that have sat idle past the retention window.
	done := make(chan struct{})
	tracker.StartSweep(presence.DefaultSweepConfig(), done)

	// Admin API and Prometheus metrics on the internal listener.
	adminMux := http.NewServeMux()
	adminMux.Handle("/admin/", admin.NewServer(cases, workflow, adminToken).Routes())
	adminMux.Handle("/metrics", metrics.Handler())
	adminServer := &http.Server{Addr: adminAddr, Handler: adminMux}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("admin server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		close(done)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = adminServer.Shutdown(shutdownCtx)
		cancel()
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
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

// runMigrations applies pending schema migrations from the given directory.
func runMigrations(db *sql.DB, path string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	log.Printf("migrations up to date (path=%s)", path)
	return nil
}

// editErrorReason maps lifecycle errors to the short reasons sent to
// clients.
func editErrorReason(err error, verdictReason string) string {
	switch {
	case errors.Is(err, message.ErrNotFound):
		return "message not found"
	case errors.Is(err, message.ErrNotOwner):
		return "not your message"
	case errors.Is(err, message.ErrDeleted):
		return "message already deleted"
	case errors.Is(err, message.ErrWindowExpired):
		return "window exceeded"
	case errors.Is(err, message.ErrBlocked):
		if verdictReason != "" {
			return "blocked: " + verdictReason
		}
		return "blocked by moderation"
	default:
		return err.Error()
	}
}

func sendError(conn *ws.Connection, code, msg string) {
	resp, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: msg,
	})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(resp)
}

func sendReportError(conn *ws.Connection, msg string) {
	resp, err := protocol.NewServerMessage(protocol.TypeReportError, protocol.ReportErrorMsg{
		Message: msg,
	})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(resp)
}
