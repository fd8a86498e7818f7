package server

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"conference-backend/internal/ai"
	"conference-backend/internal/auth"
	"conference-backend/internal/cache"
	"conference-backend/internal/config"
	"conference-backend/internal/engagement"
	"conference-backend/internal/handler"
)

// Server Fiber server wrapper
type Server struct {
	app            *fiber.App
	cfg            *config.Config
	db             *gorm.DB
	redis          *cache.RedisClient
	hub            *handler.RoomHub
	authHandler    *handler.AuthHandler
	userHandler    *handler.UserHandler
	meetingHandler *handler.MeetingHandler
	meetingWS      *handler.MeetingWSHandler
	healthHandler  *handler.HealthHandler
	jwtManager     *auth.JWTManager
}

// New wires every component and returns a ready-to-start server.
// redisClient may be nil; transcripts and engagement then degrade to no-ops.
func New(cfg *config.Config, db *gorm.DB, redisClient *cache.RedisClient) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Conference Backend",
		ServerHeader:          "Fiber",
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		Prefork:               false, // incompatible with websocket state
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		BodyLimit:             10 * 1024 * 1024,
		DisableStartupMessage: false,
	})

	jwtManager := auth.NewJWTManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)
	joinTokens := auth.NewJoinTokenManager(cfg.Auth.JWTSecret, cfg.Auth.JoinTokenExpiry)
	googleAuth := auth.NewGoogleAuthenticator(cfg.Auth.GoogleClientID)

	hub := handler.NewRoomHub()
	store := handler.NewGormMeetingStore(db)

	var engagementStore engagement.Store
	if redisClient != nil {
		engagementStore = redisClient
	}
	aggregator := engagement.NewAggregator(engagementStore)

	var aiClient *ai.Client
	if cfg.AI.Enabled {
		aiClient = ai.NewClient(&cfg.AI)
		log.Printf("✅ AI summary client initialized (model: %s)", cfg.AI.Model)
	} else {
		log.Println("ℹ️ AI summary not configured (meeting summaries disabled)")
	}
	summaries := handler.NewSummaryService(store, redisClient, aiClient)

	return &Server{
		app:            app,
		cfg:            cfg,
		db:             db,
		redis:          redisClient,
		hub:            hub,
		authHandler:    handler.NewAuthHandler(db, jwtManager, googleAuth, cfg.Auth.SecureCookie),
		userHandler:    handler.NewUserHandler(db),
		meetingHandler: handler.NewMeetingHandler(db, joinTokens, hub, store, summaries),
		meetingWS:      handler.NewMeetingWSHandler(hub, handler.NewGatekeeper(store, joinTokens), store, aggregator, redisClient, summaries),
		healthHandler:  handler.NewHealthHandler(db, redisClient),
		jwtManager:     jwtManager,
	}
}

// SetupMiddleware installs the global middleware chain
func (s *Server) SetupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))
}

// SetupRoutes registers HTTP and websocket routes
func (s *Server) SetupRoutes() {
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/health/live", s.healthHandler.Liveness)
	s.app.Get("/health/ready", s.healthHandler.Readiness)

	// brute-force protection on credential endpoints
	authLimiter := limiter.New(limiter.Config{
		Max:        10,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	authGroup := s.app.Group("/auth")
	authGroup.Post("/google", authLimiter, s.authHandler.GoogleLogin)
	authGroup.Post("/refresh", authLimiter, s.authHandler.RefreshToken)
	authGroup.Post("/logout", auth.AuthMiddleware(s.jwtManager), s.authHandler.Logout)
	authGroup.Get("/me", auth.AuthMiddleware(s.jwtManager), s.authHandler.GetMe)
	authGroup.Put("/me", auth.AuthMiddleware(s.jwtManager), s.userHandler.UpdateMe)

	userGroup := s.app.Group("/api/users", auth.AuthMiddleware(s.jwtManager))
	userGroup.Get("/search", s.userHandler.SearchUsers)

	meetingGroup := s.app.Group("/api/meetings")
	meetingGroup.Post("/", auth.AuthMiddleware(s.jwtManager), s.meetingHandler.CreateMeeting)
	meetingGroup.Get("/:code", s.meetingHandler.GetMeeting)
	meetingGroup.Post("/:code/join", authLimiter, auth.OptionalAuthMiddleware(s.jwtManager), s.meetingHandler.JoinMeeting)
	meetingGroup.Post("/:code/lock", auth.AuthMiddleware(s.jwtManager), s.meetingHandler.SetLock(true))
	meetingGroup.Post("/:code/unlock", auth.AuthMiddleware(s.jwtManager), s.meetingHandler.SetLock(false))
	meetingGroup.Post("/:code/end", auth.AuthMiddleware(s.jwtManager), s.meetingHandler.EndMeeting)
	meetingGroup.Get("/:code/summary", s.meetingHandler.GetSummary)

	// websocket upgrade guard: authenticate opportunistically, fall back
	// to a guest identity, and mint the connection id
	s.app.Get("/ws/meeting", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		token := c.Cookies("access_token")
		if token == "" {
			token = c.Query("token")
		}

		var identity auth.Identity
		authenticated := false
		if token != "" {
			if claims, err := s.jwtManager.ValidateAccessToken(token); err == nil {
				identity = auth.NewAccountIdentity(claims.UserID, claims.Nickname)
				authenticated = true
			}
		}
		if !authenticated {
			identity = auth.NewGuestIdentity(c.Query("displayName"))
		}

		c.Locals("identity", identity)
		c.Locals("connectionID", uuid.NewString())

		return c.Next()
	}, websocket.New(s.meetingWS.HandleWebSocket, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))
}

// Start runs the server until SIGINT/SIGTERM
func (s *Server) Start() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("🛑 Shutting down server...")
		s.hub.ClearAll()
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Fatalf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Conference backend starting on %s", s.cfg.Server.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost%s/ws/meeting", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown stops accepting connections and drains in-flight requests
func (s *Server) Shutdown() error {
	s.hub.ClearAll()
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
