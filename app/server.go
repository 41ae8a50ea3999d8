package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"story-editor/pkg/auth"
	"story-editor/pkg/config"
	"story-editor/pkg/db"
	"story-editor/pkg/handlers"
	"story-editor/pkg/room"
)

// Server represents the application server
type Server struct {
	router      *mux.Router
	roomManager *room.RoomManager
	handlers    *handlers.Handlers
	storyStore  db.IStoryStore
	config      *config.Config
	logger      zerolog.Logger
	httpServer  *http.Server
}

// OpenStore opens the story store selected by cfg.DBDriver.
func OpenStore(cfg *config.Config) (db.IStoryStore, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		return db.NewSQLiteStoryStore(cfg.GetDatabaseConnectionString())
	case config.DriverPostgres:
		return db.NewPostgresStoryStore(cfg.GetDatabaseConnectionString())
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.DBDriver)
}

// NewServer opens the configured store and builds a server around it.
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	store, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info().Str("driver", cfg.DBDriver).Msg("story store ready")
	return NewServerWithStore(store, cfg, logger), nil
}

// NewServerWithStore builds a server on an already opened store. The
// server owns the store and closes it in Close.
func NewServerWithStore(store db.IStoryStore, cfg *config.Config, logger zerolog.Logger) *Server {
	roomManager := room.NewRoomManager(store, logger.With().Str("component", "room").Logger())
	secret := []byte(cfg.JWTSecret)
	h := handlers.NewHandlers(roomManager, secret, logger.With().Str("component", "handlers").Logger())
	editorOnly := auth.Middleware(secret)

	r := mux.NewRouter()

	// Story events for connected editors
	r.HandleFunc("/ws/stories/{id}", h.HandleWebSocket)

	r.HandleFunc("/api/stories", h.ListStories).Methods("GET")
	r.HandleFunc("/api/stories/{id}", h.GetStory).Methods("GET")
	r.Handle("/api/stories/{id}", editorOnly(http.HandlerFunc(h.UpdateStory))).Methods("PUT")
	r.Handle("/api/stories/{id}", editorOnly(http.HandlerFunc(h.DeleteStory))).Methods("DELETE")
	r.Handle("/api/stories/{id}/publish", editorOnly(http.HandlerFunc(h.ChangePublicationStatus))).Methods("PUT")
	r.HandleFunc("/api/stories/{id}/commits", h.ListCommits).Methods("GET")
	r.HandleFunc("/api/stories/{id}/editors", h.GetRoomEditors).Methods("GET")
	r.HandleFunc("/api/story_url_fragment/{fragment}", h.StoryURLFragmentExists).Methods("GET")

	r.Handle("/api/topics", editorOnly(http.HandlerFunc(h.CreateTopic))).Methods("POST")
	r.Handle("/api/topics/{topicId}/stories", editorOnly(http.HandlerFunc(h.CreateStory))).Methods("POST")

	r.HandleFunc("/api/learners/{learnerId}/stories", h.LearnerStories).Methods("GET")
	r.HandleFunc("/api/learners/{learnerId}/stories/{id}/nodes/{nodeId}/complete", h.CompleteNode).Methods("POST")

	r.Use(requestLogger(logger))

	return &Server{
		router:      r,
		roomManager: roomManager,
		handlers:    h,
		storyStore:  store,
		config:      cfg,
		logger:      logger,
	}
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.router)
}

// Start starts the server and blocks until it stops. It returns nil after
// a Shutdown.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.config.GetServerAddr()
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("starting story editor server")

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.roomManager.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Close closes the database connection
func (s *Server) Close() error {
	s.roomManager.Close()
	return s.storyStore.Close()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func requestLogger(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

// corsMiddleware answers preflight requests before mux does method
// matching, which would otherwise return 405.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		w.Header().Set("Access-Control-Max-Age", "600")
		w.Header().Add("Vary", "Origin")
		w.Header().Add("Vary", "Access-Control-Request-Headers")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
