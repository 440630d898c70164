package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Finitoshi/telegram-bot/core"
	"github.com/Finitoshi/telegram-bot/lib/sl"
)

const (
	secretHeader  = "X-Telegram-Bot-Api-Secret-Token"
	handleTimeout = 3 * time.Minute
)

type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update tgbotapi.Update)
}

// Server acknowledges every webhook call at once and processes the update in the background.
// Updates of one chat are handled one at a time in arrival order; different chats run concurrently.
type Server struct {
	conf     *core.Config
	handler  UpdateHandler
	router   *gin.Engine
	httpSrv  *http.Server
	inflight sync.WaitGroup
	mutex    sync.Mutex
	queues   map[int64][]tgbotapi.Update
	log      *slog.Logger
}

func New(conf *core.Config, handler UpdateHandler, log *slog.Logger) *Server {
	s := &Server{
		conf:    conf,
		handler: handler,
		queues:  make(map[int64][]tgbotapi.Update),
		log:     log.With(sl.Module("server")),
	}
	s.router = s.setupRouter()
	s.httpSrv = &http.Server{
		Addr:              conf.Listen.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	// bot tokens contain a colon, which gin would read as a wildcard
	router.POST("/webhook/:token", s.webhook)

	return router
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.log.With(slog.String("addr", s.conf.Listen.Addr)).Info("listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for updates still being handled
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("stopping http server: %w", err)
	}
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) webhook(c *gin.Context) {
	if !equal(c.Param("token"), s.conf.TelegramApiKey) {
		c.Status(http.StatusNotFound)
		return
	}
	if s.conf.Listen.SecretToken != "" {
		if !equal(c.GetHeader(secretHeader), s.conf.Listen.SecretToken) {
			s.log.With(slog.String("remote", c.ClientIP())).Warn("webhook secret mismatch")
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}
	}

	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		s.log.Error("decoding update", sl.Err(err))
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	s.dispatch(update)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// dispatch queues the update behind earlier ones of the same chat,
// starting a worker when the chat has none
func (s *Server) dispatch(update tgbotapi.Update) {
	chatId := chatOf(update)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	pending, running := s.queues[chatId]
	s.queues[chatId] = append(pending, update)
	if running {
		return
	}
	s.inflight.Add(1)
	go s.drain(chatId)
}

func (s *Server) drain(chatId int64) {
	defer s.inflight.Done()
	for {
		s.mutex.Lock()
		pending := s.queues[chatId]
		if len(pending) == 0 {
			delete(s.queues, chatId)
			s.mutex.Unlock()
			return
		}
		update := pending[0]
		s.queues[chatId] = pending[1:]
		s.mutex.Unlock()

		s.handle(update)
	}
}

func (s *Server) handle(update tgbotapi.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	s.handler.HandleUpdate(ctx, update)
}

func chatOf(update tgbotapi.Update) int64 {
	if update.Message != nil && update.Message.Chat != nil {
		return update.Message.Chat.ID
	}
	return 0
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
