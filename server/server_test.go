package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Finitoshi/telegram-bot/core"
	"github.com/Finitoshi/telegram-bot/lib/sl"
)

type recorder struct {
	mu      sync.Mutex
	updates []tgbotapi.Update
}

func (r *recorder) HandleUpdate(_ context.Context, u tgbotapi.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func testServer(secret string) (*Server, *recorder) {
	gin.SetMode(gin.TestMode)
	conf := &core.Config{TelegramApiKey: "123:abc"}
	conf.Listen.Addr = ":0"
	conf.Listen.SecretToken = secret
	rec := &recorder{}
	return New(conf, rec, sl.Discard()), rec
}

const updateBody = `{"update_id":10,"message":{"message_id":1,"text":"/connect abc","chat":{"id":42,"type":"private"}}}`

func post(s *Server, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/123:abc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestWebhookAcknowledgesAndDispatches(t *testing.T) {
	s, rec := testServer("")

	w := post(s, updateBody, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, int64(42), rec.updates[0].Message.Chat.ID)
	assert.Equal(t, "/connect abc", rec.updates[0].Message.Text)
}

// gated blocks every update of chat 42 until release is closed
type gated struct {
	recorder
	release chan struct{}
}

func (g *gated) HandleUpdate(ctx context.Context, u tgbotapi.Update) {
	if u.Message.Chat.ID == 42 {
		<-g.release
	}
	g.recorder.HandleUpdate(ctx, u)
}

func (g *gated) texts(chatId int64) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, u := range g.updates {
		if u.Message.Chat.ID == chatId {
			out = append(out, u.Message.Text)
		}
	}
	return out
}

func message(chatId int64, text string) string {
	return fmt.Sprintf(`{"update_id":1,"message":{"message_id":1,"text":%q,"chat":{"id":%d,"type":"private"}}}`, text, chatId)
}

func TestWebhookKeepsChatOrder(t *testing.T) {
	gin.SetMode(gin.TestMode)
	conf := &core.Config{TelegramApiKey: "123:abc"}
	g := &gated{release: make(chan struct{})}
	s := New(conf, g, sl.Discard())

	for i := 1; i <= 5; i++ {
		post(s, message(42, fmt.Sprintf("m%d", i)), nil)
	}
	post(s, message(7, "other chat"), nil)

	// a busy chat does not hold up the others
	require.Eventually(t, func() bool { return len(g.texts(7)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, g.texts(42))

	close(g.release)
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, g.texts(42))
}

func TestWebhookAcknowledgesGarbage(t *testing.T) {
	s, rec := testServer("")

	w := post(s, "{not json", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Zero(t, rec.count())
}

func TestWebhookSecret(t *testing.T) {
	s, rec := testServer("s3cret")

	w := post(s, updateBody, map[string]string{secretHeader: "wrong"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = post(s, updateBody, map[string]string{secretHeader: "s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, 1, rec.count())
}

func TestWebhookWrongPath(t *testing.T) {
	s, _ := testServer("")
	req := httptest.NewRequest(http.MethodPost, "/webhook/other", strings.NewReader(updateBody))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := testServer("")

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
