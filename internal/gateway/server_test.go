package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nao1215/chatgate/internal/config"
	"github.com/nao1215/chatgate/pkg/broker"
	"github.com/nao1215/chatgate/pkg/event"
	"github.com/nao1215/chatgate/pkg/middleware"
	"github.com/nao1215/chatgate/pkg/token"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// testConfig はテスト用のゲートウェイ設定を返す。
// 協調サービスのURLはダミー値を設定する。
func testConfig() *config.Gateway {
	return &config.Gateway{
		Env:         "test",
		Port:        "0",
		AdminPort:   "0",
		JWTSecret:   testJWTSecret,
		PublicPaths: []string{"/auth/**", "/ws/**"},
		CORS: config.CORS{
			AllowedOrigins: []string{"https://chat.example.com"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         time.Hour,
		},
		WS: config.WebSocket{
			Path:             "/ws",
			MaxMessageBytes:  64 * 1024,
			MessageCacheSize: 100,
			DisconnectDelay:  time.Minute,
			WriteTimeout:     time.Second,
			RequireAuth:      true,
			FallbackEnabled:  true,
			PollTimeout:      100 * time.Millisecond,
		},
		Services: config.Services{
			Auth: "http://localhost:19001",
			Chat: "http://localhost:19002",
		},
		ShutdownTimeout: time.Second,
	}
}

// newTestServer はテスト用のGatewayサーバーを生成する。
func newTestServer(t *testing.T, cfg *config.Gateway) *Server {
	t.Helper()

	s, err := NewServer(cfg, nil, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("サーバーの生成に失敗: %v", err)
	}
	t.Cleanup(func() { s.Registry().CloseAll(broker.ReasonShutdown) })
	return s
}

// newTestServerWithBackend はモックバックエンドサービスを持つテスト用Gatewayサーバーを生成する。
// backendHandlerで指定したハンドラが認証サービスとチャットサービスの両方として応答する。
func newTestServerWithBackend(t *testing.T, backendHandler http.HandlerFunc) *Server {
	t.Helper()

	backend := httptest.NewServer(backendHandler)
	t.Cleanup(backend.Close)

	cfg := testConfig()
	cfg.Services.Auth = backend.URL
	cfg.Services.Chat = backend.URL
	return newTestServer(t, cfg)
}

// generateTestJWT はテスト用のJWTトークンを生成する。
func generateTestJWT(t *testing.T, userID string) string {
	t.Helper()

	claims := token.Claims{Email: userID + "@example.com"}
	claims.Subject = userID
	raw, err := token.Issue(testJWTSecret, claims, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("JWT生成に失敗: %v", err)
	}
	return raw
}

func TestAuthenticationGate(t *testing.T) {
	t.Parallel()

	t.Run("トークンなしで保護されたパスにアクセスすると401を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/chat/rooms", nil)
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if got := w.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
			t.Errorf("WWW-Authenticate: got %q", got)
		}
	})

	t.Run("改ざんされたトークンは401を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms", nil)
		req.Header.Set("Authorization", "Bearer "+generateTestJWT(t, "user-1")+"x")
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("発行者が異なるトークンは401を返す", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig()
		cfg.JWTIssuer = "chatgate-auth"
		s := newTestServer(t, cfg)

		claims := token.Claims{}
		claims.Subject = "user-1"
		claims.Issuer = "someone-else"
		forged, err := token.Issue(testJWTSecret, claims, time.Now(), time.Hour)
		if err != nil {
			t.Fatalf("JWT生成に失敗: %v", err)
		}

		for _, tc := range []struct {
			raw  string
			want int
		}{
			{forged, http.StatusUnauthorized},
			{generateTestJWT(t, "user-1"), http.StatusCreated},
		} {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, cfg.WS.Path+"/sessions", nil)
			req.Header.Set("Authorization", "Bearer "+tc.raw)
			s.Handler().ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("ステータスコード: got %d, want %d", w.Code, tc.want)
			}
		}
	})

	t.Run("WS_PATHを変更しても接続エンドポイントは認証不要のまま", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig()
		cfg.WS.Path = "/stream"
		cfg.PublicPaths = []string{"/auth/**"}
		s := newTestServer(t, cfg)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/stream/sessions", nil)
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusCreated {
			t.Errorf("ステータスコード: got %d, want %d, body: %s", w.Code, http.StatusCreated, w.Body.String())
		}

		w = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodGet, "/chat/rooms", nil)
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("保護されたパスのステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("正規化されていないパスは400を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
		req.URL.Path = "/auth/../chat/rooms"
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("許可されていないOriginは403を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("許可されたOriginのプリフライトは204を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodOptions, "/chat/rooms", nil)
		req.Header.Set("Origin", "https://chat.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNoContent)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://chat.example.com" {
			t.Errorf("Access-Control-Allow-Origin: got %q", got)
		}
	})
}

func TestHandleProxy(t *testing.T) {
	t.Parallel()

	t.Run("認証不要のパスはトークンなしでバックエンドに転送される", func(t *testing.T) {
		t.Parallel()

		var gotPath, gotQuery string
		s := newTestServerWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotQuery = r.URL.RawQuery
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"ok":true}`))
		})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/login?redirect=%2Fhome", nil)
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body: %s", w.Code, http.StatusOK, w.Body.String())
		}
		if gotPath != "/auth/login" {
			t.Errorf("転送先パス: got %q, want %q", gotPath, "/auth/login")
		}
		if gotQuery != "redirect=%2Fhome" {
			t.Errorf("クエリ: got %q", gotQuery)
		}
		if got := w.Header().Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type: got %q", got)
		}
	})

	t.Run("エンコードされたパスはエンコードしたまま転送される", func(t *testing.T) {
		t.Parallel()

		var gotURI, gotPath, gotQuery string
		s := newTestServerWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
			gotURI = r.RequestURI
			gotPath = r.URL.Path
			gotQuery = r.URL.RawQuery
			w.WriteHeader(http.StatusOK)
		})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/chat/files/report%3Fdraft.txt", nil)
		req.Header.Set("Authorization", "Bearer "+generateTestJWT(t, "user-1"))
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body: %s", w.Code, http.StatusOK, w.Body.String())
		}
		if gotURI != "/chat/files/report%3Fdraft.txt" {
			t.Errorf("転送先URI: got %q, want %q", gotURI, "/chat/files/report%3Fdraft.txt")
		}
		if gotPath != "/chat/files/report?draft.txt" {
			t.Errorf("転送先パス: got %q", gotPath)
		}
		if gotQuery != "" {
			t.Errorf("クエリが生じている: got %q", gotQuery)
		}
	})

	t.Run("認証済みリクエストは検証済みのユーザーIDを転送する", func(t *testing.T) {
		t.Parallel()

		var gotUserID, gotAuth string
		s := newTestServerWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
			gotUserID = r.Header.Get(middleware.HeaderUserID)
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusCreated)
		})

		raw := generateTestJWT(t, "user-42")
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/chat/rooms", strings.NewReader(`{"name":"general"}`))
		req.Header.Set("Authorization", "Bearer "+raw)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.HeaderUserID, "spoofed")
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
		}
		if gotUserID != "user-42" {
			t.Errorf("X-User-ID: got %q, want %q", gotUserID, "user-42")
		}
		if gotAuth != "Bearer "+raw {
			t.Errorf("Authorizationが転送されていない: got %q", gotAuth)
		}
	})

	t.Run("バックエンドに接続できない場合は502を返す", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.NotFoundHandler())
		backendURL := backend.URL
		backend.Close()

		cfg := testConfig()
		cfg.Services.Auth = backendURL
		s := newTestServer(t, cfg)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusBadGateway {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadGateway)
		}
	})

	t.Run("未定義のパスは認証後に404を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/unknown", nil)
		req.Header.Set("Authorization", "Bearer "+generateTestJWT(t, "user-1"))
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

func TestAdminRouter(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testConfig())

	t.Run("ヘルスチェックは200を返す", func(t *testing.T) {
		t.Parallel()

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		s.AdminHandler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if body["status"] != "ok" {
			t.Errorf("status: got %v, want ok", body["status"])
		}
	})

	t.Run("メトリクスを公開する", func(t *testing.T) {
		t.Parallel()

		// 認証失敗を1件発生させる
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chat/rooms", nil))

		w = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		s.AdminHandler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if !strings.Contains(w.Body.String(), "chatgate_auth_failures_total") {
			t.Errorf("chatgate_auth_failures_total が含まれていない")
		}
	})

	t.Run("公開ポートではメトリクスを公開しない", func(t *testing.T) {
		t.Parallel()

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		s.Handler().ServeHTTP(w, req)

		if w.Code == http.StatusOK {
			t.Errorf("公開ポートで /metrics が応答した")
		}
	})
}

// storeRecorder はメッセージ保存サービスへのリクエストを記録する。
type storeRecorder struct {
	mu       sync.Mutex
	messages []event.ChatMessage
	userIDs  []string
	received chan struct{}
}

func (r *storeRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	var msg event.ChatMessage
	if err := json.Unmarshal(body, &msg); err != nil || req.URL.Path != messageStorePath {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.userIDs = append(r.userIDs, req.Header.Get(middleware.HeaderUserID))
	r.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
	r.received <- struct{}{}
}

func TestChatRelay(t *testing.T) {
	t.Parallel()

	store := &storeRecorder{received: make(chan struct{}, 1)}
	storeServer := httptest.NewServer(store)
	t.Cleanup(storeServer.Close)

	cfg := testConfig()
	cfg.Services.MessageStore = storeServer.URL
	cfg.Services.MessageStoreTimeout = time.Second
	s := newTestServer(t, cfg)

	server := httptest.NewServer(s.Handler())
	t.Cleanup(server.Close)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	dial := func(userID string) *websocket.Conn {
		t.Helper()
		header := http.Header{}
		header.Set("Authorization", "Bearer "+generateTestJWT(t, userID))
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		if err != nil {
			t.Fatalf("WebSocket接続に失敗: %v", err)
		}
		resp.Body.Close()
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	read := func(conn *websocket.Conn) broker.Frame {
		t.Helper()
		if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatalf("期限の設定に失敗: %v", err)
		}
		var f broker.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("フレームの受信に失敗: %v", err)
		}
		return f
	}

	alice := dial("alice")
	bob := dial("bob")

	if err := bob.WriteJSON(broker.Frame{
		Command:     broker.CommandSubscribe,
		ID:          "sub-1",
		Destination: "/topic/rooms/general",
		Receipt:     "r-1",
	}); err != nil {
		t.Fatalf("SUBSCRIBEの送信に失敗: %v", err)
	}
	if f := read(bob); f.Command != broker.CommandReceipt {
		t.Fatalf("コマンド: got %s, want %s (%s)", f.Command, broker.CommandReceipt, f.Message)
	}

	if err := alice.WriteJSON(broker.Frame{
		Command:     broker.CommandSend,
		Destination: "/app/rooms/general",
		Payload:     json.RawMessage(`{"text":"hello"}`),
	}); err != nil {
		t.Fatalf("SENDの送信に失敗: %v", err)
	}

	t.Run("購読者にチャットメッセージが配信される", func(t *testing.T) {
		f := read(bob)
		if f.Command != broker.CommandMessage {
			t.Fatalf("コマンド: got %s, want %s", f.Command, broker.CommandMessage)
		}
		if f.Destination != "/topic/rooms/general" {
			t.Errorf("宛先: got %q", f.Destination)
		}
		var msg event.ChatMessage
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			t.Fatalf("ペイロードのパースに失敗: %v", err)
		}
		if msg.Sender != "alice" || msg.Room != "general" || msg.Type != event.TypeMessageSent {
			t.Errorf("メッセージ: got %+v", msg)
		}
		text, err := event.DecodeData[event.TextPayload](&msg)
		if err != nil {
			t.Fatalf("本文のデコードに失敗: %v", err)
		}
		if text.Text != "hello" {
			t.Errorf("本文: got %q, want %q", text.Text, "hello")
		}
	})

	t.Run("メッセージ保存サービスに送信者付きで保存される", func(t *testing.T) {
		select {
		case <-store.received:
		case <-time.After(2 * time.Second):
			t.Fatal("メッセージ保存サービスにリクエストが届かない")
		}
		store.mu.Lock()
		defer store.mu.Unlock()
		if len(store.messages) != 1 {
			t.Fatalf("保存件数: got %d, want 1", len(store.messages))
		}
		if store.userIDs[0] != "alice" {
			t.Errorf("X-User-ID: got %q, want %q", store.userIDs[0], "alice")
		}
	})

	t.Run("ルーム名が1階層でない宛先はERRORを返す", func(t *testing.T) {
		if err := alice.WriteJSON(broker.Frame{
			Command:     broker.CommandSend,
			Destination: "/app/rooms/a/b",
			Payload:     json.RawMessage(`{"text":"x"}`),
		}); err != nil {
			t.Fatalf("SENDの送信に失敗: %v", err)
		}
		f := read(alice)
		if f.Command != broker.CommandError {
			t.Errorf("コマンド: got %s, want %s", f.Command, broker.CommandError)
		}
	})
}
