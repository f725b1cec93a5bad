// Package config はゲートウェイと参照用サービスの設定を環境変数と任意の設定ファイルから読み込む。
//
// 環境変数名は接頭辞なしの大文字（例: JWT_SECRET）で、CONFIG_FILE に指定された
// YAML/TOML/JSONファイルの同名キー（小文字）よりも優先される。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nao1215/chatgate/pkg/token"
	"github.com/spf13/viper"
)

// DevJWTSecret は開発用の既定のJWT署名鍵。本番環境では使用できない。
const DevJWTSecret = "dev-secret-key"

// EnvProduction は本番環境を表すAPP_ENVの値。
const EnvProduction = "production"

// Gateway はゲートウェイの設定。
type Gateway struct {
	// Env は実行環境（development / production）。
	Env string
	// Port は公開ポート。
	Port string
	// AdminPort はヘルスチェックとメトリクスを提供する管理用ポート。
	AdminPort string
	// JWTSecret はトークン検証の共有鍵。
	JWTSecret string
	// JWTIssuer はトークンのissクレームに要求する値。空の場合は検証しない。
	JWTIssuer string
	// LogLevel はログレベル。
	LogLevel string
	// Debug は開発向けのログ出力とGinのデバッグモードを有効にする。
	Debug bool
	// PublicPaths は認証不要のパスパターン。
	PublicPaths []string
	// CORS はCORSポリシーの設定。
	CORS CORS
	// WS は接続アップグレードとブローカーの設定。
	WS WebSocket
	// Services は協調サービスのURL。
	Services Services
	// ShutdownTimeout はグレースフルシャットダウンの待機時間。
	ShutdownTimeout time.Duration
}

// CORS はCORSポリシーの設定値。
type CORS struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// WebSocket は接続アップグレードとブローカーの設定値。
type WebSocket struct {
	// Path はエンドポイントのベースパス。
	Path string
	// AllowedOrigins は接続を許可するOrigin。空の場合はCORSの設定を使う。
	AllowedOrigins []string
	// MaxMessageBytes は受信フレームと送信キューのバイト数上限。
	MaxMessageBytes int
	// MessageCacheSize は送信キューのフレーム数上限。
	MessageCacheSize int
	// DisconnectDelay は無通信のセッションを切断するまでの時間。
	DisconnectDelay time.Duration
	// WriteTimeout はフレーム1つあたりの書き込みタイムアウト。
	WriteTimeout time.Duration
	// RequireAuth はSUBSCRIBEとSENDに認証を必須とするかどうか。
	RequireAuth bool
	// FallbackEnabled はSSEとロングポーリングを有効にするかどうか。
	FallbackEnabled bool
	// PollTimeout はロングポーリングの最大待機時間。
	PollTimeout time.Duration
}

// Services は協調サービスのURL。
type Services struct {
	// Auth は認証サービスのURL。/auth/* をプロキシする。
	Auth string
	// Chat はチャットサービスのURL。/api/*, /chat/*, /users/* をプロキシする。
	Chat string
	// MessageStore はメッセージ保存先のURL。空の場合は保存しない。
	MessageStore string
	// MessageStoreTimeout はメッセージ保存のタイムアウト。
	MessageStoreTimeout time.Duration
}

// AuthService は参照実装の認証サービスの設定。
type AuthService struct {
	// Env は実行環境。
	Env string
	// Port は公開ポート。
	Port string
	// JWTSecret はトークン署名の共有鍵。
	JWTSecret string
	// DBPath はSQLiteデータベースのパス。
	DBPath string
	// TokenTTL は発行するトークンの有効期間。
	TokenTTL time.Duration
	// DevTokenEnabled は開発用トークン発行エンドポイントを有効にするかどうか。
	DevTokenEnabled bool
	// LogLevel はログレベル。
	LogLevel string
	// Debug は開発向けのログ出力を有効にする。
	Debug bool
	// ShutdownTimeout はグレースフルシャットダウンの待機時間。
	ShutdownTimeout time.Duration
}

// MessageStore は参照実装のメッセージ保存サービスの設定。
type MessageStore struct {
	// Env は実行環境。
	Env string
	// Port は公開ポート。
	Port string
	// DBPath はSQLiteデータベースのパス。
	DBPath string
	// DefaultLimit は一覧取得の既定件数。
	DefaultLimit int
	// LogLevel はログレベル。
	LogLevel string
	// Debug は開発向けのログ出力を有効にする。
	Debug bool
	// ShutdownTimeout はグレースフルシャットダウンの待機時間。
	ShutdownTimeout time.Duration
}

// newViper は環境変数と設定ファイルを読み込むviperを生成する。
func newViper(defaults map[string]any) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}
	return v, nil
}

// LoadGateway はゲートウェイの設定を読み込む。
func LoadGateway() (*Gateway, error) {
	v, err := newViper(map[string]any{
		"port":                   "8080",
		"admin_port":             "9090",
		"jwt_secret":             DevJWTSecret,
		"jwt_issuer":             token.DefaultIssuer,
		"public_paths":           "/auth/**,/ws/**",
		"cors_allowed_origins":   "*",
		"cors_allowed_methods":   "GET,POST,PUT,DELETE,OPTIONS",
		"cors_allowed_headers":   "*",
		"cors_allow_credentials": true,
		"cors_max_age":           3600 * time.Second,
		"ws_path":                "/ws",
		"ws_allowed_origins":     "",
		"ws_max_message_bytes":   512 * 1024,
		"ws_message_cache_size":  1000,
		"ws_disconnect_delay":    30 * time.Second,
		"ws_write_timeout":       10 * time.Second,
		"ws_require_auth":        true,
		"ws_fallback_enabled":    true,
		"ws_poll_timeout":        25 * time.Second,
		"auth_service_url":       "http://localhost:8081",
		"chat_service_url":       "http://localhost:8082",
		"message_store_url":      "",
		"message_store_timeout":  3 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	cfg := &Gateway{
		Env:         v.GetString("app_env"),
		Port:        v.GetString("port"),
		AdminPort:   v.GetString("admin_port"),
		JWTSecret:   v.GetString("jwt_secret"),
		JWTIssuer:   strings.TrimSpace(v.GetString("jwt_issuer")),
		LogLevel:    v.GetString("log_level"),
		Debug:       v.GetBool("debug"),
		PublicPaths: getList(v, "public_paths"),
		CORS: CORS{
			AllowedOrigins:   getList(v, "cors_allowed_origins"),
			AllowedMethods:   getList(v, "cors_allowed_methods"),
			AllowedHeaders:   getList(v, "cors_allowed_headers"),
			AllowCredentials: v.GetBool("cors_allow_credentials"),
			MaxAge:           v.GetDuration("cors_max_age"),
		},
		WS: WebSocket{
			Path:             v.GetString("ws_path"),
			AllowedOrigins:   getList(v, "ws_allowed_origins"),
			MaxMessageBytes:  v.GetInt("ws_max_message_bytes"),
			MessageCacheSize: v.GetInt("ws_message_cache_size"),
			DisconnectDelay:  v.GetDuration("ws_disconnect_delay"),
			WriteTimeout:     v.GetDuration("ws_write_timeout"),
			RequireAuth:      v.GetBool("ws_require_auth"),
			FallbackEnabled:  v.GetBool("ws_fallback_enabled"),
			PollTimeout:      v.GetDuration("ws_poll_timeout"),
		},
		Services: Services{
			Auth:                v.GetString("auth_service_url"),
			Chat:                v.GetString("chat_service_url"),
			MessageStore:        v.GetString("message_store_url"),
			MessageStoreTimeout: v.GetDuration("message_store_timeout"),
		},
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値を検証する。
func (c *Gateway) Validate() error {
	var errs []error
	if err := validateSecret(c.Env, c.JWTSecret); err != nil {
		errs = append(errs, err)
	}
	if !strings.HasPrefix(c.WS.Path, "/") || strings.HasSuffix(c.WS.Path, "/") {
		errs = append(errs, fmt.Errorf("WS_PATH は / で始まり / で終わらない必要があります: %q", c.WS.Path))
	}
	if c.WS.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("WS_MAX_MESSAGE_BYTES は正の値である必要があります"))
	}
	if c.WS.MessageCacheSize <= 0 {
		errs = append(errs, errors.New("WS_MESSAGE_CACHE_SIZE は正の値である必要があります"))
	}
	if c.WS.DisconnectDelay < 0 {
		errs = append(errs, errors.New("WS_DISCONNECT_DELAY は負の値にできません"))
	}
	for name, raw := range map[string]string{
		"AUTH_SERVICE_URL":  c.Services.Auth,
		"CHAT_SERVICE_URL":  c.Services.Chat,
		"MESSAGE_STORE_URL": c.Services.MessageStore,
	} {
		if raw == "" && name == "MESSAGE_STORE_URL" {
			continue
		}
		if err := validateURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s が不正です: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// InsecureCORS はすべてのOriginを認証情報付きで許可する設定かどうかを返す。
func (c *Gateway) InsecureCORS() bool {
	if !c.CORS.AllowCredentials {
		return false
	}
	for _, o := range c.CORS.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

// LoadAuthService は認証サービスの設定を読み込む。
func LoadAuthService() (*AuthService, error) {
	v, err := newViper(map[string]any{
		"port":              "8081",
		"jwt_secret":        DevJWTSecret,
		"auth_db_path":      "/data/auth.db",
		"token_ttl":         24 * time.Hour,
		"dev_token_enabled": false,
	})
	if err != nil {
		return nil, err
	}

	cfg := &AuthService{
		Env:             v.GetString("app_env"),
		Port:            v.GetString("port"),
		JWTSecret:       v.GetString("jwt_secret"),
		DBPath:          v.GetString("auth_db_path"),
		TokenTTL:        v.GetDuration("token_ttl"),
		DevTokenEnabled: v.GetBool("dev_token_enabled"),
		LogLevel:        v.GetString("log_level"),
		Debug:           v.GetBool("debug"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
	}

	var errs []error
	if err := validateSecret(cfg.Env, cfg.JWTSecret); err != nil {
		errs = append(errs, err)
	}
	if cfg.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL は正の値である必要があります"))
	}
	if cfg.DevTokenEnabled && cfg.Env == EnvProduction {
		errs = append(errs, errors.New("本番環境では DEV_TOKEN_ENABLED を有効にできません"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadMessageStore はメッセージ保存サービスの設定を読み込む。
func LoadMessageStore() (*MessageStore, error) {
	v, err := newViper(map[string]any{
		"port":               "8083",
		"message_db_path":    "/data/messages.db",
		"message_list_limit": 50,
	})
	if err != nil {
		return nil, err
	}

	cfg := &MessageStore{
		Env:             v.GetString("app_env"),
		Port:            v.GetString("port"),
		DBPath:          v.GetString("message_db_path"),
		DefaultLimit:    v.GetInt("message_list_limit"),
		LogLevel:        v.GetString("log_level"),
		Debug:           v.GetBool("debug"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
	}
	if cfg.DefaultLimit <= 0 {
		return nil, errors.New("MESSAGE_LIST_LIMIT は正の値である必要があります")
	}
	return cfg, nil
}

// validateSecret は署名鍵を検証する。本番環境では既定の開発用鍵を拒否する。
func validateSecret(env, secret string) error {
	if secret == "" {
		return errors.New("JWT_SECRET が設定されていません")
	}
	if env == EnvProduction && secret == DevJWTSecret {
		return errors.New("本番環境では JWT_SECRET を設定する必要があります")
	}
	return nil
}

// validateURL は協調サービスのURLを検証する。
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("スキームは http または https である必要があります: %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("ホストがありません: %q", raw)
	}
	return nil
}

// getList はリスト値を取得する。環境変数ではカンマ区切り、設定ファイルでは配列でも指定できる。
func getList(v *viper.Viper, key string) []string {
	if raw, ok := v.Get(key).(string); ok {
		return splitList(raw)
	}
	return splitList(strings.Join(v.GetStringSlice(key), ","))
}

// splitList はカンマ区切りの文字列を分割し、空要素を取り除く。
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
