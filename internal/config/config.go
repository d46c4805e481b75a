// Package config はアプリケーションの設定を管理します
// フラグ・環境変数（BUNKER_ 接頭辞）・.env ファイルから設定を読み込み、デフォルト値を提供します
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultAPIAddr    = ":8080"                 // リレーのデフォルトリッスンアドレス
	defaultMemberTTL  = 60 * time.Second        // プレゼンスのデフォルトTTL
	defaultRelayURL   = "ws://localhost:8080"   // リレーのデフォルト接続先
	defaultBackendURL = "http://localhost:3000" // ゲームバックエンドのデフォルト接続先
	defaultProfileDB  = "bunker-profile.db"     // プロファイルDBのデフォルトパス
	defaultICEServer  = "stun:stun.l.google.com:19302"
)

// defaultAllowedOrigins はCORSで許可するデフォルトのオリジン一覧
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
}

// 設定キー
const (
	KeyAPIAddr       = "api-addr"
	KeyRedisAddr     = "redis-addr"
	KeyMemberTTL     = "member-ttl"
	KeyCORSOrigins   = "cors-origins"
	KeyPublishSecret = "publish-secret"
	KeyBackendURL    = "backend-url"
	KeyBackendToken  = "backend-token"
	KeyRelayURL      = "relay-url"
	KeyICEServers    = "ice-servers"
	KeyICEUsername   = "ice-username"
	KeyICECredential = "ice-credential"
	KeyUDPPortMin    = "udp-port-min"
	KeyUDPPortMax    = "udp-port-max"
	KeyProfileDB     = "profile-db"
	KeyAppURL        = "app-url"
	KeyVerbose       = "verbose"
)

// Config はアプリケーションの設定を保持します
type Config struct {
	// リレーサーバー
	APIAddr       string        // リッスンアドレス
	RedisAddr     string        // Redisの接続先（空ならメモリ上で動作）
	MemberTTL     time.Duration // プレゼンスのTTL
	CORSOrigins   []string      // CORSで許可するオリジン一覧
	PublishSecret string        // REST発行の署名鍵

	// プレイヤー
	BackendURL    string
	BackendToken  string
	RelayURL      string
	ICEServers    []string
	ICEUsername   string
	ICECredential string
	UDPPortMin    int
	UDPPortMax    int
	ProfileDB     string
	AppURL        string

	Verbose bool
}

// NewViper は BUNKER_ 接頭辞の環境変数を読む viper を作成します
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("BUNKER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyAPIAddr, defaultAPIAddr)
	v.SetDefault(KeyMemberTTL, defaultMemberTTL)
	v.SetDefault(KeyCORSOrigins, defaultAllowedOrigins)
	v.SetDefault(KeyRelayURL, defaultRelayURL)
	v.SetDefault(KeyBackendURL, defaultBackendURL)
	v.SetDefault(KeyICEServers, []string{defaultICEServer})
	v.SetDefault(KeyProfileDB, defaultProfileDB)
	v.SetDefault(KeyAppURL, defaultBackendURL)
	return v
}

// LoadDotEnv は .env ファイルがあれば環境変数に読み込みます
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// BindFlags はフラグを viper に結び付けます。フラグ未指定なら環境変数の値が使われます
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
	})
}

// ServerFlags はリレーサーバーのフラグを登録します
func ServerFlags(fs *pflag.FlagSet) {
	fs.String(KeyAPIAddr, defaultAPIAddr, "address to listen on (env: BUNKER_API_ADDR)")
	fs.String(KeyRedisAddr, "", "redis address for presence and fan-out; empty runs in memory (env: BUNKER_REDIS_ADDR)")
	fs.Duration(KeyMemberTTL, defaultMemberTTL, "presence ttl (env: BUNKER_MEMBER_TTL)")
	fs.StringSlice(KeyCORSOrigins, defaultAllowedOrigins, "allowed CORS origins (env: BUNKER_CORS_ORIGINS)")
	fs.String(KeyPublishSecret, "", "HMAC secret for the publish endpoint (env: BUNKER_PUBLISH_SECRET)")
}

// PlayerFlags はプレイヤーのフラグを登録します
func PlayerFlags(fs *pflag.FlagSet) {
	fs.String(KeyBackendURL, defaultBackendURL, "game backend base url (env: BUNKER_BACKEND_URL)")
	fs.String(KeyBackendToken, "", "bearer token for the game backend (env: BUNKER_BACKEND_TOKEN)")
	fs.String(KeyRelayURL, defaultRelayURL, "realtime relay base url (env: BUNKER_RELAY_URL)")
	fs.StringSlice(KeyICEServers, []string{defaultICEServer}, "ICE server urls (env: BUNKER_ICE_SERVERS)")
	fs.String(KeyICEUsername, "", "TURN username (env: BUNKER_ICE_USERNAME)")
	fs.String(KeyICECredential, "", "TURN credential (env: BUNKER_ICE_CREDENTIAL)")
	fs.Int(KeyUDPPortMin, 0, "lowest UDP port for ICE (env: BUNKER_UDP_PORT_MIN)")
	fs.Int(KeyUDPPortMax, 0, "highest UDP port for ICE (env: BUNKER_UDP_PORT_MAX)")
	fs.String(KeyProfileDB, defaultProfileDB, "sqlite profile database (env: BUNKER_PROFILE_DB)")
	fs.String(KeyAppURL, defaultBackendURL, "public game url used for invites (env: BUNKER_APP_URL)")
}

// InviteFlags は招待リンクの生成に使うフラグを登録します
func InviteFlags(fs *pflag.FlagSet) {
	fs.String(KeyAppURL, defaultBackendURL, "public game url used for invites (env: BUNKER_APP_URL)")
}

// Load は viper から設定を読み込みます
func Load(v *viper.Viper) Config {
	return Config{
		APIAddr:       v.GetString(KeyAPIAddr),
		RedisAddr:     v.GetString(KeyRedisAddr),
		MemberTTL:     v.GetDuration(KeyMemberTTL),
		CORSOrigins:   csv(v.GetStringSlice(KeyCORSOrigins)),
		PublishSecret: v.GetString(KeyPublishSecret),
		BackendURL:    strings.TrimRight(v.GetString(KeyBackendURL), "/"),
		BackendToken:  v.GetString(KeyBackendToken),
		RelayURL:      strings.TrimRight(v.GetString(KeyRelayURL), "/"),
		ICEServers:    csv(v.GetStringSlice(KeyICEServers)),
		ICEUsername:   v.GetString(KeyICEUsername),
		ICECredential: v.GetString(KeyICECredential),
		UDPPortMin:    v.GetInt(KeyUDPPortMin),
		UDPPortMax:    v.GetInt(KeyUDPPortMax),
		ProfileDB:     v.GetString(KeyProfileDB),
		AppURL:        strings.TrimRight(v.GetString(KeyAppURL), "/"),
		Verbose:       v.GetBool(KeyVerbose),
	}
}

// ValidateServer はリレーサーバーの設定を検証します
func (c Config) ValidateServer() error {
	if c.APIAddr == "" {
		return errors.New("--api-addr is required")
	}
	if c.MemberTTL < time.Second {
		return fmt.Errorf("invalid member ttl (must be at least 1s): %s", c.MemberTTL)
	}
	return nil
}

// ValidatePlayer はプレイヤーの設定を検証します
func (c Config) ValidatePlayer() error {
	for key, raw := range map[string]string{KeyBackendURL: c.BackendURL, KeyRelayURL: c.RelayURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid --%s: %q", key, raw)
		}
	}
	if (c.UDPPortMin == 0) != (c.UDPPortMax == 0) {
		return errors.New("both --udp-port-min and --udp-port-max must be provided together")
	}
	if c.UDPPortMin > c.UDPPortMax {
		return fmt.Errorf("invalid udp port range: %d-%d", c.UDPPortMin, c.UDPPortMax)
	}
	return nil
}

// MemberTTLSeconds はプレゼンスのTTLを秒で返します
func (c Config) MemberTTLSeconds() int {
	return int(c.MemberTTL / time.Second)
}

// csv はカンマ区切りの値を展開し、空白を取り除きます
func csv(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// NewLogger はコマンド共通のロガーを作成します
func NewLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}
