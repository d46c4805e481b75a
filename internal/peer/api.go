// Package peer はリモート参加者1人ぶんのピア接続とネゴシエーション状態を管理します
package peer

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// APIOptions は共有する webrtc.API の設定です
type APIOptions struct {
	UDPPortMin uint16
	UDPPortMax uint16
}

// NewAPI は既定のコーデックとインターセプター（定期PLIを含む）を登録した API を作成します
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI factory: %w", err)
	}
	registry.Add(pli)

	se := webrtc.SettingEngine{}
	if opts.UDPPortMin > 0 && opts.UDPPortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return nil, fmt.Errorf("failed to set WebRTC port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// Configuration はICEサーバーの設定から接続設定を作ります
func Configuration(urls []string, username, credential string) webrtc.Configuration {
	if len(urls) == 0 {
		return webrtc.Configuration{}
	}
	server := webrtc.ICEServer{URLs: urls}
	if username != "" {
		server.Username = username
		server.Credential = credential
	}
	return webrtc.Configuration{ICEServers: []webrtc.ICEServer{server}}
}
