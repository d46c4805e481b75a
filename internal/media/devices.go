package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const rtpMTU = 1200

// DeviceBackend は pion/mediadevices を使う Backend です
// ドライバーとエンコーダーの登録はコマンド側で行います
type DeviceBackend struct {
	codecs *mediadevices.CodecSelector
	log    *logrus.Entry
}

func NewDeviceBackend(codecs *mediadevices.CodecSelector, log *logrus.Entry) *DeviceBackend {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DeviceBackend{codecs: codecs, log: log.WithField("component", "devices")}
}

// Supported はドライバーが1つでも登録されていれば true を返します
func (b *DeviceBackend) Supported() bool {
	return b.codecs != nil && len(mediadevices.EnumerateDevices()) > 0
}

func (b *DeviceBackend) Devices(ctx context.Context) ([]Device, error) {
	var out []Device
	for _, d := range mediadevices.EnumerateDevices() {
		switch d.Kind {
		case mediadevices.VideoInput:
			out = append(out, Device{ID: d.DeviceID, Label: d.Label, Kind: Camera})
		case mediadevices.AudioInput:
			out = append(out, Device{ID: d.DeviceID, Label: d.Label, Kind: Microphone})
		}
	}
	return out, ctx.Err()
}

func (b *DeviceBackend) Open(ctx context.Context, c Constraints) (*LocalStream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: b.codecs}
	if c.Video {
		constraints.Video = func(p *mediadevices.MediaTrackConstraints) {
			if c.CameraID != "" {
				p.DeviceID = prop.StringExact(c.CameraID)
			}
			p.Width = prop.Int(640)
			p.Height = prop.Int(480)
		}
	}
	if c.Audio {
		constraints.Audio = func(p *mediadevices.MediaTrackConstraints) {
			if c.MicrophoneID != "" {
				p.DeviceID = prop.StringExact(c.MicrophoneID)
			}
		}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classify(err)
	}
	if ctx.Err() != nil {
		closeTracks(ms.GetTracks())
		return nil, ctx.Err()
	}

	var tracks []*LocalTrack
	for _, src := range ms.GetTracks() {
		lt, err := b.forward(src)
		if err != nil {
			closeTracks(ms.GetTracks())
			return nil, err
		}
		tracks = append(tracks, lt)
	}
	return NewLocalStream(tracks...), nil
}

// forward はキャプチャしたトラックを静的RTPトラックに流します
// 無効化されている間は読み続けてパケットを捨てるので、ピア側の再ネゴシエーションは不要です
func (b *DeviceBackend) forward(src mediadevices.Track) (*LocalTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if src.Kind() == webrtc.RTPCodecTypeAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	out, err := webrtc.NewTrackLocalStaticRTP(capability, src.Kind().String(), "bunker-local")
	if err != nil {
		return nil, fmt.Errorf("media: new %s track: %w", src.Kind(), err)
	}
	reader, err := src.NewRTPReader(capability.MimeType, 0, rtpMTU)
	if err != nil {
		return nil, fmt.Errorf("media: %s encoder: %w", src.Kind(), err)
	}

	lt := NewLocalTrack(out, func() error {
		_ = reader.Close()
		return src.Close()
	})
	go func() {
		for {
			pkts, release, err := reader.Read()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					b.log.WithError(err).WithField("kind", src.Kind().String()).Debug("capture stopped")
				}
				return
			}
			if lt.Enabled() {
				for _, pkt := range pkts {
					if err := out.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
						b.log.WithError(err).Debug("write rtp")
					}
				}
			}
			if release != nil {
				release()
			}
		}
	}()
	return lt, nil
}

func closeTracks(tracks []mediadevices.Track) {
	for _, t := range tracks {
		_ = t.Close()
	}
}

// classify はドライバーのエラーを再試行ポリシー用の種類に分けます
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	case strings.Contains(msg, "constraint"), strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", ErrOverConstrained, err)
	}
	return fmt.Errorf("media: open devices: %w", err)
}
