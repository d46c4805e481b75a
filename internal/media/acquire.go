package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnsupported はこの環境でメディアを取得できないことを表します。ゲームはメディアなしで続行します
	ErrUnsupported = errors.New("media: capture not supported")

	// ErrPermissionDenied は自動では再試行しません。利用者が手動で再試行できます
	ErrPermissionDenied = errors.New("media: permission denied")

	ErrDeviceBusy      = errors.New("media: device busy")
	ErrOverConstrained = errors.New("media: constraints cannot be satisfied")
	ErrTimeout         = errors.New("media: acquisition timed out")
)

const (
	defaultBudget      = 25 * time.Second
	defaultRetryBudget = 40 * time.Second
	clearTimeout       = 10 * time.Second
)

// DeviceKind はデバイスの種類です
type DeviceKind int

const (
	Camera DeviceKind = iota
	Microphone
)

type Device struct {
	ID    string
	Label string
	Kind  DeviceKind
}

// Constraints は取得の条件です。デバイスIDが空なら既定のデバイスを使います
type Constraints struct {
	Audio        bool
	Video        bool
	CameraID     string
	MicrophoneID string
}

func (c Constraints) pinned() bool { return c.CameraID != "" || c.MicrophoneID != "" }

// Backend は実際のデバイスAPIです
type Backend interface {
	Supported() bool
	Devices(ctx context.Context) ([]Device, error)
	Open(ctx context.Context, c Constraints) (*LocalStream, error)
}

// Preferences は利用者ごとに保存されたデバイスIDです
type Preferences interface {
	DevicePreferences(ctx context.Context, userID string) (camera, microphone string, err error)
	ClearDevicePreferences(ctx context.Context, userID string) error
}

// Acquirer はカメラ・マイクを取得します
// 保存済みのデバイスIDで試し、失敗の種類によっては1回だけIDなしで再試行します
type Acquirer struct {
	backend Backend
	prefs   Preferences
	log     *logrus.Entry

	Budget      time.Duration // 1回目の制限時間
	RetryBudget time.Duration // 1回目がタイムアウトしたときの再試行の制限時間

	wg sync.WaitGroup
}

// NewAcquirer は Acquirer を作成します。prefs は nil でもかまいません
func NewAcquirer(b Backend, prefs Preferences, log *logrus.Entry) *Acquirer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Acquirer{
		backend:     b,
		prefs:       prefs,
		log:         log.WithField("component", "media"),
		Budget:      defaultBudget,
		RetryBudget: defaultRetryBudget,
	}
}

// Acquire は音声と映像を取得します
func (a *Acquirer) Acquire(ctx context.Context, userID string) (*LocalStream, error) {
	if a.backend == nil || !a.backend.Supported() {
		return nil, ErrUnsupported
	}

	c := a.preferred(ctx, userID)
	stream, err := a.open(ctx, c, a.Budget)
	if err == nil {
		return stream, nil
	}
	if !retryable(err) || ctx.Err() != nil {
		return nil, err
	}

	budget := a.Budget
	if errors.Is(err, ErrTimeout) {
		budget = a.RetryBudget
	}
	if c.pinned() {
		a.clearAsync(userID)
	}
	a.log.WithError(err).Warn("retrying media acquisition with default devices")
	c.CameraID, c.MicrophoneID = "", ""
	return a.open(ctx, c, budget)
}

// preferred は保存済みのデバイスIDを、現在のデバイス一覧にあるものだけに絞ります
func (a *Acquirer) preferred(ctx context.Context, userID string) Constraints {
	c := Constraints{Audio: true, Video: true}
	if a.prefs == nil || userID == "" {
		return c
	}
	camera, mic, err := a.prefs.DevicePreferences(ctx, userID)
	if err != nil {
		a.log.WithError(err).Debug("no stored device preferences")
		return c
	}
	if camera == "" && mic == "" {
		return c
	}

	devices, err := a.backend.Devices(ctx)
	if err != nil {
		a.log.WithError(err).Warn("device enumeration failed; using default devices")
		return c
	}
	stale := false
	if camera != "" {
		if hasDevice(devices, Camera, camera) {
			c.CameraID = camera
		} else {
			stale = true
		}
	}
	if mic != "" {
		if hasDevice(devices, Microphone, mic) {
			c.MicrophoneID = mic
		} else {
			stale = true
		}
	}
	if stale {
		a.log.WithField("user", userID).Info("stored device is no longer present")
		a.clearAsync(userID)
	}
	return c
}

func hasDevice(devices []Device, kind DeviceKind, id string) bool {
	for _, d := range devices {
		if d.Kind == kind && d.ID == id {
			return true
		}
	}
	return false
}

// open は制限時間つきで取得します。制限時間後に届いたストリームは閉じます
func (a *Acquirer) open(ctx context.Context, c Constraints, budget time.Duration) (*LocalStream, error) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		stream *LocalStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := a.backend.Open(ctx, c)
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, budget)
		}
		return r.stream, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.stream != nil {
				_ = r.stream.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, budget)
		}
		return nil, ctx.Err()
	}
}

func (a *Acquirer) clearAsync(userID string) {
	if a.prefs == nil || userID == "" {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
		defer cancel()
		if err := a.prefs.ClearDevicePreferences(ctx, userID); err != nil {
			a.log.WithError(err).Warn("failed to clear stored device preferences")
		}
	}()
}

// Wait はバックグラウンドの設定クリアが終わるまで待ちます
func (a *Acquirer) Wait() { a.wg.Wait() }

func retryable(err error) bool {
	return errors.Is(err, ErrDeviceBusy) || errors.Is(err, ErrOverConstrained) || errors.Is(err, ErrTimeout)
}
