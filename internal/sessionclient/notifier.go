package sessionclient

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Platform is an OS or terminal notification mechanism
type Platform interface {
	Supported() bool
	RequestPermission(ctx context.Context) (bool, error)
	Notify(title, body string) error
}

// Notifier surfaces session warnings outside the normal output flow. Every
// call is fire-and-forget: a missing platform, a denied permission or a
// failing platform all result in a silent no-op.
type Notifier struct {
	platform Platform
	logger   *zap.Logger

	mu      sync.Mutex
	asked   bool
	granted bool
}

func NewNotifier(platform Platform, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{platform: platform, logger: logger}
}

// RequestPermission asks the platform once and remembers the answer.
func (n *Notifier) RequestPermission() (granted bool) {
	if n == nil || n.platform == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("notification permission request panicked", zap.Any("panic", r))
			granted = false
		}
	}()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.asked {
		return n.granted
	}
	if !n.platform.Supported() {
		n.asked = true
		return false
	}
	ok, err := n.platform.RequestPermission(context.Background())
	if err != nil {
		n.logger.Debug("notification permission request failed", zap.Error(err))
		return false
	}
	n.asked, n.granted = true, ok
	return ok
}

func (n *Notifier) show(title, body string) {
	if !n.RequestPermission() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("notification panicked", zap.Any("panic", r))
		}
	}()
	if err := n.platform.Notify(title, body); err != nil {
		n.logger.Debug("notification failed", zap.Error(err))
	}
}

// ShowSessionWarning warns about an approaching expiry. secondsRemaining
// is omitted from the text when not positive.
func (n *Notifier) ShowSessionWarning(message string, secondsRemaining int) {
	if message == "" {
		message = "Your session is about to expire"
	}
	if secondsRemaining > 0 {
		message = fmt.Sprintf("%s (%ds remaining)", message, secondsRemaining)
	}
	n.show("Session expiring", message)
}

func (n *Notifier) ShowSessionExpired() {
	n.show("Session expired", "Your session has expired. Please log in again.")
}

func (n *Notifier) ShowSecurityAlert(message string) {
	n.show("Security alert", message)
}

// WriterPlatform prints notifications to a terminal, ringing the bell
type WriterPlatform struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterPlatform(w io.Writer) *WriterPlatform {
	return &WriterPlatform{w: w}
}

func (p *WriterPlatform) Supported() bool { return p.w != nil }

func (p *WriterPlatform) RequestPermission(context.Context) (bool, error) { return true, nil }

func (p *WriterPlatform) Notify(title, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintf(p.w, "\a[%s] %s\n", title, body)
	return err
}

// LogPlatform routes notifications to a logger
type LogPlatform struct {
	logger *zap.Logger
}

func NewLogPlatform(logger *zap.Logger) *LogPlatform {
	return &LogPlatform{logger: logger}
}

func (p *LogPlatform) Supported() bool { return p.logger != nil }

func (p *LogPlatform) RequestPermission(context.Context) (bool, error) { return true, nil }

func (p *LogPlatform) Notify(title, body string) error {
	p.logger.Warn(body, zap.String("notification", title))
	return nil
}
