package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Message is a plain notification addressed to one recipient.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Notifier delivers messages. Implementations talk to mail providers.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes messages to the log instead of sending them.
type LogNotifier struct {
	log *zap.SugaredLogger
}

func NewLogNotifier(log *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.log.Infow("notification", "to", msg.To, "subject", msg.Subject)
	return nil
}

// TwoFactorChanged builds the message sent when 2FA is turned on or off.
func TwoFactorChanged(to string, enabled bool) Message {
	if enabled {
		return Message{
			To:      to,
			Subject: "2FA Enabled on Your Account",
			HTML: `<h2>Two-Factor Authentication Enabled</h2>
<p>Two-factor authentication has been successfully enabled on your account.</p>
<p>You will need to enter a verification code from your authenticator app each time you sign in.</p>
<p>If you did not enable 2FA, please contact support immediately.</p>`,
		}
	}
	return Message{
		To:      to,
		Subject: "2FA Disabled on Your Account",
		HTML: `<h2>Two-Factor Authentication Disabled</h2>
<p>Two-factor authentication has been disabled on your account.</p>
<p>We recommend re-enabling 2FA for better security.</p>
<p>If you did not disable 2FA, please contact support immediately.</p>`,
	}
}

// Dispatcher sends messages in the background. Failures are logged and
// never reported to the caller.
type Dispatcher struct {
	n       Notifier
	log     *zap.SugaredLogger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(n Notifier, log *zap.SugaredLogger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{n: n, log: log, timeout: timeout}
}

// Send queues msg and returns immediately.
func (d *Dispatcher) Send(msg Message) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.n.Notify(ctx, msg); err != nil {
			d.log.Warnw("notification failed", "to", msg.To, "subject", msg.Subject, "error", err)
		}
	}()
}

// Wait blocks until every queued message has been attempted.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
