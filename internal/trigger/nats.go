package trigger

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
)

// DefaultSubjectPrefix is the subject root for restart requests.
const DefaultSubjectPrefix = "watchdo"

// Subscriber is the part of *nats.Conn a NatsTrigger needs.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
}

// NatsTrigger restarts tasks on request:
//
//	<prefix>.restart.<task>  restarts one task
//	<prefix>.restart         restarts every task
//
// Requests with a reply subject are answered with "ok" or "error: ...".
// Settled publishes <prefix>.settled.<task> when a debounce interval ends.
type NatsTrigger struct {
	conn   Subscriber
	prefix string
	target TaskRestarter
	logger *slog.Logger

	mu      sync.Mutex
	subs    []*nats.Subscription
	stopped bool
	wg      sync.WaitGroup
}

// NewNatsTrigger creates a trigger; nothing is subscribed until Start.
func NewNatsTrigger(conn Subscriber, prefix string, target TaskRestarter, logger *slog.Logger) *NatsTrigger {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NatsTrigger{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		target: target,
		logger: logger,
	}
}

// RestartSubject is the subject that restarts task, or every task if empty.
func (t *NatsTrigger) RestartSubject(task string) string {
	if task == "" {
		return t.prefix + ".restart"
	}
	return t.prefix + ".restart." + task
}

// SettledSubject is the subject announcing that task's debounce ended.
func (t *NatsTrigger) SettledSubject(task string) string {
	return t.prefix + ".settled." + task
}

// Start subscribes to the restart subjects.
func (t *NatsTrigger) Start() error {
	for _, subject := range []string{t.RestartSubject(""), t.RestartSubject("*")} {
		sub, err := t.conn.Subscribe(subject, t.handle)
		if err != nil {
			t.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		t.mu.Lock()
		t.subs = append(t.subs, sub)
		t.mu.Unlock()
		t.logger.Debug("nats_trigger_subscribed", "subject", subject)
	}
	return nil
}

// handle runs on the NATS dispatcher; the restart itself may block until
// the previous run ends, so it runs on its own goroutine.
func (t *NatsTrigger) handle(msg *nats.Msg) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		t.dispatch(msg.Subject, msg.Reply)
	}()
}

func (t *NatsTrigger) dispatch(subject, reply string) {
	id := nuid.Next()
	task := strings.TrimPrefix(subject, t.RestartSubject(""))
	task = strings.TrimPrefix(task, ".")

	t.logger.Info("nats_trigger_received",
		"trigger_id", id,
		"subject", subject,
		"task", task,
	)

	var err error
	if task == "" {
		err = t.target.RestartAll()
	} else {
		err = t.target.Restart(task)
	}
	if err != nil {
		t.logger.Warn("nats_trigger_restart_failed",
			"trigger_id", id,
			"task", task,
			"error", err,
		)
	}

	if reply == "" {
		return
	}
	answer := "ok"
	if err != nil {
		answer = "error: " + err.Error()
	}
	if perr := t.conn.Publish(reply, []byte(answer)); perr != nil {
		t.logger.Debug("nats_trigger_reply_failed", "trigger_id", id, "error", perr)
	}
}

// Settled announces that task's debounce interval has ended.
func (t *NatsTrigger) Settled(task string) {
	if err := t.conn.Publish(t.SettledSubject(task), []byte(task)); err != nil {
		t.logger.Debug("nats_settled_publish_failed", "task", task, "error", err)
	}
}

// Stop unsubscribes and waits for in-flight restarts.
func (t *NatsTrigger) Stop() {
	t.mu.Lock()
	t.stopped = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Debug("nats_unsubscribe_failed", "subject", sub.Subject, "error", err)
		}
	}
	t.wg.Wait()
}
