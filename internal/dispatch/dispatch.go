package dispatch

import "log/slog"

// Sender delivers a notification to one target (a provider or customer).
// Delivery is fire-and-forget, at-most-once: failures are logged and
// never retried, because consumers reconcile state by polling or via
// their subscription stream.
type Sender interface {
	Notify(targetID string, payload any) error
}

// Fanout tries each sender in order and stops at the first success.
type Fanout struct {
	Senders []Sender
	Logger  *slog.Logger
}

func (f *Fanout) Notify(targetID string, payload any) error {
	var last error
	for _, s := range f.Senders {
		if err := s.Notify(targetID, payload); err != nil {
			last = err
			continue
		}
		return nil
	}
	if last != nil {
		f.Logger.Warn("notification dropped", "target_id", targetID, "error", last)
	}
	return last
}

// Nop discards notifications; used in tests and when no transport is
// configured.
type Nop struct{}

func (Nop) Notify(string, any) error { return nil }
