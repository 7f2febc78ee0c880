package notify

import (
	"context"
	"fmt"
	"sync/atomic"

	"kabanda/internal/logging"
)

// ConsoleNotifier writes messages to the log instead of a chat channel. It
// stands in for Telegram in development runs without a bot token.
type ConsoleNotifier struct {
	logger logging.Logger
	seq    atomic.Int64
}

// NewConsole creates a console notifier.
func NewConsole(logger logging.Logger) *ConsoleNotifier {
	return &ConsoleNotifier{logger: logging.OrNop(logger)}
}

var _ Notifier = (*ConsoleNotifier)(nil)

func (n *ConsoleNotifier) Send(_ context.Context, msg Message) (string, error) {
	n.logger.Info("[notify %s] %s", msg.UserID, msg.Text)
	return fmt.Sprintf("console-%d", n.seq.Add(1)), nil
}
