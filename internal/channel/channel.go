package channel

import (
	"context"
	"errors"

	"github.com/Cypherspark/broadcast-engine/internal/core"
)

// Channel delivers one message body to one recipient on the external chat network.
type Channel interface {
	Send(ctx context.Context, recipientID, content string) error
}

// ErrPermanent marks failures that will not succeed on retry (blocked bot,
// unknown chat, malformed recipient).
var ErrPermanent = errors.New("permanent channel failure")

// Classify wraps a send error as a *core.ChannelError. sendCtx is the
// per-send context so a hung attempt that hit its deadline counts as a timeout.
func Classify(sendCtx context.Context, recipientID string, err error) *core.ChannelError {
	var ce *core.ChannelError
	if errors.As(err, &ce) {
		return ce
	}
	return &core.ChannelError{
		RecipientID: recipientID,
		Err:         err,
		Timeout:     errors.Is(err, context.DeadlineExceeded) || errors.Is(sendCtx.Err(), context.DeadlineExceeded),
		Permanent:   errors.Is(err, ErrPermanent),
	}
}

// Func adapts a plain function to Channel.
type Func func(ctx context.Context, recipientID, content string) error

func (f Func) Send(ctx context.Context, recipientID, content string) error {
	return f(ctx, recipientID, content)
}
