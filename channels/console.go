package channels

import (
	"context"
	"fmt"
	"io"
	"sync"

	goMFA "github.com/MrEthical07/goMFA"
)

// Console writes rendered messages to w. It exists for local development
// (mfactl dev) and prints the code in clear text.
type Console struct {
	mu        sync.Mutex
	w         io.Writer
	templates *Renderer
}

var _ goMFA.ChannelSender = (*Console)(nil)

// NewConsole returns a sender writing to w.
func NewConsole(w io.Writer, templates *Renderer) *Console {
	if templates == nil {
		templates = MustRenderer(nil)
	}
	return &Console{w: w, templates: templates}
}

// Send implements goMFA.ChannelSender.
func (c *Console) Send(_ context.Context, msg goMFA.Message) error {
	subject, body, err := c.templates.Render(msg.Template, msg.Params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = fmt.Fprintf(c.w, "[%s] to=%s subject=%q\n%s\n", msg.Factor, msg.Destination, subject, body)
	return err
}
