package conn

import (
	"context"
	"strings"
	"time"

	"raven/internal/imap/command"
	"raven/internal/imap/response"
)

// idlePollInterval bounds how stale an idling connection can be about
// mutations made outside this process.
const idlePollInterval = 30 * time.Second

// handleIdle implements RFC 2177: emit "+ idling", then wait for either a
// backend change notification (fork and flush updates) or the client's
// "DONE" line. The read side runs in its own goroutine since bufio.Reader
// has no cancellable Read; the goroutine outlives a timeout-triggered
// return but its result is simply discarded in that case. Anything
// other than "DONE" during the idling continuation is not tolerated as
// a stray line: it terminates the connection with BAD.
func (c *Conn) handleIdle(ctx context.Context, cmd *command.Command) error {
	if err := c.resp.Continuation("idling"); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}

	done := make(chan struct{}, 1)
	badLine := make(chan struct{}, 1)
	readErr := make(chan error, 1)
	go func() {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			readErr <- err
			return
		}
		if strings.TrimRight(line, "\r\n") == "DONE" {
			done <- struct{}{}
			return
		}
		badLine <- struct{}{}
	}()

	changes := c.mailbox.Changes()
	deadline := time.NewTimer(c.opts.idleMax())
	defer deadline.Stop()

	// Change notifications only cover mutations made through this
	// process's Backend; the delivery pipeline writes the same mailstore
	// from its own process. A slow re-poll picks those up — the diff
	// engine makes a no-change poll free.
	poll := time.NewTicker(idlePollInterval)
	defer poll.Stop()

	for {
		select {
		case <-done:
			return c.tagOK(cmd.Tag, "IDLE completed.")
		case <-badLine:
			if err := c.resp.Tagged(cmd.Tag, response.BAD, "", "expected DONE"); err != nil {
				return err
			}
			c.writer.Flush()
			c.state = Logout
			return nil
		case err := <-readErr:
			return err
		case <-changes:
			if err := c.flushSelectedUpdates(ctx); err != nil {
				return err
			}
			if err := c.writer.Flush(); err != nil {
				return err
			}
		case <-poll.C:
			if err := c.flushSelectedUpdates(ctx); err != nil {
				return err
			}
			if err := c.writer.Flush(); err != nil {
				return err
			}
		case <-deadline.C:
			if err := c.resp.Bye("IDLE timed out."); err != nil {
				return err
			}
			c.writer.Flush()
			c.state = Logout
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
