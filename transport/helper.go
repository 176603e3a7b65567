// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"atgateway/config"
)

// helperTool is the external binary invoked per command.
var helperTool = "tom_modem"

// helperConn drives the modem through one tom_modem invocation per write.
//
// The helper owns the device for the duration of each command and prints the
// full response on stdout, which is surfaced by subsequent reads. There is
// no device to hold open, so construction cannot fail and unsolicited lines
// between commands are never seen on this backend.
type helperConn struct {
	port    string
	flags   []string
	timeout time.Duration

	out  chan []byte
	done chan struct{}
	once sync.Once
	rem  []byte
}

func newHelper(cfg config.Serial) io.ReadWriteCloser {
	c := helperConn{
		port:    cfg.Port,
		timeout: cfg.Timeout(),
		out:     make(chan []byte, 16),
		done:    make(chan struct{}),
	}
	if cfg.Feature == "UBUS" {
		c.flags = append(c.flags, "-u")
	}
	return &c
}

// Write runs the helper with the command and queues its output for Read.
func (c *helperConn) Write(p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, io.ErrClosedPipe
	default:
	}
	cmd := strings.TrimRight(string(p), "\r\n")
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	args := append([]string{c.port, "-c", cmd}, c.flags...)
	out, err := exec.CommandContext(ctx, helperTool, args...).Output()
	if err != nil {
		return 0, errors.Wrap(err, helperTool)
	}
	// The response scanner only completes a terminated line.
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\r', '\n')
	}
	select {
	case c.out <- out:
	case <-c.done:
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

// Read returns buffered helper output, blocking until a write produces some
// or the transport is closed.
func (c *helperConn) Read(p []byte) (int, error) {
	if len(c.rem) > 0 {
		n := copy(p, c.rem)
		c.rem = c.rem[n:]
		return n, nil
	}
	select {
	case out := <-c.out:
		n := copy(p, out)
		c.rem = out[n:]
		return n, nil
	case <-c.done:
		return 0, io.EOF
	}
}

func (c *helperConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
