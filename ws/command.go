// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"atgateway/at"
)

// reply is the response frame for one command.
type reply struct {
	Success bool    `json:"success"`
	Data    *string `json:"data"`
	Error   *string `json:"error"`
}

func okReply(data string) reply {
	return reply{Success: true, Data: &data}
}

func errReply(body string) reply {
	return reply{Success: false, Error: &body}
}

// execute runs one client command and shapes the response the way the
// modem would have printed it.
func (h *Hub) execute(ctx context.Context, raw string) reply {
	cmd := strings.TrimSpace(raw)
	h.log.Debug("client command", zap.String("cmd", cmd))
	if cmd == "AT+CONNECT?" {
		flag := "0"
		if h.serialBackend {
			flag = "1"
		}
		return okReply("+CONNECT: " + flag + "\r\nOK")
	}
	if strings.HasPrefix(cmd, "AT^SYSCFGEX") {
		cmd = normalizeBandCommand(cmd)
	}
	if len(cmd) >= 2 && strings.EqualFold(cmd[:2], "AT") {
		cmd = cmd[2:]
	}
	info, err := h.commander.Command(ctx, cmd)
	return buildReply(info, err)
}

// buildReply reconstructs the modem's terminal output from the command
// result. Dial rejections such as BUSY or NO CARRIER are well-formed
// responses, not failures.
func buildReply(info []string, err error) reply {
	switch {
	case err == nil:
		lines := info
		if len(lines) == 0 || !strings.HasPrefix(lines[len(lines)-1], "CONNECT") {
			lines = append(lines, "OK")
		}
		return okReply(strings.Join(lines, "\r\n"))
	case errors.Is(err, at.ErrDisconnected):
		return okReply("")
	case errors.Is(err, at.ErrError):
		return errReply(strings.Join(append(info, "ERROR"), "\r\n"))
	}
	var cme at.CMEError
	if errors.As(err, &cme) {
		return errReply(strings.Join(append(info, "+CME ERROR: "+string(cme)), "\r\n"))
	}
	var cms at.CMSError
	if errors.As(err, &cms) {
		return errReply(strings.Join(append(info, "+CMS ERROR: "+string(cms)), "\r\n"))
	}
	var dial at.ConnectError
	if errors.As(err, &dial) {
		return okReply(strings.Join(append(info, string(dial)), "\r\n"))
	}
	return errReply(err.Error())
}

// normalizeBandCommand rewrites an AT^SYSCFGEX band configuration command
// so the band mask is quoted. Clients copying masks out of vendor tools
// tend to paste them bare, sometimes with line breaks or a trailing OK.
func normalizeBandCommand(cmd string) string {
	cmd = strings.NewReplacer("\n", "", "\r", "", "OK", "").Replace(cmd)
	if !strings.Contains(cmd, `,"",""`) {
		return cmd
	}
	parts := strings.Split(cmd, ",")
	if len(parts) < 5 {
		return cmd
	}
	bands := strings.Trim(parts[4], `"`)
	return strings.Join(parts[:4], ",") + `,"` + bands + `","",""`
}
