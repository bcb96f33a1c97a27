package router

import (
	"encoding/base64"
	"strings"

	"github.com/cockpit-project/cockpit-ws/internal/protocol"
	"github.com/cockpit-project/cockpit-ws/internal/transport"
)

// dispatchClientControl handles one control command parsed from a
// client message, per the table in §4.4.2.
func (ws *WebService) dispatchClientControl(s *socket, cmd protocol.Command) {
	switch cmd.Name {
	case "init":
		// A second init after the handshake is just another message; the
		// spec only constrains the *first* one. Ignore.
		return

	case "open":
		ws.handleClientOpen(s, cmd)

	case "close":
		if cmd.Channel == "" {
			return
		}
		delete(s.channels, cmd.Channel)
		delete(ws.channels, cmd.Channel)
		ws.bridge.Send("", protocol.BuildControl(flattenOptions(cmd.Options)...))

	case "kill":
		ws.bridge.Send("", protocol.BuildControl(flattenOptions(cmd.Options)...))

	case "ping":
		reply := protocol.BuildControl("command", "pong")
		_ = s.conn.Send("text", protocol.BuildFrame("", reply))

	case "authorize":
		ws.handleClientAuthorize(s, cmd)

	case "logout":
		ws.creds.Poison()
		ws.disposeNow(transport.ProblemTerminated)

	default:
		if cmd.Channel != "" {
			if _, known := ws.channels[cmd.Channel]; known {
				ws.bridge.Send("", protocol.BuildControl(flattenOptions(cmd.Options)...))
				return
			}
		}
		routerLog.Debugf("ignoring unknown client control command %q", cmd.Name)
	}
}

// handleClientOpen validates and registers a client-initiated channel
// open (§4.4.2).
func (ws *WebService) handleClientOpen(s *socket, cmd protocol.Command) {
	channel, _ := cmd.Options["channel"].(string)
	if channel == "" {
		ws.protocolErrorOnSocket(s)
		return
	}
	if err := ws.reserveChannel(channel); err != nil {
		ws.protocolErrorOnSocket(s)
		return
	}

	flavor := "text"
	if binary, _ := cmd.Options["binary"].(string); binary == "raw" {
		flavor = "binary"
	}

	s.channels[channel] = flavor
	ws.channels[channel] = &channelEntry{owner: s, sock: s, flavor: flavor}

	ws.bridge.Send("", protocol.BuildControl(flattenOptions(cmd.Options)...))
}

// handleClientAuthorize handles an "authorize" message from the client:
// either an in-session credential update or a logout trigger (top-level
// "logout" command field) (§4.4.2). There is no separate "type" field;
// as with the bridge's own challenge strings, the type is the prefix of
// "response" up to the first colon, e.g. "basic:<base64(user:password)>".
func (ws *WebService) handleClientAuthorize(s *socket, cmd protocol.Command) {
	if logout, _ := cmd.Options["logout"].(bool); logout {
		ws.creds.Poison()
		ws.disposeNow(transport.ProblemTerminated)
		return
	}

	raw, _ := cmd.Options["response"].(string)
	authType, response, _ := strings.Cut(raw, ":")
	if authType != "basic" || response == "" {
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		routerLog.Debugf("client authorize response was not valid base64")
		return
	}
	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return
	}
	ws.creds.UpdateBasic(user, []byte(password))
	for i := range decoded {
		decoded[i] = 0
	}
}
