package router

import (
	"github.com/cockpit-project/cockpit-ws/internal/protocol"
	"github.com/cockpit-project/cockpit-ws/internal/transport"
	"github.com/cockpit-project/cockpit-ws/internal/wsconn"
)

// handleBridgeInit processes the bridge's mandatory first control
// message (§4.4.1). Any other bridge message arriving first is a
// protocol error; a version other than 1 is not-supported.
func (ws *WebService) handleBridgeInit(cmd protocol.Command) {
	version, _ := cmd.Options["version"].(float64)
	if version != 1 {
		routerLog.Errorf("bridge init carried unsupported version %v", cmd.Options["version"])
		ws.bridge.Close(transport.ProblemNotSupported)
		return
	}

	ws.bridgeInit = cmd.Options
	ws.bridgeReady = true

	reply := []any{"command", "init", "version", float64(1), "host", ws.cfg.Host}

	if ws.bridgeDeclares("explicit-superuser") {
		if su := ws.creds.Superuser(); su != nil {
			reply = append(reply, "superuser", map[string]any{"id": su.ID})
		} else {
			reply = append(reply, "superuser", false)
			ws.creds.Poison()
		}
	}
	// When the bridge lacks explicit-superuser, the 120s poison timer
	// started in Run() is what eventually poisons credentials.

	ws.bridge.Send("", protocol.BuildControl(reply...))
}

func (ws *WebService) bridgeDeclares(capability string) bool {
	raw, _ := ws.bridgeInit["capabilities"].([]any)
	for _, c := range raw {
		if s, ok := c.(string); ok && s == capability {
			return true
		}
	}
	return false
}

// sendSocketInit sends the per-socket init handshake message on socket
// open (§4.4.1).
func (ws *WebService) sendSocketInit(s *socket) {
	frame := protocol.BuildControl(
		"command", "init",
		"version", float64(1),
		"channel-seed", s.id,
		"host", ws.cfg.Host,
		"csrf-token", ws.creds.CSRFToken(),
		"capabilities", []any{"multi", "credentials", "binary"},
		"system", map[string]any{"version": ws.cfg.SystemVersion},
	)
	_ = s.conn.Send("text", protocol.BuildFrame("", frame))
}

// handleClientMessage processes one raw WebSocket message from socket
// s, enforcing that the client's own init is the first message (§4.4.1)
// and dispatching subsequent frames per §4.4.2.
func (ws *WebService) handleClientMessage(s *socket, data []byte) {
	channel, payload, err := protocol.ParseFrame(data)
	if err != nil {
		ws.protocolErrorOnSocket(s)
		return
	}

	if channel == "" {
		cmd, err := protocol.ParseCommand(payload)
		if err != nil {
			ws.protocolErrorOnSocket(s)
			return
		}

		if !s.initDone {
			if cmd.Name != "init" {
				ws.protocolErrorOnSocket(s)
				return
			}
			version, _ := cmd.Options["version"].(float64)
			if version != 1 {
				ws.protocolErrorOnSocket(s)
				return
			}
			s.initDone = true
			s.initObj = cmd.Options
			return
		}

		ws.dispatchClientControl(s, cmd)
		return
	}

	if !s.initDone {
		ws.protocolErrorOnSocket(s)
		return
	}

	if _, ok := s.channels[channel]; ok {
		ws.bridge.Send(channel, payload)
		return
	}
	routerLog.Debugf("dropping frame for unknown channel %q on socket %s", channel, s.id)
}

// protocolErrorOnSocket implements the validation-failure rule common to
// §4.4.1 and §4.4.2: send close/problem=protocol-error on the control
// prefix, then close the offending WebSocket.
func (ws *WebService) protocolErrorOnSocket(s *socket) {
	frame := protocol.BuildControl("command", "close", "problem", transport.ProblemProtocolError)
	_ = s.conn.Send("text", protocol.BuildFrame("", frame))
	s.conn.Close(wsconn.CloseServerError, transport.ProblemProtocolError)
}
