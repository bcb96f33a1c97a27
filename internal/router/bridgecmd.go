package router

import (
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/cockpit-project/cockpit-ws/internal/protocol"
	"github.com/cockpit-project/cockpit-ws/internal/transport"
)

// handleBridgeEvent dispatches one event read off the bridge transport
// (§4.4.3). The first control message the bridge ever sends is its init
// handshake; every later channel-less control message is an authorize
// challenge, superuser-init-done, or something unrecognized to log and
// ignore.
func (ws *WebService) handleBridgeEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventControl:
		if ev.Channel == "" {
			ws.handleBridgeControl(ev.Command)
			return
		}
		if !ws.bridgeReady {
			routerLog.Errorf("bridge sent channel traffic before init")
			ws.bridge.Close(transport.ProblemProtocolError)
			return
		}
		entry, ok := ws.channels[ev.Channel]
		if !ok {
			return
		}
		entry.owner.DeliverControl(ev.Channel, ev.Command)
		if ev.Command.Name == "close" {
			delete(ws.channels, ev.Channel)
		}

	case transport.EventRecv:
		if !ws.bridgeReady {
			routerLog.Errorf("bridge sent channel traffic before init")
			ws.bridge.Close(transport.ProblemProtocolError)
			return
		}
		entry, ok := ws.channels[ev.Channel]
		if !ok {
			return
		}
		entry.owner.DeliverRecv(ev.Channel, ev.Payload)

	case transport.EventClosed:
		problem := ev.Problem
		if problem == "" {
			problem = transport.ProblemTerminated
		}
		ws.disposeNow(problem)

	case transport.EventPressure:
		// Back-pressure signalling from the bridge side is advisory only;
		// the router has no upstream write queue of its own to throttle.
	}
}

// handleBridgeControl processes a channel-less control message from the
// bridge: the mandatory init handshake if it hasn't happened yet,
// otherwise authorize challenges and superuser-init-done.
func (ws *WebService) handleBridgeControl(cmd protocol.Command) {
	if !ws.bridgeReady {
		if cmd.Name != "init" {
			routerLog.Errorf("bridge sent %q before init", cmd.Name)
			ws.bridge.Close(transport.ProblemProtocolError)
			return
		}
		ws.handleBridgeInit(cmd)
		return
	}

	switch cmd.Name {
	case "authorize":
		ws.handleBridgeAuthorize(cmd)
	case "superuser-init-done":
		// Whichever of this event and the poison timer fires first wins;
		// Run's poison timer simply becomes a no-op once creds are already
		// poisoned (Poison is idempotent).
		ws.creds.Poison()
	default:
		routerLog.Debugf("ignoring unrecognized bridge control command %q", cmd.Name)
	}
}

// forwardCloseToBridge sends a synthetic close control message for
// channel to the bridge, used when the owning socket disconnects
// without having closed the channel itself (§3 lifecycle).
func (ws *WebService) forwardCloseToBridge(channel, problem string) {
	frame := protocol.BuildControl("command", "close", "channel", channel, "problem", problem)
	ws.bridge.Send("", frame)
}

// handleBridgeAuthorize answers an authorize challenge from the bridge
// (§4.4.4). The challenge is "<type>:<cookie>[:<hex-subject>]"; a
// non-empty subject must match the session's user (case-insensitively,
// independent of hex case) or the challenge is refused with an empty
// response. Poisoned or passwordless credentials always answer empty,
// which the bridge treats as an authentication failure. A challenge of
// any type other than plain1, crypt1 or basic is logged and gets no
// reply at all.
func (ws *WebService) handleBridgeAuthorize(cmd protocol.Command) {
	challenge, _ := cmd.Options["challenge"].(string)
	cookie, _ := cmd.Options["cookie"].(string)

	typ, _, subjectHex := splitChallenge(challenge)

	switch typ {
	case "plain1", "crypt1", "basic":
	default:
		routerLog.Debugf("ignoring authorize challenge of unrecognized type %q", typ)
		return
	}

	if subjectHex != "" {
		subject, err := decodeHexSubject(subjectHex)
		if err != nil || !ws.creds.MatchesSubject(subject) {
			ws.sendAuthorizeResponse(cookie, "")
			return
		}
	}

	var response string
	switch typ {
	case "plain1":
		if pw := ws.creds.Password(); pw != nil {
			response = string(pw)
		}
	case "basic":
		if pair, ok := ws.creds.BasicAuthPair(); ok {
			response = "Basic " + base64.StdEncoding.EncodeToString([]byte(pair))
		}
	case "crypt1":
		// cockpit_compat_reply_crypt1's exact digest algorithm isn't
		// reachable from this session's credential material; refuse
		// rather than guess at a scheme the bridge will reject anyway.
		response = ""
	}

	ws.sendAuthorizeResponse(cookie, response)
}

func (ws *WebService) sendAuthorizeResponse(cookie, response string) {
	frame := protocol.BuildControl("command", "authorize", "cookie", cookie, "response", response, "host", ws.cfg.Host)
	ws.bridge.Send("", frame)
}

// splitChallenge parses a "type:cookie[:hex-subject]" challenge string.
func splitChallenge(challenge string) (typ, cookie, subjectHex string) {
	parts := strings.SplitN(challenge, ":", 3)
	switch len(parts) {
	case 3:
		return parts[0], parts[1], parts[2]
	case 2:
		return parts[0], parts[1], ""
	case 1:
		return parts[0], "", ""
	default:
		return "", "", ""
	}
}

func decodeHexSubject(hexSubject string) (string, error) {
	raw, err := hex.DecodeString(hexSubject)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
