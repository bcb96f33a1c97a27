package router

import "github.com/cockpit-project/cockpit-ws/internal/protocol"

// openResult carries OpenInternalChannel's outcome back across the
// command queue.
type openResult struct {
	channel string
	err     error
}

// OpenInternalChannel allocates a unique_channel id, registers owner to
// receive the channel's bridge traffic, and sends the "open" control
// built from options (§4.5 step 1-2). It implicitly satisfies
// chanresponse.Router without this package importing chanresponse.
func (ws *WebService) OpenInternalChannel(owner ChannelOwner, options map[string]any) (string, error) {
	if ws.disposed.Load() {
		return "", errRouterDisposed
	}

	result := make(chan openResult, 1)
	ws.submit(func() {
		channel := ws.uniqueChannel()
		options["channel"] = channel
		ws.channels[channel] = &channelEntry{owner: owner}
		ws.bridge.Send("", protocol.BuildControl(flattenOptions(options)...))
		result <- openResult{channel: channel}
	})

	select {
	case r := <-result:
		return r.channel, r.err
	default:
		// submit() returned without running fn: the router was disposed
		// concurrently with this call.
		return "", errRouterDisposed
	}
}

// SendToBridge forwards a frame to the bridge transport verbatim;
// channel == "" denotes a control frame.
func (ws *WebService) SendToBridge(channel string, payload []byte) {
	ws.bridge.Send(channel, payload)
}

// CloseChannel removes channel from the router's index (if present),
// forwards a synthetic close with the given problem to the bridge, and
// delivers the same close to the channel's owner, used when a
// ChannelResponse's HTTP client disconnects mid-stream (§4.5 step 5).
func (ws *WebService) CloseChannel(channel string, problem string) {
	ws.submit(func() {
		entry, ok := ws.channels[channel]
		if !ok {
			return
		}
		delete(ws.channels, channel)
		ws.forwardCloseToBridge(channel, problem)
		entry.owner.DeliverControl(channel, protocol.Command{
			Name:    "close",
			Channel: channel,
			Options: map[string]any{"command": "close", "channel": channel, "problem": problem},
		})
	})
}
