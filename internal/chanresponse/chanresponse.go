// Package chanresponse implements ChannelResponse (§4.5): a transient
// adapter that turns one HTTP request/response pair into a one-shot
// channel on a session router, for serving resources the bridge owns
// (package files, branding, external channels) over plain HTTP.
//
// Status mapping and the fixed security/cache header block (§6) each
// live in one small function, the same shape as a single middleware
// setting a fixed header set.
package chanresponse

import (
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/language"

	"github.com/cockpit-project/cockpit-ws/internal/protocol"
	"github.com/cockpit-project/cockpit-ws/internal/transport"
	"github.com/cockpit-project/cockpit-ws/internal/wslog"
)

var log = wslog.For("chanresponse")

// Router is the subset of *router.WebService a ChannelResponse needs.
// Declared here, satisfied implicitly by WebService's methods, so
// router never has to import this package.
type Router interface {
	// OpenInternalChannel allocates a unique_channel id, registers
	// owner to receive its traffic, and sends the "open" control
	// built from options (to which "channel" is added).
	OpenInternalChannel(owner ChannelOwner, options map[string]any) (channel string, err error)
	// SendToBridge forwards a frame verbatim; channel == "" is a
	// control frame.
	SendToBridge(channel string, payload []byte)
	// CloseChannel removes the channel from the router's index,
	// forwards a synthetic close/problem to the bridge, and delivers
	// that close to the channel's owner.
	CloseChannel(channel string, problem string)
}

// ChannelOwner is the callback surface the router drives a
// ChannelResponse through. Structurally identical to
// router.ChannelOwner; declared separately so chanresponse does not
// import router.
type ChannelOwner interface {
	DeliverControl(channel string, cmd protocol.Command)
	DeliverRecv(channel string, payload []byte)
}

// Response adapts one HTTP request/response pair to a bridge channel.
// Build and drive one with Serve; it blocks until the channel closes
// or the request's context is cancelled.
type Response struct {
	router  Router
	w       http.ResponseWriter
	r       *http.Request
	channel string

	done         chan struct{}
	statusSent   bool
	suppressBody bool

	acceptsGzip bool
	gz          *gzip.Writer
}

// Serve opens an internal channel for (host, path), streams the
// bridge's reply into w, and blocks until the channel closes or the
// request context ends (client disconnect mid-stream).
func Serve(router Router, w http.ResponseWriter, r *http.Request, host, path string) {
	resp := &Response{
		router:      router,
		w:           w,
		r:           r,
		done:        make(chan struct{}),
		acceptsGzip: strings.Contains(r.Header.Get("Accept-Encoding"), "gzip"),
	}

	options := buildOpenOptions(r, host, path)

	channel, err := router.OpenInternalChannel(resp, options)
	if err != nil {
		log.Errorf("opening channel response for %s%s: %v", host, path, err)
		http.Error(w, "channel unavailable", http.StatusInternalServerError)
		return
	}
	resp.channel = channel

	router.SendToBridge("", protocol.BuildControl("command", "done", "channel", channel))

	select {
	case <-resp.done:
	case <-r.Context().Done():
		router.CloseChannel(channel, transport.ProblemDisconnected)
		<-resp.done
	}
}

// DeliverControl implements ChannelOwner, invoked on the router's own
// goroutine: a "response" header message, or a terminal "close".
func (resp *Response) DeliverControl(channel string, cmd protocol.Command) {
	switch cmd.Name {
	case "response":
		resp.writeHeaders(cmd.Options)
	case "close":
		resp.finish(cmd.Options)
	}
}

// DeliverRecv implements ChannelOwner: one body chunk from the bridge.
func (resp *Response) DeliverRecv(channel string, payload []byte) {
	if !resp.statusSent {
		resp.w.WriteHeader(http.StatusOK)
		resp.statusSent = true
	}
	if resp.suppressBody {
		return
	}
	if resp.gz != nil {
		_, _ = resp.gz.Write(payload)
	} else {
		_, _ = resp.w.Write(payload)
	}
	if f, ok := resp.w.(http.Flusher); ok {
		f.Flush()
	}
}

// writeHeaders applies the bridge's declared status/headers plus the
// fixed security/cache header set, honouring If-None-Match against a
// checksum ETag (§4.5 caching rules).
func (resp *Response) writeHeaders(options map[string]any) {
	writeSecurityHeaders(resp.w, options, selfOrigin(resp.r))

	if raw, ok := options["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				resp.w.Header().Set(k, s)
			}
		}
	}

	if etag := resp.w.Header().Get("ETag"); etag != "" {
		if inm := resp.r.Header.Get("If-None-Match"); inm != "" && inm == etag {
			resp.w.WriteHeader(http.StatusNotModified)
			resp.statusSent = true
			resp.suppressBody = true
			return
		}
	}

	if resp.acceptsGzip && resp.w.Header().Get("Content-Encoding") == "" {
		resp.w.Header().Set("Content-Encoding", "gzip")
		resp.gz = gzip.NewWriter(resp.w)
	}

	status, _ := options["status"].(float64)
	if status == 0 {
		status = http.StatusOK
	}
	resp.w.WriteHeader(int(status))
	resp.statusSent = true
}

// finish maps a channel close problem to an HTTP status (§4.4, §7) and
// releases Serve's wait. A close that carries no problem after headers
// were already written is just normal end-of-body.
func (resp *Response) finish(options map[string]any) {
	defer close(resp.done)
	if resp.gz != nil {
		_ = resp.gz.Close()
	}

	if resp.statusSent {
		return
	}

	problem, _ := options["problem"].(string)
	switch problem {
	case "":
		resp.w.WriteHeader(http.StatusOK)
	case transport.ProblemNotFound, transport.ProblemNotSupported:
		http.Error(resp.w, "not found", http.StatusNotFound)
	case transport.ProblemAccessDenied:
		http.Error(resp.w, "access denied", http.StatusForbidden)
	default:
		http.Error(resp.w, "internal error", http.StatusInternalServerError)
	}
	resp.statusSent = true
}

// buildOpenOptions assembles the "open" control payload for an
// http-stream1 channel: host, path, accept-language (from header or
// CockpitLang cookie), and a checksum prefix split off the path when
// the request addresses a checksum-keyed resource.
func buildOpenOptions(r *http.Request, host, path string) map[string]any {
	options := map[string]any{
		"command": "open",
		"payload": "http-stream1",
		"host":    host,
		"path":    path,
	}

	if langs := acceptLanguages(r); len(langs) > 0 {
		options["accept-language"] = langs
	}

	if checksum, rest, ok := strings.Cut(strings.TrimPrefix(path, "/"), "/"); ok && len(checksum) == 64 {
		options["checksum"] = checksum
		options["path"] = "/" + rest
	}

	return options
}

// acceptLanguages resolves the client's preferred languages: a
// CockpitLang cookie takes priority over the Accept-Language header,
// which is parsed with golang.org/x/text/language.
func acceptLanguages(r *http.Request) []string {
	if cookie, err := r.Cookie("CockpitLang"); err == nil && cookie.Value != "" {
		return []string{cookie.Value}
	}

	header := r.Header.Get("Accept-Language")
	if header == "" {
		return nil
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, t.String())
	}
	return out
}

// writeSecurityHeaders applies the fixed header set from §6. A
// checksum-addressed resource (whose bridge response carries "etag")
// gets long-lived public caching; everything else is no-store.
func writeSecurityHeaders(w http.ResponseWriter, options map[string]any, origin string) {
	h := w.Header()
	h.Set("X-DNS-Prefetch-Control", "off")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cross-Origin-Resource-Policy", "same-origin")
	h.Set("X-Frame-Options", "sameorigin")
	h.Set("Vary", "Cookie")

	base, _ := options["csp"].(string)
	h.Set("Content-Security-Policy", buildContentSecurityPolicy(base, origin))

	if etag, ok := options["etag"].(string); ok && etag != "" {
		h.Set("ETag", etag)
		h.Set("Cache-Control", "max-age=31556926, public")
		return
	}
	h.Set("Cache-Control", "no-cache, no-store")
}

// cspDefaults are the directives filled in when the bridge's base policy
// doesn't already declare them.
var cspDefaults = []struct {
	prefix string
	value  string
}{
	{"default-src ", "default-src 'self'"},
	{"connect-src ", "connect-src 'self'"},
	{"form-action ", "form-action 'self'"},
	{"base-uri ", "base-uri 'self'"},
	{"object-src ", "object-src 'none'"},
	{"font-src ", "font-src 'self' data:"},
	{"img-src ", "img-src 'self' data:"},
	{"block-all-mixed-content", "block-all-mixed-content"},
}

// buildContentSecurityPolicy synthesizes the Content-Security-Policy
// header value from an optional per-response base policy, filling in
// any of cspDefaults' directives the base doesn't already declare, then
// merging origin into every 'self' token (plus a ws/wss variant into
// connect-src, since a browser treats wss as a distinct scheme from
// https and won't allow a component's own WebSocket back to us
// otherwise).
func buildContentSecurityPolicy(base, origin string) string {
	var declared []string
	if base != "" {
		for _, p := range strings.Split(base, ";") {
			if p = strings.TrimSpace(p); p != "" {
				declared = append(declared, p)
			}
		}
	}

	var directives []string
	for _, d := range cspDefaults {
		if hasDirectivePrefix(declared, d.prefix) {
			continue
		}
		value := d.value
		if d.prefix == "connect-src " && strings.HasPrefix(origin, "http") {
			value += " ws" + origin[len("http"):]
		}
		directives = append(directives, value)
	}
	directives = append(directives, declared...)

	policy := strings.Join(directives, "; ")
	if origin != "" {
		policy = strings.ReplaceAll(policy, "'self'", "'self' "+origin)
	}
	return policy
}

func hasDirectivePrefix(directives []string, prefix string) bool {
	for _, d := range directives {
		if strings.HasPrefix(d, prefix) {
			return true
		}
	}
	return false
}

// selfOrigin renders the scheme+host this server is reachable at, for
// injection into the synthesized Content-Security-Policy.
func selfOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
