// Package client publishes Ogg/Opus streams to the relay and listens to
// the Opus packets it demuxes.
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/pkg/errors"

	cidpkg "opusdemux/internal/cid"
	"opusdemux/pkg/protocol"
)

const DefaultUserAgent = "oggopus-client/1.0"

// ErrStreamEnded is returned by Listener.ReadPacket once the publisher has
// gone away.
var ErrStreamEnded = errors.New("stream ended")

// ErrChunkTooLarge is returned for chunks above protocol.MaxChunkSize.
var ErrChunkTooLarge = errors.New("chunk exceeds protocol.MaxChunkSize")

// Options configures a connection.
type Options struct {
	// ServerURL is the relay base URL, http(s):// or ws(s)://.
	ServerURL string
	UserAgent string
}

// buildDialHeaders constructs the HTTP header map used for websocket.Dial.
// Extracted to allow unit testing of header propagation.
func buildDialHeaders(ctx context.Context, userAgent string) http.Header {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	headers := http.Header{}
	headers.Set("User-Agent", userAgent)
	cidpkg.AddHeaderFromContext(headers, ctx)
	return headers
}

// wsURL joins base and path and switches http(s) to ws(s).
func wsURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "parse %v", base)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

func dial(ctx context.Context, o Options, path string) (*websocket.Conn, error) {
	target, err := wsURL(o.ServerURL, path)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: buildDialHeaders(ctx, o.UserAgent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "dial %v", target)
	}
	return conn, nil
}

// readMessage reads frames until a text message arrives and decodes it.
// Binary frames read on the way are returned in data.
func readMessage(ctx context.Context, conn *websocket.Conn) (msg *protocol.Message, data []byte, err error) {
	typ, b, err := conn.Read(ctx)
	if err != nil {
		return nil, nil, err
	}
	if typ == websocket.MessageBinary {
		return nil, b, nil
	}
	var m protocol.Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, nil, errors.Wrap(err, "decode message")
	}
	return &m, nil, nil
}

func writeMessage(ctx context.Context, conn *websocket.Conn, m protocol.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
