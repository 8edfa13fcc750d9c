package client

import (
	"context"

	"github.com/coder/websocket"
	"github.com/pkg/errors"

	"opusdemux/pkg/protocol"
)

// Packet is one Opus packet received from the relay.
type Packet struct {
	Data       []byte
	SampleRate int
}

// Listener receives the packets of one stream.
type Listener struct {
	conn     *websocket.Conn
	streamID string
	info     protocol.StreamInfo
}

// Listen joins streamID. The relay answers an unknown id or a full stream
// with an error message, returned here as a *protocol.Error.
func Listen(ctx context.Context, o Options, streamID string) (*Listener, error) {
	conn, err := dial(ctx, o, protocol.PathListen+streamID)
	if err != nil {
		return nil, err
	}
	return &Listener{conn: conn, streamID: streamID}, nil
}

// Info is the most recent stream_info received.
func (l *Listener) Info() protocol.StreamInfo { return l.info }

// ReadPacket blocks until the next packet. It returns ErrStreamEnded when
// the publisher finished.
func (l *Listener) ReadPacket(ctx context.Context) (Packet, error) {
	for {
		msg, data, err := readMessage(ctx, l.conn)
		if err != nil {
			return Packet{}, errors.Wrap(err, "read")
		}
		if msg == nil {
			return Packet{Data: data, SampleRate: l.info.SampleRate}, nil
		}
		switch msg.Type {
		case protocol.TypeStreamInfo:
			if msg.Info != nil {
				l.info = *msg.Info
			}
		case protocol.TypeStreamEnded:
			return Packet{}, ErrStreamEnded
		case protocol.TypeError:
			if msg.Error != nil {
				return Packet{}, msg.Error
			}
			return Packet{}, errors.New("unspecified server error")
		}
	}
}

func (l *Listener) Close() error {
	return l.conn.Close(websocket.StatusNormalClosure, "listener done")
}
