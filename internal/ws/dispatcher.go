package ws

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/pairline/realtime/internal/logging"
	"github.com/pairline/realtime/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete value
// returned by protocol.ParseClientMessage, e.g. protocol.SendMessageMsg.
type MessageHandler func(conn *Connection, msgType string, msg interface{})

// Writer writes a frame to a session. *Server implements it.
type Writer interface {
	SendMessage(connID string, data []byte) error
}

// MessageDispatcher routes incoming frames to handlers by message type. Ping
// is answered internally; malformed frames and unregistered types get an
// invalid_message error frame.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	out      Writer
	log      zerolog.Logger
}

// NewMessageDispatcher creates a dispatcher that answers through out. out may
// be nil and set later with SetWriter, since the server is usually built with
// Dispatch as its message callback.
func NewMessageDispatcher(out Writer, logger zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		out:      out,
		log:      logging.Component(logger, "dispatcher"),
	}
}

// SetWriter assigns the frame writer.
func (d *MessageDispatcher) SetWriter(out Writer) {
	d.out = out
}

// Register associates handler with msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's message callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("session", conn.ID).Msg("unparseable frame")
		d.send(conn, protocol.NewErrorMessage(protocol.CodeInvalidMessage, "invalid message format"))
		return
	}

	if msgType == protocol.TypePing {
		conn.touch(time.Now())
		pong, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
		if err == nil {
			d.send(conn, pong)
		}
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("session", conn.ID).Str("type", msgType).Msg("unsupported message type")
		d.send(conn, protocol.NewErrorMessage(protocol.CodeInvalidMessage, "unsupported message type"))
		return
	}

	handler(conn, msgType, msg)
}

func (d *MessageDispatcher) send(conn *Connection, data []byte) {
	var err error
	if d.out != nil {
		err = d.out.SendMessage(conn.ID, data)
	} else {
		err = conn.WriteMessage(data)
	}
	if err != nil {
		d.log.Debug().Err(err).Str("session", conn.ID).Msg("reply failed")
	}
}
