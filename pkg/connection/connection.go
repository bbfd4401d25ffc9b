// Package connection wraps one websocket to one relay as a duplex
// text-message stream. TLS, handshake and permessage-deflate are
// handled here; callers only see whole messages.
package connection

import (
	"bytes"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gobwas/httphead"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog/log"
)

// T is one established websocket connection. Not safe for concurrent
// writers; the relay serializes writes through its queue.
type T struct {
	conn           net.Conn
	compression    bool
	controlHandler wsutil.FrameHandlerFunc
	flateReader    *wsflate.Reader
	reader         *wsutil.Reader
	flateWriter    *wsflate.Writer
	writer         *wsutil.Writer
	msgStateR      *wsflate.MessageState
	msgStateW      *wsflate.MessageState
}

// New dials url and completes the websocket handshake, negotiating
// permessage-deflate when the relay offers it.
func New(ctx context.Context, url string, header http.Header) (*T, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(header),
		Extensions: []httphead.Option{
			wsflate.DefaultParameters.Option(),
		},
	}
	conn, br, hs, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	// the relay may speak first; frames it sent while the handshake
	// response was being read sit in br, not on the socket
	var source io.Reader = conn
	if br != nil {
		source = io.MultiReader(
			io.LimitReader(br, int64(br.Buffered())), conn)
	}

	compression := false
	state := ws.StateClientSide
	for _, extension := range hs.Extensions {
		if string(extension.Name) == wsflate.ExtensionName {
			compression = true
			state |= ws.StateExtended
			break
		}
	}

	var flateReader *wsflate.Reader
	var msgStateR wsflate.MessageState
	if compression {
		msgStateR.SetCompressed(true)
		flateReader = wsflate.NewReader(nil, func(r io.Reader) wsflate.Decompressor {
			return flate.NewReader(r)
		})
	}

	controlHandler := wsutil.ControlFrameHandler(conn, ws.StateClientSide)
	reader := &wsutil.Reader{
		Source:         source,
		State:          state,
		OnIntermediate: controlHandler,
		CheckUTF8:      false,
		Extensions:     []wsutil.RecvExtension{&msgStateR},
	}

	var flateWriter *wsflate.Writer
	var msgStateW wsflate.MessageState
	if compression {
		msgStateW.SetCompressed(true)
		flateWriter = wsflate.NewWriter(nil, func(w io.Writer) wsflate.Compressor {
			fw, err := flate.NewWriter(w, 4)
			if err != nil {
				log.Error().Err(err).Msg("failed to create flate writer")
			}
			return fw
		})
	}

	writer := wsutil.NewWriter(conn, state, ws.OpText)
	writer.SetExtensions(&msgStateW)

	return &T{
		conn:           conn,
		compression:    compression,
		controlHandler: controlHandler,
		flateReader:    flateReader,
		reader:         reader,
		msgStateR:      &msgStateR,
		flateWriter:    flateWriter,
		writer:         writer,
		msgStateW:      &msgStateW,
	}, nil
}

// Send writes one text message.
func (c *T) Send(data []byte) error {
	if c.msgStateW.IsCompressed() && c.compression {
		c.flateWriter.Reset(c.writer)
		if _, err := io.Copy(c.flateWriter, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		if err := c.flateWriter.Close(); err != nil {
			return fmt.Errorf("failed to close flate writer: %w", err)
		}
	} else {
		if _, err := io.Copy(c.writer, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}

// Ping writes a ping control frame.
func (c *T) Ping() error {
	return wsutil.WriteClientMessage(c.conn, ws.OpPing, nil)
}

// Receive reads the next complete text or binary message into buf,
// transparently answering control frames along the way.
func (c *T) Receive(ctx context.Context, buf io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		h, err := c.reader.NextFrame()
		if err != nil {
			c.conn.Close()
			return fmt.Errorf("failed to advance frame: %w", err)
		}
		if h.OpCode.IsControl() {
			if err := c.controlHandler(h, c.reader); err != nil {
				return fmt.Errorf("failed to handle control frame: %w", err)
			}
			continue
		}
		if h.OpCode == ws.OpBinary || h.OpCode == ws.OpText {
			break
		}
		if err := c.reader.Discard(); err != nil {
			return fmt.Errorf("failed to discard frame: %w", err)
		}
	}

	if c.msgStateR.IsCompressed() && c.compression {
		c.flateReader.Reset(c.reader)
		if _, err := io.Copy(buf, c.flateReader); err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
	} else {
		if _, err := io.Copy(buf, c.reader); err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
	}
	return nil
}

// Close tears the socket down.
func (c *T) Close() error {
	return c.conn.Close()
}
