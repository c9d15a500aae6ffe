package pfc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/guileen/pgnd/errinfo"
	drverrors "github.com/guileen/pgnd/errors"
	"github.com/guileen/pgnd/stats"
)

const (
	headerSize     = 5
	initialSendBuf = 1024
)

// WireMethods frames PostgreSQL v3 protocol messages: a type byte followed
// by a big-endian int32 length that counts itself and the payload
type WireMethods struct {
	MaxFrameSize int
}

// NewWireMethods returns the default codec implementation
func NewWireMethods(maxFrameSize int) *WireMethods {
	return &WireMethods{MaxFrameSize: maxFrameSize}
}

func (m *WireMethods) Init(c *Codec, st *stats.Stats, ei *errinfo.Info) error {
	if m.MaxFrameSize < headerSize {
		return fmt.Errorf("pfc: max frame size %d smaller than a frame header", m.MaxFrameSize)
	}
	d := c.Data()
	d.MaxFrameSize = m.MaxFrameSize
	d.Stats = st
	d.SendBuf = make([]byte, 0, initialSendBuf)
	return nil
}

func (m *WireMethods) Destroy(c *Codec, st *stats.Stats, ei *errinfo.Info) {
	d := c.Data()
	d.SendBuf = nil
	d.Stats = nil
}

func (m *WireMethods) Send(c *Codec, w io.Writer, msg pgproto3.FrontendMessage) error {
	d := c.Data()
	buf, err := msg.Encode(d.SendBuf[:0])
	if err != nil {
		return drverrors.Wrapf(err, drverrors.ErrCodeProtocol, "pfc.Send", "encoding %T", msg)
	}
	if _, err := w.Write(buf); err != nil {
		return drverrors.NewIOError("pfc.Send", err)
	}
	if cap(buf) <= 4*initialSendBuf {
		d.SendBuf = buf[:0]
	}
	d.Stats.Inc(stats.PacketsSent)
	return nil
}

func (m *WireMethods) Receive(c *Codec, r io.Reader) (Frame, error) {
	d := c.Data()
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, drverrors.NewIOError("pfc.Receive", err)
	}

	length := int(binary.BigEndian.Uint32(header[1:]))
	if length < 4 || length-4 > d.MaxFrameSize {
		d.Stats.Inc(stats.ProtocolErrors)
		return Frame{}, drverrors.NewProtocolError("pfc.Receive",
			"frame %q length %d out of range (max %d)", header[0], length, d.MaxFrameSize)
	}

	payload := make([]byte, length-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, drverrors.NewIOError("pfc.Receive", err)
	}
	d.Stats.Inc(stats.PacketsReceived)
	return Frame{Type: header[0], Payload: payload}, nil
}
