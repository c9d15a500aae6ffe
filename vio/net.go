package vio

import (
	"context"
	"errors"
	"time"

	"github.com/guileen/pgnd/errinfo"
	drverrors "github.com/guileen/pgnd/errors"
	"github.com/guileen/pgnd/logger"
	"github.com/guileen/pgnd/stats"
)

// NetMethods is the default channel implementation over net.Conn
type NetMethods struct {
	Dialer         Dialer
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// NewNetMethods returns the default implementation with a NetDialer
func NewNetMethods(connectTimeout, readTimeout, writeTimeout time.Duration) *NetMethods {
	return &NetMethods{
		Dialer:         NetDialer{Timeout: connectTimeout},
		ConnectTimeout: connectTimeout,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
	}
}

func (m *NetMethods) Init(ch *Channel, st *stats.Stats, ei *errinfo.Info) error {
	if m.Dialer == nil {
		return errors.New("vio: no dialer configured")
	}
	d := ch.Data()
	d.Stats = st
	d.ConnectTimeout = m.ConnectTimeout
	d.ReadTimeout = m.ReadTimeout
	d.WriteTimeout = m.WriteTimeout
	return nil
}

func (m *NetMethods) Destroy(ch *Channel, st *stats.Stats, ei *errinfo.Info) {
	if err := m.Close(ch); err != nil {
		logger.Debug("closing transport on destroy", logger.ErrorField(err))
	}
	ch.Data().Stats = nil
}

func (m *NetMethods) Connect(ctx context.Context, ch *Channel, network, address string) error {
	d := ch.Data()
	if d.Conn != nil {
		return drverrors.NewInvalidStateError("vio.Connect", "channel already connected")
	}
	if d.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.ConnectTimeout)
		defer cancel()
	}

	conn, err := m.Dialer.Dial(ctx, network, address)
	if err != nil {
		d.Stats.Inc(stats.ConnectFailure)
		return drverrors.NewIOError("vio.Connect", err)
	}
	d.Conn = conn
	return nil
}

func (m *NetMethods) Close(ch *Channel) error {
	d := ch.Data()
	if d.Conn == nil {
		return nil
	}
	err := d.Conn.Close()
	d.Conn = nil
	return err
}
