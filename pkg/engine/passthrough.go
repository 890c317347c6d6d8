// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/edgewire/wireline/pkg/errors"
	"github.com/edgewire/wireline/pkg/wire"
)

// Framing is the connection framing strategy: the HTTP/1.1 parser before an
// upgrade, the pass-through shim after. Selected once per connection and
// never switched back.
type Framing interface {
	Receive(data []byte)
	CloseReceived()
	NextEvent() (wire.Event, error)
	Send(ev wire.Sendable) ([]byte, error)
	StartNextCycle() error
	States() (our, their wire.State)
	TheyAreWaitingFor100Continue() bool
}

var (
	_ Framing = (*wire.Parser)(nil)
	_ Framing = (*passthrough)(nil)
)

// passthrough replaces the HTTP parser once a connection has been upgraded:
// buffered bytes are drained as opaque Data events and never interpreted as
// HTTP framing again. Serialization is delegated to the retired parser so a
// failed handshake can still be answered with a plain HTTP response.
type passthrough struct {
	inner *wire.Parser
	buf   []byte

	closed         bool
	closeDelivered bool
}

func newPassthrough(inner *wire.Parser) *passthrough {
	return &passthrough{
		inner: inner,
		buf:   inner.TakeBuffered(),
	}
}

func (p *passthrough) Receive(data []byte) {
	p.buf = append(p.buf, data...)
}

func (p *passthrough) CloseReceived() {
	p.closed = true
}

func (p *passthrough) NextEvent() (wire.Event, error) {
	if len(p.buf) > 0 {
		chunk := p.buf
		p.buf = nil
		return wire.Data{Chunk: chunk}, nil
	}
	if p.closed && !p.closeDelivered {
		p.closeDelivered = true
		return wire.ConnectionClosed{}, nil
	}
	return wire.NeedMoreData{}, nil
}

func (p *passthrough) Send(ev wire.Sendable) ([]byte, error) {
	return p.inner.Send(ev)
}

// StartNextCycle always fails: an upgraded connection is never recycled.
func (p *passthrough) StartNextCycle() error {
	return errors.Wrap(errors.ErrCycleIncomplete, "connection upgraded")
}

func (p *passthrough) States() (our, their wire.State) {
	return wire.StateMustClose, wire.StateMustClose
}

func (p *passthrough) TheyAreWaitingFor100Continue() bool {
	return false
}
