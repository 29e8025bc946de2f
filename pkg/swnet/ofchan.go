/*
 * Copyright (c) 2022 NetLOX Inc
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at:
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package swnet

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/contiv/libOpenflow/common"
	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/libOpenflow/util"
	tk "github.com/loxilb-io/loxilib"
)

// openflow channel constants
const (
	OfHandshakeTimeout = 3 * time.Second
	OfListenRetry      = 2 * time.Second
)

// ofConn - a connected openflow 1.3 switch
type ofConn struct {
	stream  *util.MessageStream
	dpid    uint64
	mtx     sync.Mutex
	pending map[uint32]chan struct{}
	down    chan struct{}
	closed  bool
}

// ofParser - parses inbound openflow 1.3 messages
type ofParser struct{}

// Parse - util.Parser implementation
func (p *ofParser) Parse(b []byte) (util.Message, error) {
	return openflow13.Parse(b)
}

// DPID - Datapath implementation
func (c *ofConn) DPID() uint64 {
	return c.dpid
}

// Send - Datapath implementation
func (c *ofConn) Send(msg util.Message) error {
	c.mtx.Lock()
	closed := c.closed
	c.mtx.Unlock()
	if closed {
		return ErrNoDatapath
	}
	c.stream.Outbound <- msg
	return nil
}

// Barrier - Datapath implementation
func (c *ofConn) Barrier(ctx context.Context) error {
	h := openflow13.NewOfp13Header()
	h.Type = openflow13.Type_BarrierRequest
	done := make(chan struct{})

	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return ErrNoDatapath
	}
	c.pending[h.Xid] = done
	c.mtx.Unlock()

	c.stream.Outbound <- &h

	select {
	case <-done:
		return nil
	case <-c.down:
		return ErrNoDatapath
	case <-ctx.Done():
		c.mtx.Lock()
		delete(c.pending, h.Xid)
		c.mtx.Unlock()
		return fmt.Errorf("barrier xid %d: %w", h.Xid, ErrTimeout)
	}
}

func (c *ofConn) barrierReply(xid uint32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if done, ok := c.pending[xid]; ok {
		close(done)
		delete(c.pending, xid)
	}
}

func (c *ofConn) shutdown() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.pending = make(map[uint32]chan struct{})
	close(c.down)
	c.stream.Shutdown <- true
}

// OfCtrl - openflow controller feeding the datapath registry
type OfCtrl struct {
	dp     *DpH
	listen string
}

// OfCtrlInit - Initialize the openflow controller
func OfCtrlInit(dp *DpH, listen string) *OfCtrl {
	return &OfCtrl{dp: dp, listen: listen}
}

// Run - accept switch connections till ctx is done
func (o *OfCtrl) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	sock, err := lc.Listen(ctx, "tcp", o.listen)
	if err != nil {
		return fmt.Errorf("openflow listen %s: %w", o.listen, err)
	}
	go func() {
		<-ctx.Done()
		sock.Close()
	}()

	tk.LogIt(tk.LogInfo, "openflow: listening on %s\n", o.listen)
	for {
		conn, err := sock.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			tk.LogIt(tk.LogError, "openflow: accept failed %v\n", err)
			time.Sleep(OfListenRetry)
			continue
		}
		go o.handleConnection(conn)
	}
}

func (o *OfCtrl) handleConnection(conn net.Conn) {
	stream := util.NewMessageStream(conn, &ofParser{})

	tk.LogIt(tk.LogDebug, "openflow: new connection from %s\n", conn.RemoteAddr())

	h, err := common.NewHello(4)
	if err != nil {
		return
	}
	stream.Outbound <- h

	for {
		select {
		case msg := <-stream.Inbound:
			switch m := msg.(type) {
			case *common.Hello:
				if m.Version != openflow13.VERSION {
					tk.LogIt(tk.LogError, "openflow: unsupported version %d\n", m.Version)
					stream.Shutdown <- true
					return
				}
				stream.Version = m.Version
				stream.Outbound <- openflow13.NewFeaturesRequest()
			case *openflow13.SwitchFeatures:
				c := &ofConn{stream: stream, dpid: dpidFromHwAddr(m.DPID),
					pending: make(map[uint32]chan struct{}), down: make(chan struct{})}
				if err := o.dp.DpAdd(c); err != nil {
					tk.LogIt(tk.LogError, "openflow: %v\n", err)
					stream.Shutdown <- true
					return
				}
				o.receive(c)
				return
			case *openflow13.ErrorMsg:
				tk.LogIt(tk.LogError, "openflow: handshake error type %d code %d\n", m.Type, m.Code)
				stream.Shutdown <- true
				return
			}
		case err := <-stream.Error:
			tk.LogIt(tk.LogError, "openflow: connection %s down %v\n", conn.RemoteAddr(), err)
			return
		case <-time.After(OfHandshakeTimeout):
			tk.LogIt(tk.LogError, "openflow: handshake with %s timed out\n", conn.RemoteAddr())
			stream.Shutdown <- true
			return
		}
	}
}

// receive - translate switch messages into datapath events
func (o *OfCtrl) receive(c *ofConn) {
	for {
		select {
		case msg := <-c.stream.Inbound:
			if ev := o.ofMsg2Event(c, msg); ev != nil {
				if err := o.dp.DpEventPost(ev); err != nil {
					tk.LogIt(tk.LogError, "openflow: %v\n", err)
				}
			}
		case err := <-c.stream.Error:
			tk.LogIt(tk.LogError, "openflow: datapath %016x down %v\n", c.dpid, err)
			c.shutdown()
			o.dp.DpDel(c.dpid)
			return
		}
	}
}

func (o *OfCtrl) ofMsg2Event(c *ofConn, msg util.Message) *DpEvent {
	switch m := msg.(type) {
	case *common.Header:
		switch m.Type {
		case openflow13.Type_EchoRequest:
			r := openflow13.NewOfp13Header()
			r.Type = openflow13.Type_EchoReply
			r.Xid = m.Xid
			c.Send(&r)
		case openflow13.Type_BarrierReply:
			c.barrierReply(m.Xid)
		}
	case *openflow13.PacketIn:
		data, err := m.Data.MarshalBinary()
		if err != nil {
			tk.LogIt(tk.LogError, "openflow: bad packet-in on %016x\n", c.dpid)
			return nil
		}
		return &DpEvent{Work: DpPacketIn, Dpid: c.dpid, TableID: m.TableId,
			InPort: ofInPort(&m.Match), Cookie: m.Cookie, Data: data}
	case *openflow13.PortStatus:
		return &DpEvent{
			Work:       DpPortStatus,
			Dpid:       c.dpid,
			PortNo:     m.Desc.PortNo,
			PortName:   strings.TrimRight(string(m.Desc.Name), "\x00"),
			PortReason: m.Reason,
			PortCfg:    m.Desc.Config,
			PortState:  m.Desc.State,
		}
	case *openflow13.FlowRemoved:
		return &DpEvent{Work: DpFlowRemoved, Dpid: c.dpid, TableID: m.TableId,
			Cookie: m.Cookie, FlowRemReason: m.Reason}
	case *openflow13.ErrorMsg:
		return &DpEvent{Work: DpError, Dpid: c.dpid, ErrType: m.Type, ErrCode: m.Code}
	}
	return nil
}

func ofInPort(match *openflow13.Match) uint32 {
	for _, f := range match.Fields {
		if f.Class != openflow13.OXM_CLASS_OPENFLOW_BASIC || f.Field != openflow13.OXM_FIELD_IN_PORT {
			continue
		}
		if p, ok := f.Value.(*openflow13.InPortField); ok {
			return p.InPort
		}
	}
	return 0
}

func dpidFromHwAddr(hw net.HardwareAddr) uint64 {
	var b [8]byte
	copy(b[8-min(len(hw), 8):], hw)
	return binary.BigEndian.Uint64(b[:])
}
