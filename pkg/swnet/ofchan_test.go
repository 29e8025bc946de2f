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
	"errors"
	"net"
	"testing"
	"time"

	"github.com/contiv/libOpenflow/common"
	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/libOpenflow/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(dpid uint64) *ofConn {
	stream := &util.MessageStream{
		Outbound: make(chan util.Message, 4),
		Shutdown: make(chan bool, 1),
	}
	return &ofConn{stream: stream, dpid: dpid,
		pending: make(map[uint32]chan struct{}), down: make(chan struct{})}
}

func TestDpidFromHwAddr(t *testing.T) {
	assert.Equal(t, uint64(1), dpidFromHwAddr(net.HardwareAddr{0, 0, 0, 0, 0, 0, 0, 1}))
	assert.Equal(t, uint64(0x020000000005), dpidFromHwAddr(net.HardwareAddr{2, 0, 0, 0, 0, 5}))
	assert.Equal(t, uint64(0), dpidFromHwAddr(nil))
}

func TestOfBarrierReply(t *testing.T) {
	c := newTestConn(1)

	go func() {
		msg := <-c.stream.Outbound
		if h, ok := msg.(*common.Header); ok {
			c.barrierReply(h.Xid)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Barrier(ctx))
}

func TestOfBarrierTimeout(t *testing.T) {
	c := newTestConn(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Barrier(ctx); !errors.Is(err, ErrTimeout) {
		t.Errorf("unanswered barrier: %v", err)
	}
	c.mtx.Lock()
	assert.Empty(t, c.pending)
	c.mtx.Unlock()
}

func TestOfConnShutdown(t *testing.T) {
	c := newTestConn(1)
	c.shutdown()
	c.shutdown()

	if err := c.Send(openflow13.NewFlowMod()); !errors.Is(err, ErrNoDatapath) {
		t.Errorf("send on closed connection: %v", err)
	}
	if err := c.Barrier(context.Background()); !errors.Is(err, ErrNoDatapath) {
		t.Errorf("barrier on closed connection: %v", err)
	}
}

func TestOfMsg2Event(t *testing.T) {
	o := OfCtrlInit(DpBrokerInit(nil), "127.0.0.1:0")
	c := newTestConn(9)

	ev := o.ofMsg2Event(c, &openflow13.FlowRemoved{TableId: 3, Cookie: 0x42, Reason: OfFlowRemHardTimeout})
	require.NotNil(t, ev)
	assert.Equal(t, DpFlowRemoved, ev.Work)
	assert.Equal(t, uint64(9), ev.Dpid)
	assert.Equal(t, uint64(0x42), ev.Cookie)
	assert.Equal(t, uint8(3), ev.TableID)
	assert.Equal(t, uint8(OfFlowRemHardTimeout), ev.FlowRemReason)

	ev = o.ofMsg2Event(c, &openflow13.ErrorMsg{Type: 4, Code: 2})
	require.NotNil(t, ev)
	assert.Equal(t, DpError, ev.Work)
	assert.Equal(t, uint16(4), ev.ErrType)

	echo := openflow13.NewOfp13Header()
	echo.Type = openflow13.Type_EchoRequest
	assert.Nil(t, o.ofMsg2Event(c, &echo))
	reply := (<-c.stream.Outbound).(*common.Header)
	assert.Equal(t, uint8(openflow13.Type_EchoReply), reply.Type)
	assert.Equal(t, echo.Xid, reply.Xid)
}

func TestOfInPort(t *testing.T) {
	m := openflow13.NewMatch()
	assert.Equal(t, uint32(0), ofInPort(m))
	m.AddField(*openflow13.NewInPortField(7))
	assert.Equal(t, uint32(7), ofInPort(m))
}
