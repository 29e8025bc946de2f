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
	"net"
	"testing"
	"time"

	"github.com/contiv/libOpenflow/openflow13"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	testingclock "k8s.io/utils/clock/testing"

	cmn "github.com/loxilb-io/loxisw/common"
	"github.com/loxilb-io/loxisw/pkg/ofdpa"
)

func newTestSw(t *testing.T, bridge string) (*SwNetH, *fakeTaps) {
	t.Helper()
	taps := newFakeTaps()
	sw := SwNetNew(SwConfig{
		Ports: []PortSpec{
			{Name: "swp1", Port: 1, Vid: 10},
			{Name: "swp2", Port: 2, Vid: 10, Tagged: true},
		},
		Bridge:          bridge,
		IngressFiltered: true,
		EgressFiltered:  true,
		FibIdle:         time.Minute,
		Fib:             FibTables{Src: tSrc, Dst: tDst},
		Dpt:             DptTables{Local: tLocal, Neigh: tNeigh},
		Ofdpa:           ofdpa.DefaultTables,
		Clock:           testingclock.NewFakeClock(time.Now()),
		Taps:            taps.factory,
	})
	return sw, taps
}

func TestSwNetOpenClose(t *testing.T) {
	sw, taps := newTestSw(t, "br0")
	d := &fakeDatapath{dpid: 1}

	require.NoError(t, sw.dp.DpAdd(d))
	require.Eventually(t, func() bool {
		dls := sw.dpt.DptLinksOf(1)
		for _, dl := range dls {
			if dl.State() != DptAttached {
				return false
			}
		}
		return len(dls) == 2
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, sw.dp.DpDel(1))
	sw.dp.DpWaitAll()

	// open programmed the flood domain of both ports before close undid it
	var adds, dels int
	for _, m := range d.sent() {
		if gm, ok := m.(*openflow13.GroupMod); ok && gm.GroupId == FibGroupBase {
			switch gm.Command {
			case openflow13.OFPGC_ADD:
				adds++
			case openflow13.OFPGC_DELETE:
				dels++
			}
		}
	}
	assert.Equal(t, 1, adds)
	assert.Equal(t, 0, dels, "close sends to a datapath that is gone")

	for _, dl := range sw.dpt.DptLinksOf(1) {
		assert.Equal(t, DptDetached, dl.State(), dl.Name())
	}
	assert.Empty(t, sw.fib.Keys())
	_, bound := sw.br.Dpid()
	assert.False(t, bound)
	assert.NotNil(t, taps.get("swp1"))
	assert.NotNil(t, taps.get("swp2"))
}

func TestSwNetDpOpened(t *testing.T) {
	sw, _ := newTestSw(t, "br0")
	sw.DpOpened(1)

	dls := sw.dpt.DptLinksOf(1)
	require.Len(t, dls, 2)
	for _, dl := range dls {
		assert.Equal(t, DptAttached, dl.State(), dl.Name())
	}
	f, err := sw.fib.FibFind(1, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, f.Ports())

	dpid, bound := sw.br.Dpid()
	assert.True(t, bound)
	assert.Equal(t, uint64(1), dpid)

	sw.DpOpened(2)
	dpid, _ = sw.br.Dpid()
	assert.Equal(t, uint64(1), dpid, "bridge rebound to a later datapath")
	assert.Len(t, sw.dpt.DptLinksOf(2), 2)

	sw.DpClosed(1)
	_, bound = sw.br.Dpid()
	assert.False(t, bound)
	for _, dl := range sw.dpt.DptLinksOf(1) {
		assert.Equal(t, DptDetached, dl.State(), dl.Name())
	}
	for _, dl := range sw.dpt.DptLinksOf(2) {
		assert.Equal(t, DptAttached, dl.State(), dl.Name())
	}
}

func TestSwNetBarrierDoesNotStallOtherDatapaths(t *testing.T) {
	sw, _ := newTestSw(t, "br0")
	d := &fakeDatapath{dpid: 1}
	require.NoError(t, sw.dp.DpAdd(d))
	require.Eventually(t, func() bool {
		_, bound := sw.br.Dpid()
		return bound
	}, time.Second, 10*time.Millisecond)

	na := NetAPIInit(sw)
	_, err := na.NetLinkAdd(&cmn.LinkMod{Index: brIfi, Name: "br0", IsBridge: true})
	require.NoError(t, err)
	_, err = na.NetLinkAdd(&cmn.LinkMod{Index: 5, Name: "swp2", MasterIndex: brIfi,
		Family: unix.AF_BRIDGE, Br: brVlans(0, []uint16{10, 20}, nil)})
	require.NoError(t, err)
	require.NotEmpty(t, sw.br.L2Domain(20))

	d.mtx.Lock()
	d.hold = make(chan struct{})
	d.entered = make(chan struct{}, 1)
	d.mtx.Unlock()

	removed := make(chan struct{})
	go func() {
		defer close(removed)
		na.NetLinkAdd(&cmn.LinkMod{Index: 5, Name: "swp2", MasterIndex: brIfi,
			Family: unix.AF_BRIDGE, Br: brVlans(0, []uint16{10}, nil)})
	}()
	select {
	case <-d.entered:
	case <-time.After(time.Second):
		close(d.hold)
		t.Fatalf("vlan removal sent no barrier")
	}

	other := make(chan struct{})
	go func() {
		defer close(other)
		sw.DpPortStatus(&DpEvent{Work: DpPortStatus, Dpid: 2, PortNo: 7, PortName: "swp7",
			PortReason: OfPortReasonAdd})
		na.NetAddrDel(&cmn.AddrMod{LinkIndex: 9, AdIndex: 1})
	}()
	select {
	case <-other:
	case <-time.After(time.Second):
		t.Errorf("datapath 2 waited on a barrier of datapath 1")
	}

	close(d.hold)
	<-removed
	<-other
	_, err = sw.dpt.DptLinkFind(2, 7)
	assert.NoError(t, err)
	assert.Empty(t, sw.br.L2Domain(20))
}

func TestSwNetPacketIn(t *testing.T) {
	sw, taps := newTestSw(t, "")
	sw.DpOpened(1)

	sw.DpPacketIn(&DpEvent{Work: DpPacketIn, Dpid: 1, TableID: tSrc, InPort: 1,
		Data: mkFrame(t, macA, macBC, 0)})
	ents := sw.fib.FibGet()
	require.Len(t, ents, 1)
	assert.Equal(t, uint16(10), ents[0].Vid)
	assert.Equal(t, uint32(1), ents[0].Port)

	frame := mkFrame(t, macB, macA, 0)
	sw.DpPacketIn(&DpEvent{Work: DpPacketIn, Dpid: 1, TableID: tLocal, InPort: 2, Data: frame})
	require.Len(t, taps.get("swp2").frames, 1)
	assert.Equal(t, frame, taps.get("swp2").frames[0])
	assert.Empty(t, taps.get("swp1").frames)

	sw.DpPacketIn(&DpEvent{Work: DpPacketIn, Dpid: 1, TableID: tLocal, InPort: 9, Data: frame})
	assert.Len(t, taps.get("swp2").frames, 1)
}

func TestSwNetPortStatus(t *testing.T) {
	sw, taps := newTestSw(t, "")
	sw.DpOpened(1)

	sw.DpPortStatus(&DpEvent{Work: DpPortStatus, Dpid: 1, PortNo: 3, PortName: "swp3",
		PortReason: OfPortReasonAdd})
	dl, err := sw.dpt.DptLinkFind(1, 3)
	require.NoError(t, err)
	assert.Equal(t, DptAttached, dl.State())
	pvid, _ := sw.dpt.PortPvid(1, 3)
	assert.Equal(t, uint16(1), pvid, "new port not in the default vlan")

	sw.DpPortStatus(&DpEvent{Work: DpPortStatus, Dpid: 1, PortNo: 3,
		PortReason: OfPortReasonModify, PortState: OfPortStateLinkDown})
	assert.Equal(t, DptDetached, dl.State())

	sw.DpPortStatus(&DpEvent{Work: DpPortStatus, Dpid: 1, PortNo: 3, PortReason: OfPortReasonDelete})
	assert.Equal(t, DptClosed, dl.State())
	_, err = sw.dpt.DptLinkFind(1, 3)
	assert.Error(t, err)
	assert.True(t, taps.get("swp3").closed)
}

func TestSwNetShutdown(t *testing.T) {
	sw, taps := newTestSw(t, "br0")
	sw.DpOpened(1)
	sw.Shutdown()

	assert.Empty(t, sw.dpt.DptLinksOf(1))
	assert.Empty(t, sw.fib.Keys())
	assert.True(t, taps.get("swp1").closed)
	assert.True(t, taps.get("swp2").closed)
	_, bound := sw.br.Dpid()
	assert.False(t, bound)
}

func TestNetAPIMirror(t *testing.T) {
	sw, _ := newTestSw(t, "")
	na := NetAPIInit(sw)
	sw.DpOpened(1)

	ret, err := na.NetLinkAdd(&cmn.LinkMod{Index: 7, Name: "swp1", HardwareAddr: mustMAC(t, macA)})
	require.NoError(t, err)
	assert.Equal(t, 0, ret)
	dl, ok := sw.dpt.DptLinkFindByIfi(7)
	require.True(t, ok)
	assert.Equal(t, "swp1", dl.Name())

	_, ipn, _ := net.ParseCIDR("10.0.0.0/24")
	ipn.IP = net.ParseIP("10.0.0.1")
	_, err = na.NetAddrAdd(&cmn.AddrMod{LinkIndex: 7, AdIndex: 1, Family: unix.AF_INET, IPNet: ipn})
	require.NoError(t, err)

	ret, err = na.NetAddrAdd(&cmn.AddrMod{LinkIndex: 99, AdIndex: 1, IPNet: ipn})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, RtErrBase-1, ret)

	ret, err = na.NetNeighDel(nil)
	assert.ErrorIs(t, err, ErrInvalidArg)
	assert.Equal(t, RtErrBase-3, ret)

	_, err = na.NetLinkDel(&cmn.LinkMod{Index: 7})
	require.NoError(t, err)
	assert.Equal(t, 0, dl.Ifindex())

	ret, err = na.NetParamSet(cmn.ParamMod{Prometheus: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidArg)
	assert.Equal(t, ParamErrBase, ret)

	fibs, err := na.NetFibGet()
	require.NoError(t, err)
	assert.Empty(t, fibs)
}
