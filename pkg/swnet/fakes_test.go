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
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"

	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/libOpenflow/util"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// fakeSender - records everything sent towards datapaths
type fakeSender struct {
	mtx        sync.Mutex
	msgs       []util.Message
	barriers   int
	barrierErr error
}

func (s *fakeSender) DpSend(dpid uint64, msg util.Message) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSender) DpBarrier(dpid uint64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.barriers++
	return s.barrierErr
}

func (s *fakeSender) reset() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.msgs = nil
}

func (s *fakeSender) sent() []util.Message {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]util.Message(nil), s.msgs...)
}

func (s *fakeSender) flowMods() []*openflow13.FlowMod {
	var fms []*openflow13.FlowMod
	for _, m := range s.sent() {
		if fm, ok := m.(*openflow13.FlowMod); ok {
			fms = append(fms, fm)
		}
	}
	return fms
}

func (s *fakeSender) groupMods() []*openflow13.GroupMod {
	var gms []*openflow13.GroupMod
	for _, m := range s.sent() {
		if gm, ok := m.(*openflow13.GroupMod); ok {
			gms = append(gms, gm)
		}
	}
	return gms
}

// fakeOwner - port native vlans. Unknown ports are tagged
type fakeOwner struct {
	pvids map[uint32]uint16
}

func (o *fakeOwner) PortPvid(dpid uint64, port uint32) (uint16, error) {
	return o.pvids[port], nil
}

// fakeTap - in-memory TapDev
type fakeTap struct {
	mtx     sync.Mutex
	name    string
	rx      TapRxFunc
	hw      net.HardwareAddr
	opened  bool
	closed  bool
	enabled bool
	openErr error
	frames  [][]byte
}

func (t *fakeTap) Name() string {
	return t.name
}

func (t *fakeTap) Open(hw net.HardwareAddr) error {
	if t.openErr != nil {
		return t.openErr
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.hw = hw
	t.opened = true
	return nil
}

func (t *fakeTap) Close() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTap) Enable() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.enabled = true
	return nil
}

func (t *fakeTap) Disable() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.enabled = false
	return nil
}

func (t *fakeTap) Write(frame []byte) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.frames = append(t.frames, append([]byte(nil), frame...))
	return nil
}

func (t *fakeTap) SetHwAddr(hw net.HardwareAddr) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.hw = hw
	return nil
}

func (t *fakeTap) isEnabled() bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.enabled
}

// fakeTaps - TapFactory keeping every tap it handed out
type fakeTaps struct {
	mtx     sync.Mutex
	taps    map[string]*fakeTap
	openErr error
}

func newFakeTaps() *fakeTaps {
	return &fakeTaps{taps: make(map[string]*fakeTap)}
}

func (f *fakeTaps) factory(name string, rx TapRxFunc) TapDev {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	t := &fakeTap{name: name, rx: rx, openErr: f.openErr}
	f.taps[name] = t
	return t
}

func (f *fakeTaps) get(name string) *fakeTap {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.taps[name]
}

// fakeDriver - BridgeDriver recording calls in order along with what is
// left programmed. Withdrawing something never programmed is kept in stray
type fakeDriver struct {
	dpid       uint64
	calls      []string
	noResVids  map[uint16]bool
	barrierErr error
	state      map[string]bool
	stray      []string
}

func newFakeDriver(dpid uint64) *fakeDriver {
	return &fakeDriver{dpid: dpid, noResVids: make(map[uint16]bool), state: make(map[string]bool)}
}

func (d *fakeDriver) rec(format string, v ...interface{}) {
	d.calls = append(d.calls, fmt.Sprintf(format, v...))
}

func (d *fakeDriver) on(format string, v ...interface{}) {
	d.state[fmt.Sprintf(format, v...)] = true
}

func (d *fakeDriver) off(format string, v ...interface{}) {
	k := fmt.Sprintf(format, v...)
	if !d.state[k] {
		d.stray = append(d.stray, k)
	}
	delete(d.state, k)
}

// programmed - sorted view of what is left on the switch
func (d *fakeDriver) programmed() []string {
	res := make([]string, 0, len(d.state))
	for k := range d.state {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

func (d *fakeDriver) reset() {
	d.calls = nil
}

func (d *fakeDriver) gid(port uint32, vid uint16) uint32 {
	return uint32(vid)<<16 | port
}

func (d *fakeDriver) Dpid() uint64 {
	return d.dpid
}

func (d *fakeDriver) EnablePortVidIngress(port uint32, vid uint16) error {
	d.rec("ingress %d %d", port, vid)
	d.on("ingress %d %d", port, vid)
	return nil
}

func (d *fakeDriver) DisablePortVidIngress(port uint32, vid uint16) error {
	d.rec("-ingress %d %d", port, vid)
	d.off("ingress %d %d", port, vid)
	return nil
}

func (d *fakeDriver) EnablePortPvidIngress(port uint32, vid uint16) error {
	d.rec("pvid %d %d", port, vid)
	d.on("pvid %d %d", port, vid)
	return nil
}

func (d *fakeDriver) DisablePortPvidIngress(port uint32, vid uint16) error {
	d.rec("-pvid %d %d", port, vid)
	d.off("pvid %d %d", port, vid)
	return nil
}

func (d *fakeDriver) EnablePortVidEgress(port uint32, vid uint16, untagged bool) (uint32, error) {
	if d.noResVids[vid] {
		d.rec("egress-fail %d %d", port, vid)
		return 0, ErrNoResource
	}
	d.rec("egress %d %d %v", port, vid, untagged)
	d.on("egress %d %d %v", port, vid, untagged)
	return d.gid(port, vid), nil
}

func (d *fakeDriver) DisablePortVidEgress(port uint32, vid uint16, untagged bool) (uint32, error) {
	d.rec("-egress %d %d", port, vid)
	d.off("egress %d %d %v", port, vid, untagged)
	return d.gid(port, vid), nil
}

func (d *fakeDriver) EnablePortVidAllowAll(port uint32) error {
	d.rec("allow-all %d", port)
	d.on("allow-all %d", port)
	return nil
}

func (d *fakeDriver) DisablePortVidAllowAll(port uint32) error {
	d.rec("-allow-all %d", port)
	d.off("allow-all %d", port)
	return nil
}

func (d *fakeDriver) EnablePortUnfilteredEgress(port uint32) (uint32, error) {
	d.rec("unfiltered %d", port)
	d.on("unfiltered %d", port)
	return 11<<28 | port, nil
}

func (d *fakeDriver) DisablePortUnfilteredEgress(port uint32) (uint32, error) {
	d.rec("-unfiltered %d", port)
	d.off("unfiltered %d", port)
	return 11<<28 | port, nil
}

func (d *fakeDriver) AddBridgingUnicastVlan(port uint32, vid uint16, mac net.HardwareAddr, filtered, permanent bool) error {
	d.rec("fdb %d %d %s %v", port, vid, mac, permanent)
	return nil
}

func (d *fakeDriver) RemoveBridgingUnicastVlan(port uint32, vid uint16, mac net.HardwareAddr) error {
	d.rec("-fdb %d %d %s", port, vid, mac)
	return nil
}

func (d *fakeDriver) RemoveBridgingUnicastVlanAll(port uint32, vid uint16) error {
	d.rec("purge %d %d", port, vid)
	return nil
}

func (d *fakeDriver) RemoveBridgingUnicastPortAll(port uint32) error {
	d.rec("purge %d", port)
	return nil
}

func (d *fakeDriver) EnablePolicyArp() error {
	d.rec("policy arp")
	return nil
}

func (d *fakeDriver) EnablePolicyDhcp() error {
	d.rec("policy dhcp")
	return nil
}

func (d *fakeDriver) EnablePolicyVrrp() error {
	d.rec("policy vrrp")
	return nil
}

func (d *fakeDriver) SendBarrier() error {
	d.rec("barrier")
	return d.barrierErr
}

// fakePorts - PortResolver backed by a map
type fakePorts map[string]uint32

func (p fakePorts) PortByName(name string) (uint32, bool) {
	port, ok := p[name]
	return port, ok
}

// recNotifier - records RtNotifier callbacks in order
type recNotifier struct {
	mtx    sync.Mutex
	events []string
}

func (n *recNotifier) rec(format string, v ...interface{}) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.events = append(n.events, fmt.Sprintf(format, v...))
}

func (n *recNotifier) LinkCreated(ifi int)       { n.rec("link+ %d", ifi) }
func (n *recNotifier) LinkUpdated(ifi int)       { n.rec("link~ %d", ifi) }
func (n *recNotifier) LinkDeleted(ifi int)       { n.rec("link- %d", ifi) }
func (n *recNotifier) AddrCreated(ifi, adi int)  { n.rec("addr+ %d/%d", ifi, adi) }
func (n *recNotifier) AddrUpdated(ifi, adi int)  { n.rec("addr~ %d/%d", ifi, adi) }
func (n *recNotifier) AddrDeleted(ifi, adi int)  { n.rec("addr- %d/%d", ifi, adi) }
func (n *recNotifier) NeighCreated(ifi, nbi int) { n.rec("neigh+ %d/%d", ifi, nbi) }
func (n *recNotifier) NeighUpdated(ifi, nbi int) { n.rec("neigh~ %d/%d", ifi, nbi) }
func (n *recNotifier) NeighDeleted(ifi, nbi int) { n.rec("neigh- %d/%d", ifi, nbi) }

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	if err != nil {
		t.Fatalf("bad mac %s: %v", s, err)
	}
	return mac
}

// mkFrame - an ethernet frame, 802.1q tagged when vid is non zero
func mkFrame(t *testing.T, src, dst string, vid uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       mustMAC(t, src),
		DstMAC:       mustMAC(t, dst),
		EthernetType: layers.EthernetTypeARP,
	}
	payload := gopacket.Payload(make([]byte, 46))

	var ls []gopacket.SerializableLayer
	if vid != 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = []gopacket.SerializableLayer{eth,
			&layers.Dot1Q{VLANIdentifier: vid, Type: layers.EthernetTypeARP}, payload}
	} else {
		ls = []gopacket.SerializableLayer{eth, payload}
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, ls...); err != nil {
		t.Fatalf("frame: %v", err)
	}
	return buf.Bytes()
}
