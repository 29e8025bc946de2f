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
	"bytes"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/libOpenflow/util"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	tk "github.com/loxilb-io/loxilib"
	"k8s.io/utils/clock"

	prometheus "github.com/loxilb-io/loxisw/api/prometheus"
	cmn "github.com/loxilb-io/loxisw/common"
	"github.com/loxilb-io/loxisw/pkg/ofdpa"
	utils "github.com/loxilb-io/loxisw/pkg/utils"
)

// error codes
const (
	FibErrBase = iota - 9000
	FibExistsErr
	FibNoEntErr
	FibArgErr
	FibResErr
)

// fib constants
const (
	FibGroupBase      = 0x40000000
	FibMaxGroups      = 4096
	FibMaxCookies     = 256 * 1024
	FibCookieBase     = 0x1000000
	FibDefIdleTimeout = 300 * time.Second
)

// FibOwner - answers which vlan a port carries untagged. A port without a
// native vlan reports 0
type FibOwner interface {
	PortPvid(dpid uint64, port uint32) (uint16, error)
}

// FibTables - learning stages of the fib
type FibTables struct {
	Src uint8
	Dst uint8
}

// FibKey - a fib is unique per datapath and vlan
type FibKey struct {
	Dpid uint64
	Vid  uint16
}

func (k FibKey) String() string {
	return fmt.Sprintf("%016x:%d", k.Dpid, k.Vid)
}

// FibEnt - a learnt station
type FibEnt struct {
	Mac    net.HardwareAddr
	Port   uint32
	Tagged bool
	Cookie uint64
	gen    uint64
	timer  clock.Timer
}

// Fib - mac learning table and flood domain of one vlan on one datapath
type Fib struct {
	mtx     sync.Mutex
	h       *FibH
	key     FibKey
	owner   FibOwner
	gid     uint32
	mark    uint64
	ports   map[uint32]bool
	ents    map[[6]byte]*FibEnt
	deleted bool
}

// FibH - fib registry context container
type FibH struct {
	mtx     sync.Mutex
	fibs    map[FibKey]*Fib
	dp      ofdpa.Sender
	gids    *utils.Marker
	cookies *tk.Counter
	clk     clock.WithDelayedExecution
	idle    time.Duration
	tbl     FibTables
}

// FibInit - initialize the fib registry
func FibInit(dp ofdpa.Sender, clk clock.WithDelayedExecution, idle time.Duration, tbl FibTables) *FibH {
	nFh := new(FibH)
	nFh.fibs = make(map[FibKey]*Fib)
	nFh.dp = dp
	nFh.gids = utils.NewMarker(0, FibMaxGroups)
	nFh.cookies = tk.NewCounter(FibCookieBase, FibMaxCookies)
	if clk == nil {
		clk = clock.RealClock{}
	}
	nFh.clk = clk
	if idle <= 0 {
		idle = FibDefIdleTimeout
	}
	nFh.idle = idle
	nFh.tbl = tbl
	return nFh
}

func (h *FibH) send(dpid uint64, msg util.Message) {
	if err := h.dp.DpSend(dpid, msg); err != nil {
		if errors.Is(err, ErrNotFound) {
			tk.LogIt(tk.LogDebug, "fib %016x: %v\n", dpid, err)
			return
		}
		tk.LogIt(tk.LogError, "fib %016x: send failed %v\n", dpid, err)
	}
}

// FibAdd - create the fib of vid on dpid and program its flood domain
func (h *FibH) FibAdd(owner FibOwner, dpid uint64, vid uint16) (*Fib, error) {
	if owner == nil {
		return nil, fmt.Errorf("fib %016x:%d owner: %w", dpid, vid, ErrInvalidArg)
	}
	key := FibKey{Dpid: dpid, Vid: vid}

	h.mtx.Lock()
	defer h.mtx.Unlock()

	if _, ok := h.fibs[key]; ok {
		return nil, fmt.Errorf("fib %s: %w", key, ErrExists)
	}
	mark, err := h.gids.GetMarker()
	if err != nil {
		return nil, fmt.Errorf("fib %s group: %w", key, ErrNoResource)
	}
	prometheus.GroupIdsInUse(h.gids.InUse())

	f := &Fib{h: h, key: key, owner: owner, mark: mark,
		gid:   FibGroupBase + uint32(mark),
		ports: make(map[uint32]bool),
		ents:  make(map[[6]byte]*FibEnt)}

	h.send(dpid, ofdpa.FloodGroup(openflow13.OFPGC_ADD, f.gid, nil))
	h.send(dpid, ofdpa.FloodMissFlow(openflow13.FC_ADD, h.tbl.Dst, vid, f.gid))
	h.send(dpid, ofdpa.LearnMissFlow(openflow13.FC_ADD, h.tbl.Src, h.tbl.Dst, vid))

	h.fibs[key] = f
	tk.LogIt(tk.LogInfo, "fib %s: added group 0x%x\n", key, f.gid)
	return f, nil
}

// FibFind - lookup the fib of vid on dpid
func (h *FibH) FibFind(dpid uint64, vid uint16) (*Fib, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	key := FibKey{Dpid: dpid, Vid: vid}
	f, ok := h.fibs[key]
	if !ok {
		return nil, fmt.Errorf("fib %s: %w", key, ErrNotFound)
	}
	return f, nil
}

// FibDel - withdraw and forget the fib of vid on dpid
func (h *FibH) FibDel(dpid uint64, vid uint16) error {
	key := FibKey{Dpid: dpid, Vid: vid}
	h.mtx.Lock()
	f, ok := h.fibs[key]
	delete(h.fibs, key)
	h.mtx.Unlock()
	if !ok {
		return fmt.Errorf("fib %s: %w", key, ErrNotFound)
	}
	f.destroy()
	return nil
}

// FibDelDpid - forget every fib of a datapath
func (h *FibH) FibDelDpid(dpid uint64) {
	for _, k := range h.Keys() {
		if k.Dpid == dpid {
			h.FibDel(k.Dpid, k.Vid)
		}
	}
}

// FibDestroyAll - forget every fib
func (h *FibH) FibDestroyAll() {
	for _, k := range h.Keys() {
		h.FibDel(k.Dpid, k.Vid)
	}
}

// Keys - all fib keys ordered by datapath and vlan
func (h *FibH) Keys() []FibKey {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	keys := make([]FibKey, 0, len(h.fibs))
	for k := range h.fibs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Dpid != keys[j].Dpid {
			return keys[i].Dpid < keys[j].Dpid
		}
		return keys[i].Vid < keys[j].Vid
	})
	return keys
}

// FibJoin - make port a member of vid on dpid, creating the fib on demand
func (h *FibH) FibJoin(owner FibOwner, dpid uint64, vid uint16, port uint32, tagged bool) {
	f, err := h.FibFind(dpid, vid)
	if err != nil {
		if f, err = h.FibAdd(owner, dpid, vid); err != nil {
			tk.LogIt(tk.LogError, "fib %016x:%d: %v\n", dpid, vid, err)
			return
		}
	}
	f.AddPort(port, tagged)
}

// FibLeave - drop port from vid on dpid. The last member takes the fib along
func (h *FibH) FibLeave(dpid uint64, vid uint16, port uint32) {
	f, err := h.FibFind(dpid, vid)
	if err != nil {
		tk.LogIt(tk.LogDebug, "fib leave: %v\n", err)
		return
	}
	if f.DropPort(port) == 0 {
		h.FibDel(dpid, vid)
	}
}

// FibPacketIn - hand a learning stage packet-in to the fib of its vlan
func (h *FibH) FibPacketIn(dpid uint64, tableID uint8, inPort uint32, frame []byte) error {
	pi, err := fibDecode(frame)
	if err != nil {
		return err
	}
	vid := pi.vid
	if !pi.tagged {
		h.mtx.Lock()
		var owner FibOwner
		for k, f := range h.fibs {
			if k.Dpid == dpid {
				owner = f.owner
				break
			}
		}
		h.mtx.Unlock()
		if owner == nil {
			return fmt.Errorf("fib %016x: %w", dpid, ErrNotFound)
		}
		if vid, err = owner.PortPvid(dpid, inPort); err != nil {
			return err
		}
	}
	f, err := h.FibFind(dpid, vid)
	if err != nil {
		return err
	}
	return f.handleDecoded(tableID, inPort, pi)
}

// FibGet - all learnt stations
func (h *FibH) FibGet() []cmn.FibEntMod {
	var res []cmn.FibEntMod
	for _, k := range h.Keys() {
		f, err := h.FibFind(k.Dpid, k.Vid)
		if err != nil {
			continue
		}
		for _, e := range f.Entries() {
			res = append(res, cmn.FibEntMod{Dpid: k.Dpid, Vid: k.Vid, Mac: e.Mac,
				Port: e.Port, Tagged: e.Tagged})
		}
	}
	return res
}

// Key - key of the fib
func (f *Fib) Key() FibKey {
	return f.key
}

// GroupID - flood group of the fib
func (f *Fib) GroupID() uint32 {
	return f.gid
}

// Ports - member ports in order
func (f *Fib) Ports() []uint32 {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.portsLocked()
}

func (f *Fib) portsLocked() []uint32 {
	ports := make([]uint32, 0, len(f.ports))
	for p := range f.ports {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// popVlan - frames leaving port untagged lose their tag
func (f *Fib) popVlan(port uint32) bool {
	pvid, err := f.owner.PortPvid(f.key.Dpid, port)
	if err != nil {
		tk.LogIt(tk.LogError, "fib %s: port %d: %v\n", f.key, port, err)
		return false
	}
	return pvid == f.key.Vid
}

func (f *Fib) floodMembersLocked() []ofdpa.FloodPort {
	var members []ofdpa.FloodPort
	for _, p := range f.portsLocked() {
		members = append(members, ofdpa.FloodPort{Port: p, PopVlan: f.popVlan(p)})
	}
	return members
}

func (f *Fib) reflood() {
	f.h.send(f.key.Dpid, ofdpa.FloodGroup(openflow13.OFPGC_MODIFY, f.gid, f.floodMembersLocked()))
}

// AddPort - add a flood domain member
func (f *Fib) AddPort(port uint32, tagged bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.deleted {
		return
	}
	f.ports[port] = tagged
	f.reflood()
	tk.LogIt(tk.LogDebug, "fib %s: port %d tagged %v added\n", f.key, port, tagged)
}

// DropPort - remove a flood domain member along with stations learnt on it.
// Returns the remaining member count
func (f *Fib) DropPort(port uint32) int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.deleted {
		return 0
	}
	if _, ok := f.ports[port]; ok {
		delete(f.ports, port)
		f.reflood()
		tk.LogIt(tk.LogDebug, "fib %s: port %d dropped\n", f.key, port)
	}
	for k, e := range f.ents {
		if e.Port == port {
			f.dropEntLocked(k, e)
		}
	}
	return len(f.ports)
}

type fibPkt struct {
	src    net.HardwareAddr
	dst    net.HardwareAddr
	vid    uint16
	tagged bool
}

func fibDecode(frame []byte) (*fibPkt, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return nil, fmt.Errorf("packet-in not ethernet: %w", ErrInvalidArg)
	}
	pi := &fibPkt{src: eth.SrcMAC, dst: eth.DstMAC}
	if q, ok := pkt.Layer(layers.LayerTypeDot1Q).(*layers.Dot1Q); ok {
		pi.vid = q.VLANIdentifier
		pi.tagged = true
	}
	return pi, nil
}

// HandlePacketIn - learn from a packet-in of one of the learning stages
func (f *Fib) HandlePacketIn(tableID uint8, inPort uint32, frame []byte) error {
	pi, err := fibDecode(frame)
	if err != nil {
		return err
	}
	return f.handleDecoded(tableID, inPort, pi)
}

func (f *Fib) handleDecoded(tableID uint8, inPort uint32, pi *fibPkt) error {
	switch tableID {
	case f.h.tbl.Src:
		if utils.MacIsMulticast(pi.src) || utils.MacIsZero(pi.src) {
			tk.LogIt(tk.LogDebug, "fib %s: source %s ignored\n", f.key, pi.src)
			return nil
		}
		f.learn(pi.src, inPort)
	case f.h.tbl.Dst:
		tk.LogIt(tk.LogDebug, "fib %s: unknown destination %s from port %d\n", f.key, pi.dst, inPort)
	default:
		tk.LogIt(tk.LogDebug, "fib %s: packet-in from table %d ignored\n", f.key, tableID)
	}
	return nil
}

func (f *Fib) learn(mac net.HardwareAddr, port uint32) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.deleted {
		return
	}

	key := utils.MacToKey(mac)
	e, ok := f.ents[key]
	if !ok {
		cookie, err := f.h.cookies.GetCounter()
		if err != nil {
			tk.LogIt(tk.LogError, "fib %s: no cookie for %s\n", f.key, mac)
			return
		}
		e = &FibEnt{Mac: append(net.HardwareAddr(nil), mac...), Port: port, Cookie: cookie}
		f.ents[key] = e
		f.programEntLocked(e, openflow13.FC_ADD)
		prometheus.FibLearned()
		prometheus.FibEntriesAdd(1)
		tk.LogIt(tk.LogDebug, "fib %s: %s learnt on port %d\n", f.key, mac, port)
	} else if e.Port != port {
		f.withdrawEntLocked(e)
		e.Port = port
		f.programEntLocked(e, openflow13.FC_ADD)
		tk.LogIt(tk.LogDebug, "fib %s: %s moved to port %d\n", f.key, mac, port)
	}
	f.armLocked(key, e)
}

func (f *Fib) programEntLocked(e *FibEnt, cmd uint8) {
	e.Tagged = !f.popVlan(e.Port)
	f.h.send(f.key.Dpid, ofdpa.SrcKnownFlow(cmd, f.h.tbl.Src, f.h.tbl.Dst, e.Cookie,
		f.key.Vid, e.Mac, e.Port))
	f.h.send(f.key.Dpid, ofdpa.UnicastFlow(cmd, f.h.tbl.Dst, e.Cookie,
		f.key.Vid, e.Mac, e.Port, !e.Tagged))
}

func (f *Fib) withdrawEntLocked(e *FibEnt) {
	f.h.send(f.key.Dpid, ofdpa.SrcKnownFlow(openflow13.FC_DELETE_STRICT, f.h.tbl.Src, f.h.tbl.Dst,
		e.Cookie, f.key.Vid, e.Mac, e.Port))
	f.h.send(f.key.Dpid, ofdpa.UnicastFlow(openflow13.FC_DELETE_STRICT, f.h.tbl.Dst, e.Cookie,
		f.key.Vid, e.Mac, e.Port, false))
}

// armLocked - restart the idle timer. The generation makes a late expiry
// of an older timer harmless
func (f *Fib) armLocked(key [6]byte, e *FibEnt) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = f.h.clk.AfterFunc(f.h.idle, func() { f.expire(key, gen) })
}

func (f *Fib) expire(key [6]byte, gen uint64) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	e, ok := f.ents[key]
	if !ok || e.gen != gen {
		return
	}
	e.timer = nil
	f.dropEntLocked(key, e)
	prometheus.FibExpired()
	tk.LogIt(tk.LogDebug, "fib %s: %s expired\n", f.key, e.Mac)
}

func (f *Fib) dropEntLocked(key [6]byte, e *FibEnt) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	f.withdrawEntLocked(e)
	delete(f.ents, key)
	f.h.cookies.PutCounter(e.Cookie)
	prometheus.FibEntriesAdd(-1)
}

// Reset - forget every learnt station
func (f *Fib) Reset() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	for k, e := range f.ents {
		f.dropEntLocked(k, e)
	}
	tk.LogIt(tk.LogDebug, "fib %s: reset\n", f.key)
}

// Lookup - the station with mac
func (f *Fib) Lookup(mac net.HardwareAddr) (FibEnt, bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	e, ok := f.ents[utils.MacToKey(mac)]
	if !ok {
		return FibEnt{}, false
	}
	return FibEnt{Mac: e.Mac, Port: e.Port, Tagged: e.Tagged, Cookie: e.Cookie}, true
}

// Entries - snapshot of learnt stations ordered by mac
func (f *Fib) Entries() []FibEnt {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	ents := make([]FibEnt, 0, len(f.ents))
	for _, e := range f.ents {
		ents = append(ents, FibEnt{Mac: e.Mac, Port: e.Port, Tagged: e.Tagged, Cookie: e.Cookie})
	}
	sort.Slice(ents, func(i, j int) bool { return bytes.Compare(ents[i].Mac, ents[j].Mac) < 0 })
	return ents
}

// destroy - withdraw in reverse order of creation and release the group id
func (f *Fib) destroy() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.deleted {
		return
	}
	for k, e := range f.ents {
		f.dropEntLocked(k, e)
	}
	f.deleted = true

	h := f.h
	h.send(f.key.Dpid, ofdpa.LearnMissFlow(openflow13.FC_DELETE_STRICT, h.tbl.Src, h.tbl.Dst, f.key.Vid))
	h.send(f.key.Dpid, ofdpa.FloodMissFlow(openflow13.FC_DELETE_STRICT, h.tbl.Dst, f.key.Vid, f.gid))
	h.send(f.key.Dpid, ofdpa.FloodGroup(openflow13.OFPGC_DELETE, f.gid, nil))
	if err := h.gids.ReleaseMarker(f.mark); err != nil {
		tk.LogIt(tk.LogError, "fib %s: %v\n", f.key, err)
	}
	prometheus.GroupIdsInUse(h.gids.InUse())
	tk.LogIt(tk.LogInfo, "fib %s: deleted\n", f.key)
}
