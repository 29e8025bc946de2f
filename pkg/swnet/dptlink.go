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
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/contiv/libOpenflow/util"
	tk "github.com/loxilb-io/loxilib"

	prometheus "github.com/loxilb-io/loxisw/api/prometheus"
	"github.com/loxilb-io/loxisw/pkg/ofdpa"
)

// error codes
const (
	DptErrBase = iota - 4000
	DptExistsErr
	DptNoEntErr
	DptTapErr
)

// maximum flow cookies handed to link synchronizers
const (
	MaxDptCookies = 64 * 1024
)

// port status bits and reasons
const (
	OfPortCfgDown       = 1 << 0
	OfPortStateLinkDown = 1 << 0
	OfPortReasonAdd     = 0
	OfPortReasonDelete  = 1
	OfPortReasonModify  = 2
)

// flow removed reasons
const (
	OfFlowRemIdleTimeout = 0
	OfFlowRemHardTimeout = 1
	OfFlowRemDelete      = 2
	OfFlowRemGroupDelete = 3
)

// DptState - attachment state of a DptLink
type DptState uint8

// DptLink states
const (
	DptIdle DptState = iota
	DptAttached
	DptDetached
	DptClosed
)

func (s DptState) String() string {
	switch s {
	case DptIdle:
		return "idle"
	case DptAttached:
		return "attached"
	case DptDetached:
		return "detached"
	case DptClosed:
		return "closed"
	}
	return "unknown"
}

// DptTables - flow stages programmed by link synchronizers
type DptTables struct {
	Local uint8
	Neigh uint8
}

type dptKey struct {
	dpid uint64
	port uint32
}

// DptLink - keeps the hardware state of one switch port in sync with the
// kernel link of the same name
type DptLink struct {
	mtx       sync.Mutex
	h         *DptLinksH
	id        string
	name      string
	ifi       int
	dpid      uint64
	port      uint32
	vid       uint16
	tagged    bool
	hw        net.HardwareAddr
	state     DptState
	tap       TapDev
	addrs     map[int]*DptAddr
	neighs    map[int]*DptNeigh
	closeOnce sync.Once
}

// DptLinksH - registry of link synchronizers by (datapath, port)
type DptLinksH struct {
	mtx     sync.RWMutex
	links   map[dptKey]*DptLink
	rl      *RtLinksH
	dp      ofdpa.Sender
	tm      *TapManager
	fib     *FibH
	cookies *tk.Counter
	tbl     DptTables
}

// DptLinksInit - initialize the link synchronizer registry
func DptLinksInit(rl *RtLinksH, dp ofdpa.Sender, tm *TapManager, fib *FibH, tbl DptTables) *DptLinksH {
	nDh := new(DptLinksH)
	nDh.links = make(map[dptKey]*DptLink)
	nDh.rl = rl
	nDh.dp = dp
	nDh.tm = tm
	nDh.fib = fib
	nDh.cookies = tk.NewCounter(1, MaxDptCookies)
	nDh.tbl = tbl
	return nDh
}

// DptLinkAdd - create the synchronizer of port on datapath dpid. Its tap is
// named after the port and the kernel link of that name is tracked
func (h *DptLinksH) DptLinkAdd(dpid uint64, port uint32, name string, hw net.HardwareAddr,
	vid uint16, tagged bool) (*DptLink, error) {
	key := dptKey{dpid, port}

	h.mtx.Lock()
	if _, ok := h.links[key]; ok {
		h.mtx.Unlock()
		return nil, fmt.Errorf("dptlink %016x:%d: %w", dpid, port, ErrExists)
	}
	dl := &DptLink{h: h, name: name, dpid: dpid, port: port, vid: vid, tagged: tagged,
		hw:     append(net.HardwareAddr(nil), hw...),
		addrs:  make(map[int]*DptAddr),
		neighs: make(map[int]*DptNeigh)}
	dl.id = fmt.Sprintf("dptlink-%016x-%d", dpid, port)
	h.links[key] = dl
	h.mtx.Unlock()

	if h.tm != nil {
		tap, err := h.tm.Create(name, hw, func(frame []byte) { dl.Enqueue(frame) })
		if err != nil && !errors.Is(err, ErrExists) {
			h.mtx.Lock()
			delete(h.links, key)
			h.mtx.Unlock()
			return nil, err
		}
		if tap == nil {
			tap, _ = h.tm.Find(name)
		}
		dl.tap = tap
	}

	if err := h.rl.RtNotifierRegister(dl.id, dl); err != nil {
		tk.LogIt(tk.LogError, "dptlink %s: %v\n", dl.id, err)
	}
	if link, ok := h.rl.GetLinkByName(name); ok {
		dl.LinkCreated(link.Index)
	}

	tk.LogIt(tk.LogInfo, "dptlink %s: %s added vid %d tagged %v\n", dl.id, name, vid, tagged)
	return dl, nil
}

// DptLinkFind - lookup the synchronizer of a port
func (h *DptLinksH) DptLinkFind(dpid uint64, port uint32) (*DptLink, error) {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	dl, ok := h.links[dptKey{dpid, port}]
	if !ok {
		return nil, fmt.Errorf("dptlink %016x:%d: %w", dpid, port, ErrNotFound)
	}
	return dl, nil
}

// DptLinkDel - close and forget the synchronizer of a port
func (h *DptLinksH) DptLinkDel(dpid uint64, port uint32) error {
	key := dptKey{dpid, port}
	h.mtx.Lock()
	dl, ok := h.links[key]
	delete(h.links, key)
	h.mtx.Unlock()
	if !ok {
		return fmt.Errorf("dptlink %016x:%d: %w", dpid, port, ErrNotFound)
	}
	dl.Close()
	return nil
}

// DptLinksOf - synchronizers of datapath dpid ordered by port
func (h *DptLinksH) DptLinksOf(dpid uint64) []*DptLink {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	var dls []*DptLink
	for k, dl := range h.links {
		if k.dpid == dpid {
			dls = append(dls, dl)
		}
	}
	sort.Slice(dls, func(i, j int) bool { return dls[i].port < dls[j].port })
	return dls
}

// DptLinkFindByIfi - synchronizer bound to kernel link ifi
func (h *DptLinksH) DptLinkFindByIfi(ifi int) (*DptLink, bool) {
	h.mtx.RLock()
	dls := make([]*DptLink, 0, len(h.links))
	for _, dl := range h.links {
		dls = append(dls, dl)
	}
	h.mtx.RUnlock()
	for _, dl := range dls {
		if dl.Ifindex() == ifi {
			return dl, true
		}
	}
	return nil, false
}

// PortByName - switch port carrying the device name. Used to map kernel
// bridge ports onto hardware ports
func (h *DptLinksH) PortByName(name string) (uint32, bool) {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	for k, dl := range h.links {
		if dl.name == name {
			return k.port, true
		}
	}
	return 0, false
}

// DptLinksCloseAll - close every synchronizer
func (h *DptLinksH) DptLinksCloseAll() {
	h.mtx.Lock()
	dls := make([]*DptLink, 0, len(h.links))
	for k, dl := range h.links {
		dls = append(dls, dl)
		delete(h.links, k)
	}
	h.mtx.Unlock()
	for _, dl := range dls {
		dl.Close()
	}
}

// PortPvid - FibOwner implementation. Untagged ports report their vid,
// tagged ports report 0
func (h *DptLinksH) PortPvid(dpid uint64, port uint32) (uint16, error) {
	h.mtx.RLock()
	dl, ok := h.links[dptKey{dpid, port}]
	h.mtx.RUnlock()
	if !ok {
		return 0, fmt.Errorf("dptlink %016x:%d: %w", dpid, port, ErrNotFound)
	}
	if dl.tagged {
		return 0, nil
	}
	return dl.vid, nil
}

// Name - device name of the port
func (dl *DptLink) Name() string {
	return dl.name
}

// Port - switch port number
func (dl *DptLink) Port() uint32 {
	return dl.port
}

// State - current attachment state
func (dl *DptLink) State() DptState {
	dl.mtx.Lock()
	defer dl.mtx.Unlock()
	return dl.state
}

// Ifindex - bound kernel link or 0
func (dl *DptLink) Ifindex() int {
	dl.mtx.Lock()
	defer dl.mtx.Unlock()
	return dl.ifi
}

// send - must be called with dl.mtx held
func (dl *DptLink) send(msg util.Message) error {
	if dl.state != DptAttached {
		return ErrNoDatapath
	}
	return dl.h.dp.DpSend(dl.dpid, msg)
}

func (dl *DptLink) entities() []dptEnt {
	ents := make([]dptEnt, 0, len(dl.addrs)+len(dl.neighs))
	for _, adi := range sortedKeys(dl.addrs) {
		ents = append(ents, dl.addrs[adi])
	}
	for _, nbi := range sortedKeys(dl.neighs) {
		ents = append(ents, dl.neighs[nbi])
	}
	return ents
}

// Attach - Idle|Detached -> Attached. Every cached address and neighbor is
// programmed
func (dl *DptLink) Attach(dpid uint64) {
	dl.mtx.Lock()
	defer dl.mtx.Unlock()

	if dl.state != DptIdle && dl.state != DptDetached {
		return
	}
	dl.dpid = dpid
	dl.state = DptAttached

	for _, e := range dl.entities() {
		if err := e.Install(); err != nil {
			tk.LogIt(tk.LogError, "dptlink %s: install %v failed %v\n", dl.id, e, err)
		}
	}
	if dl.tap != nil {
		if err := dl.tap.Enable(); err != nil {
			tk.LogIt(tk.LogError, "dptlink %s: tap enable %v\n", dl.id, err)
		}
	}
	if dl.h.fib != nil {
		dl.h.fib.FibJoin(dl.h, dl.dpid, dl.vid, dl.port, dl.tagged)
	}
	tk.LogIt(tk.LogInfo, "dptlink %s: attached\n", dl.id)
}

// Detach - Attached -> Detached. Hardware state is withdrawn but addresses
// and neighbors stay cached
func (dl *DptLink) Detach(dpid uint64) {
	dl.mtx.Lock()
	defer dl.mtx.Unlock()
	dl.detachLocked(dpid)
}

func (dl *DptLink) detachLocked(dpid uint64) {
	if dl.state != DptAttached || dl.dpid != dpid {
		return
	}
	for _, e := range dl.entities() {
		if err := e.Uninstall(); err != nil {
			tk.LogIt(tk.LogDebug, "dptlink %s: uninstall %v failed %v\n", dl.id, e, err)
		}
	}
	if dl.tap != nil {
		dl.tap.Disable()
	}
	if dl.h.fib != nil {
		dl.h.fib.FibLeave(dl.dpid, dl.vid, dl.port)
	}
	dl.state = DptDetached
	tk.LogIt(tk.LogInfo, "dptlink %s: detached\n", dl.id)
}

// Close - terminal teardown. Runs the detach path when attached. Safe to
// call more than once
func (dl *DptLink) Close() {
	dl.closeOnce.Do(func() {
		dl.mtx.Lock()
		dl.detachLocked(dl.dpid)
		dl.state = DptClosed
		for adi, a := range dl.addrs {
			dl.h.cookies.PutCounter(a.cookie)
			delete(dl.addrs, adi)
		}
		for nbi, n := range dl.neighs {
			dl.h.cookies.PutCounter(n.cookie)
			delete(dl.neighs, nbi)
		}
		tap := dl.tap
		dl.tap = nil
		dl.mtx.Unlock()

		dl.h.rl.RtNotifierUnregister(dl.id)
		if tap != nil && dl.h.tm != nil {
			dl.h.tm.Destroy(tap.Name())
		}
		tk.LogIt(tk.LogInfo, "dptlink %s: closed\n", dl.id)
	})
}

// Enqueue - send a frame from the host stack out of the port
func (dl *DptLink) Enqueue(frame []byte) error {
	dl.mtx.Lock()
	state, dpid, port := dl.state, dl.dpid, dl.port
	dl.mtx.Unlock()

	if state != DptAttached {
		tk.LogIt(tk.LogDebug, "dptlink %s: no datapath, frame dropped\n", dl.id)
		prometheus.TapDrops()
		return ErrNoDatapath
	}
	if err := dl.h.dp.DpSend(dpid, ofdpa.PacketOut(port, frame)); err != nil {
		tk.LogIt(tk.LogError, "dptlink %s: packet-out failed %v\n", dl.id, err)
		prometheus.TapDrops()
		return err
	}
	return nil
}

// HandlePacketIn - deliver a frame punted by the port to the host stack
func (dl *DptLink) HandlePacketIn(frame []byte) error {
	dl.mtx.Lock()
	tap := dl.tap
	dl.mtx.Unlock()
	if tap == nil {
		return nil
	}
	return tap.Write(frame)
}

// HandlePortStatus - level triggered port up/down
func (dl *DptLink) HandlePortStatus(dpid uint64, config, state uint32) {
	down := config&OfPortCfgDown != 0 || state&OfPortStateLinkDown != 0

	dl.mtx.Lock()
	tap := dl.tap
	dl.mtx.Unlock()

	if down {
		if tap != nil {
			tap.Disable()
		}
		dl.Detach(dpid)
		return
	}
	dl.Attach(dpid)
	if tap != nil {
		tap.Enable()
	}
}

// HandleFlowRemoved - put back a flow the switch expired while its mirror
// entry still exists. Removals we asked for (delete or group delete) are
// not reinstalled
func (dl *DptLink) HandleFlowRemoved(cookie uint64, reason uint8) bool {
	if reason != OfFlowRemIdleTimeout && reason != OfFlowRemHardTimeout {
		tk.LogIt(tk.LogDebug, "dptlink %s: cookie %x removed reason %d\n", dl.id, cookie, reason)
		return false
	}

	dl.mtx.Lock()
	defer dl.mtx.Unlock()

	for adi, a := range dl.addrs {
		if a.cookie != cookie {
			continue
		}
		a.installed = false
		if !dl.h.rl.HasAddr(a.ifi, adi) {
			dl.dropAddrLocked(adi)
			return true
		}
		if dl.state == DptAttached {
			if err := a.Reinstall(); err != nil {
				tk.LogIt(tk.LogError, "dptlink %s: reinstall %v failed %v\n", dl.id, a, err)
			}
		}
		return true
	}
	for nbi, n := range dl.neighs {
		if n.cookie != cookie {
			continue
		}
		n.installed = false
		if !dl.h.rl.HasNeigh(n.ifi, nbi) {
			dl.dropNeighLocked(nbi)
			return true
		}
		if dl.state == DptAttached {
			if err := n.Reinstall(); err != nil {
				tk.LogIt(tk.LogError, "dptlink %s: reinstall %v failed %v\n", dl.id, n, err)
			}
		}
		return true
	}
	return false
}

// HandleError - errors reported by the switch are only logged
func (dl *DptLink) HandleError(errType, errCode uint16) {
	tk.LogIt(tk.LogError, "dptlink %s: switch error type %d code %d\n", dl.id, errType, errCode)
}

func (dl *DptLink) dropAddrLocked(adi int) {
	a, ok := dl.addrs[adi]
	if !ok {
		return
	}
	if err := a.Uninstall(); err != nil {
		tk.LogIt(tk.LogDebug, "dptlink %s: uninstall %v failed %v\n", dl.id, a, err)
	}
	delete(dl.addrs, adi)
	dl.h.cookies.PutCounter(a.cookie)
}

func (dl *DptLink) dropNeighLocked(nbi int) {
	n, ok := dl.neighs[nbi]
	if !ok {
		return
	}
	if err := n.Uninstall(); err != nil {
		tk.LogIt(tk.LogDebug, "dptlink %s: uninstall %v failed %v\n", dl.id, n, err)
	}
	delete(dl.neighs, nbi)
	dl.h.cookies.PutCounter(n.cookie)
}

func (dl *DptLink) addAddrLocked(adi int) (*DptAddr, error) {
	if a, ok := dl.addrs[adi]; ok {
		return a, nil
	}
	cookie, err := dl.h.cookies.GetCounter()
	if err != nil {
		return nil, fmt.Errorf("dptlink %s cookie: %w", dl.id, ErrNoResource)
	}
	a := newDptAddr(dl, dl.ifi, adi, dl.h.tbl.Local, cookie)
	if err := a.Update(); err != nil {
		dl.h.cookies.PutCounter(cookie)
		return nil, err
	}
	dl.addrs[adi] = a
	return a, nil
}

func (dl *DptLink) addNeighLocked(nbi int) (*DptNeigh, error) {
	if n, ok := dl.neighs[nbi]; ok {
		return n, nil
	}
	cookie, err := dl.h.cookies.GetCounter()
	if err != nil {
		return nil, fmt.Errorf("dptlink %s cookie: %w", dl.id, ErrNoResource)
	}
	n := newDptNeigh(dl, dl.ifi, nbi, dl.h.tbl.Neigh, cookie)
	if err := n.Update(); err != nil {
		dl.h.cookies.PutCounter(cookie)
		return nil, err
	}
	dl.neighs[nbi] = n
	return n, nil
}

func (dl *DptLink) installLocked(e dptEnt) {
	if dl.state != DptAttached {
		return
	}
	if err := e.Install(); err != nil {
		tk.LogIt(tk.LogError, "dptlink %s: install %v failed %v\n", dl.id, e, err)
	}
}

// LinkCreated - bind to the kernel link carrying the port's name
func (dl *DptLink) LinkCreated(ifi int) {
	link, ok := dl.h.rl.GetLink(ifi)
	if !ok {
		return
	}

	dl.mtx.Lock()
	defer dl.mtx.Unlock()
	if dl.state == DptClosed || link.Name != dl.name || (dl.ifi != 0 && dl.ifi != ifi) {
		return
	}
	dl.ifi = ifi
	if len(link.HardwareAddr) == 6 {
		dl.hw = append(net.HardwareAddr(nil), link.HardwareAddr...)
	}
	for _, adi := range dl.h.rl.AddrIndices(ifi) {
		if a, err := dl.addAddrLocked(adi); err == nil {
			dl.installLocked(a)
		}
	}
	for _, nbi := range dl.h.rl.NeighIndices(ifi) {
		if n, err := dl.addNeighLocked(nbi); err == nil {
			dl.installLocked(n)
		}
	}
	tk.LogIt(tk.LogDebug, "dptlink %s: bound to %s(%d)\n", dl.id, link.Name, ifi)
}

// LinkUpdated - follow a hardware address change of the bound link
func (dl *DptLink) LinkUpdated(ifi int) {
	dl.mtx.Lock()
	defer dl.mtx.Unlock()
	if ifi != dl.ifi || dl.state == DptClosed {
		return
	}
	link, ok := dl.h.rl.GetLink(ifi)
	if !ok {
		tk.LogIt(tk.LogDebug, "dptlink %s: link %d not found\n", dl.id, ifi)
		return
	}
	if len(link.HardwareAddr) != 6 || link.HardwareAddr.String() == dl.hw.String() {
		return
	}
	dl.hw = append(net.HardwareAddr(nil), link.HardwareAddr...)
	if dl.state != DptAttached {
		return
	}
	for _, nbi := range sortedKeys(dl.neighs) {
		if err := dl.neighs[nbi].Reinstall(); err != nil {
			tk.LogIt(tk.LogError, "dptlink %s: reinstall %v failed %v\n", dl.id, dl.neighs[nbi], err)
		}
	}
}

// LinkDeleted - the bound link is gone. Everything derived from it goes too
func (dl *DptLink) LinkDeleted(ifi int) {
	dl.mtx.Lock()
	defer dl.mtx.Unlock()
	if ifi != dl.ifi {
		return
	}
	for _, nbi := range sortedKeys(dl.neighs) {
		dl.dropNeighLocked(nbi)
	}
	for _, adi := range sortedKeys(dl.addrs) {
		dl.dropAddrLocked(adi)
	}
	dl.ifi = 0
	tk.LogIt(tk.LogDebug, "dptlink %s: unbound from %d\n", dl.id, ifi)
}

// AddrCreated - program a new address of the bound link
func (dl *DptLink) AddrCreated(ifi, adi int) {
	dl.mtx.Lock()
	defer dl.mtx.Unlock()
	if ifi != dl.ifi || dl.state == DptClosed {
		return
	}
	a, err := dl.addAddrLocked(adi)
	if err != nil {
		tk.LogIt(tk.LogError, "dptlink %s: addr %d: %v\n", dl.id, adi, err)
		return
	}
	dl.installLocked(a)
}

// AddrUpdated - reprogram a changed address of the bound link
func (dl *DptLink) AddrUpdated(ifi, adi int) {
	dl.mtx.Lock()
	defer dl.mtx.Unlock()
	if ifi != dl.ifi || dl.state == DptClosed {
		return
	}
	a, ok := dl.addrs[adi]
	if !ok {
		var err error
		if a, err = dl.addAddrLocked(adi); err != nil {
			tk.LogIt(tk.LogError, "dptlink %s: addr %d: %v\n", dl.id, adi, err)
			return
		}
		dl.installLocked(a)
		return
	}
	if dl.state != DptAttached {
		a.Update()
		return
	}
	if err := a.Reinstall(); err != nil {
		tk.LogIt(tk.LogError, "dptlink %s: reinstall %v failed %v\n", dl.id, a, err)
	}
}

// AddrDeleted - withdraw and forget an address of the bound link
func (dl *DptLink) AddrDeleted(ifi, adi int) {
	dl.mtx.Lock()
	defer dl.mtx.Unlock()
	if ifi != dl.ifi {
		return
	}
	dl.dropAddrLocked(adi)
}

// NeighCreated - program a new neighbor of the bound link
func (dl *DptLink) NeighCreated(ifi, nbi int) {
	dl.mtx.Lock()
	defer dl.mtx.Unlock()
	if ifi != dl.ifi || dl.state == DptClosed {
		return
	}
	n, err := dl.addNeighLocked(nbi)
	if err != nil {
		tk.LogIt(tk.LogError, "dptlink %s: neigh %d: %v\n", dl.id, nbi, err)
		return
	}
	dl.installLocked(n)
}

// NeighUpdated - the neighbor state decides between refresh and removal
func (dl *DptLink) NeighUpdated(ifi, nbi int) {
	dl.mtx.Lock()
	defer dl.mtx.Unlock()
	if ifi != dl.ifi || dl.state == DptClosed {
		return
	}
	nb, ok := dl.h.rl.GetNeigh(ifi, nbi)
	if !ok {
		tk.LogIt(tk.LogDebug, "dptlink %s: neigh %d not found\n", dl.id, nbi)
		return
	}

	switch {
	case NudDead(nb.State):
		dl.dropNeighLocked(nbi)
	case NudUsable(nb.State):
		n, err := dl.addNeighLocked(nbi)
		if err != nil {
			tk.LogIt(tk.LogError, "dptlink %s: neigh %d: %v\n", dl.id, nbi, err)
			return
		}
		if dl.state != DptAttached {
			n.Update()
			return
		}
		if err := n.Reinstall(); err != nil {
			tk.LogIt(tk.LogError, "dptlink %s: reinstall %v failed %v\n", dl.id, n, err)
		}
	default:
		tk.LogIt(tk.LogDebug, "dptlink %s: neigh %d state 0x%x ignored\n", dl.id, nbi, nb.State)
	}
}

// NeighDeleted - withdraw and forget a neighbor of the bound link
func (dl *DptLink) NeighDeleted(ifi, nbi int) {
	dl.mtx.Lock()
	defer dl.mtx.Unlock()
	if ifi != dl.ifi {
		return
	}
	dl.dropNeighLocked(nbi)
}
