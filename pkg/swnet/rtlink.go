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

	cmn "github.com/loxilb-io/loxisw/common"
	tk "github.com/loxilb-io/loxilib"
	"golang.org/x/sys/unix"
)

// RtLink - kernel link as mirrored
type RtLink struct {
	Index        int
	Name         string
	HardwareAddr net.HardwareAddr
	Mtu          int
	MasterIndex  int
	Family       int
	Up           bool
	IsBridge     bool
	Br           cmn.BrVlan
}

// IsBridgePort - link is enslaved to a vlan filtering bridge
func (l *RtLink) IsBridgePort() bool {
	return l.Family == unix.AF_BRIDGE && l.MasterIndex > 0
}

// RtAddr - an address owned by a link
type RtAddr struct {
	LinkIndex int
	AdIndex   int
	Family    int
	IPNet     net.IPNet
}

// RtNeigh - a neighbor owned by a link
type RtNeigh struct {
	LinkIndex    int
	NbIndex      int
	Family       int
	IP           net.IP
	HardwareAddr net.HardwareAddr
	State        int
	Vlan         int
	MasterIndex  int
}

// RtRoute - a route as mirrored
type RtRoute struct {
	Dst       net.IPNet
	Gw        net.IP
	LinkIndex int
	Table     int
}

// RtNotifier - interface for getting kernel state notifications.
// Callbacks run synchronously after the mirror was mutated. They must not
// mutate the mirror for the same ifindex.
type RtNotifier interface {
	LinkCreated(ifi int)
	LinkUpdated(ifi int)
	LinkDeleted(ifi int)
	AddrCreated(ifi, adi int)
	AddrUpdated(ifi, adi int)
	AddrDeleted(ifi, adi int)
	NeighCreated(ifi, nbi int)
	NeighUpdated(ifi, nbi int)
	NeighDeleted(ifi, nbi int)
}

type rtLinkEnt struct {
	link   RtLink
	addrs  map[int]RtAddr
	neighs map[int]RtNeigh
}

// ifLock - serializes work on one ifindex, dropped once nobody holds it
type ifLock struct {
	mtx  sync.Mutex
	refs int
}

type rtNotifEnt struct {
	id    string
	notif RtNotifier
}

// RtLinksH - context container for the kernel state mirror
type RtLinksH struct {
	mtx     sync.RWMutex
	links   map[int]*rtLinkEnt
	routes  map[string]RtRoute
	ifMtx   sync.Mutex
	ifLocks map[int]*ifLock
	nMtx    sync.RWMutex
	notifs  []rtNotifEnt
}

// RtLinksInit - Initialize the kernel state mirror
func RtLinksInit() *RtLinksH {
	rl := new(RtLinksH)
	rl.links = make(map[int]*rtLinkEnt)
	rl.routes = make(map[string]RtRoute)
	rl.ifLocks = make(map[int]*ifLock)
	return rl
}

// RtNotifierRegister - register a notifier under a unique id
func (rl *RtLinksH) RtNotifierRegister(id string, notif RtNotifier) error {
	if notif == nil {
		return ErrInvalidArg
	}
	rl.nMtx.Lock()
	defer rl.nMtx.Unlock()
	for _, n := range rl.notifs {
		if n.id == id {
			return fmt.Errorf("notifier %s: %w", id, ErrExists)
		}
	}
	rl.notifs = append(rl.notifs, rtNotifEnt{id: id, notif: notif})
	return nil
}

// RtNotifierUnregister - remove a notifier
func (rl *RtLinksH) RtNotifierUnregister(id string) {
	rl.nMtx.Lock()
	defer rl.nMtx.Unlock()
	for i, n := range rl.notifs {
		if n.id == id {
			rl.notifs = append(rl.notifs[:i], rl.notifs[i+1:]...)
			return
		}
	}
}

func (rl *RtLinksH) notify(fn func(RtNotifier)) {
	rl.nMtx.RLock()
	notifs := make([]RtNotifier, 0, len(rl.notifs))
	for _, n := range rl.notifs {
		notifs = append(notifs, n.notif)
	}
	rl.nMtx.RUnlock()

	for _, n := range notifs {
		fn(n)
	}
}

func (rl *RtLinksH) lockIf(ifi int) func() {
	rl.ifMtx.Lock()
	l, ok := rl.ifLocks[ifi]
	if !ok {
		l = new(ifLock)
		rl.ifLocks[ifi] = l
	}
	l.refs++
	rl.ifMtx.Unlock()

	l.mtx.Lock()
	return func() {
		l.mtx.Unlock()
		rl.ifMtx.Lock()
		l.refs--
		if l.refs == 0 {
			delete(rl.ifLocks, ifi)
		}
		rl.ifMtx.Unlock()
	}
}

// GetLink - get a copy of link ifi
func (rl *RtLinksH) GetLink(ifi int) (RtLink, bool) {
	rl.mtx.RLock()
	defer rl.mtx.RUnlock()
	ent, ok := rl.links[ifi]
	if !ok {
		return RtLink{}, false
	}
	return ent.link, true
}

// HasLink - check if link ifi is mirrored
func (rl *RtLinksH) HasLink(ifi int) bool {
	rl.mtx.RLock()
	defer rl.mtx.RUnlock()
	_, ok := rl.links[ifi]
	return ok
}

// GetLinkByName - get a copy of the link with the given device name
func (rl *RtLinksH) GetLinkByName(name string) (RtLink, bool) {
	rl.mtx.RLock()
	defer rl.mtx.RUnlock()
	for _, ent := range rl.links {
		if ent.link.Name == name {
			return ent.link, true
		}
	}
	return RtLink{}, false
}

// Keys - sorted ifindices of all mirrored links
func (rl *RtLinksH) Keys() []int {
	rl.mtx.RLock()
	defer rl.mtx.RUnlock()
	keys := make([]int, 0, len(rl.links))
	for k := range rl.links {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// AddLink - create or update a link
func (rl *RtLinksH) AddLink(lm *cmn.LinkMod) (bool, error) {
	if lm == nil || lm.Index <= 0 {
		return false, ErrInvalidArg
	}
	unlock := rl.lockIf(lm.Index)
	defer unlock()

	link := RtLink{
		Index:        lm.Index,
		Name:         lm.Name,
		HardwareAddr: append(net.HardwareAddr(nil), lm.HardwareAddr...),
		Mtu:          lm.Mtu,
		MasterIndex:  lm.MasterIndex,
		Family:       lm.Family,
		Up:           lm.Up,
		IsBridge:     lm.IsBridge,
		Br:           lm.Br,
	}

	rl.mtx.Lock()
	ent, exists := rl.links[lm.Index]
	if exists {
		ent.link = link
	} else {
		rl.links[lm.Index] = &rtLinkEnt{link: link,
			addrs:  make(map[int]RtAddr),
			neighs: make(map[int]RtNeigh)}
	}
	rl.mtx.Unlock()

	if exists {
		tk.LogIt(tk.LogDebug, "rtlink: %s(%d) updated\n", lm.Name, lm.Index)
		rl.notify(func(n RtNotifier) { n.LinkUpdated(lm.Index) })
	} else {
		tk.LogIt(tk.LogInfo, "rtlink: %s(%d) created\n", lm.Name, lm.Index)
		rl.notify(func(n RtNotifier) { n.LinkCreated(lm.Index) })
	}
	return !exists, nil
}

// DropLink - delete link ifi along with its neighbors and addresses.
// Dropping an unknown link is a no-op
func (rl *RtLinksH) DropLink(ifi int) {
	unlock := rl.lockIf(ifi)
	defer unlock()

	rl.mtx.RLock()
	ent, ok := rl.links[ifi]
	var nbis, adis []int
	if ok {
		nbis = sortedKeys(ent.neighs)
		adis = sortedKeys(ent.addrs)
	}
	rl.mtx.RUnlock()
	if !ok {
		return
	}

	for _, nbi := range nbis {
		rl.dropNeighLocked(ifi, nbi)
	}
	for _, adi := range adis {
		rl.dropAddrLocked(ifi, adi)
	}

	rl.mtx.Lock()
	delete(rl.links, ifi)
	rl.mtx.Unlock()

	tk.LogIt(tk.LogInfo, "rtlink: %d deleted\n", ifi)
	rl.notify(func(n RtNotifier) { n.LinkDeleted(ifi) })
}

// GetAddr - get a copy of address adi of link ifi
func (rl *RtLinksH) GetAddr(ifi, adi int) (RtAddr, bool) {
	rl.mtx.RLock()
	defer rl.mtx.RUnlock()
	ent, ok := rl.links[ifi]
	if !ok {
		return RtAddr{}, false
	}
	a, ok := ent.addrs[adi]
	return a, ok
}

// HasAddr - check if address adi of link ifi is mirrored
func (rl *RtLinksH) HasAddr(ifi, adi int) bool {
	_, ok := rl.GetAddr(ifi, adi)
	return ok
}

// AddrIndices - sorted address indices of link ifi
func (rl *RtLinksH) AddrIndices(ifi int) []int {
	rl.mtx.RLock()
	defer rl.mtx.RUnlock()
	ent, ok := rl.links[ifi]
	if !ok {
		return nil
	}
	return sortedKeys(ent.addrs)
}

// AddAddr - create or update an address of a link
func (rl *RtLinksH) AddAddr(am *cmn.AddrMod) (bool, error) {
	if am == nil || am.IPNet == nil {
		return false, ErrInvalidArg
	}
	unlock := rl.lockIf(am.LinkIndex)
	defer unlock()

	rl.mtx.Lock()
	ent, ok := rl.links[am.LinkIndex]
	if !ok {
		rl.mtx.Unlock()
		return false, fmt.Errorf("link %d: %w", am.LinkIndex, ErrNotFound)
	}
	_, exists := ent.addrs[am.AdIndex]
	ent.addrs[am.AdIndex] = RtAddr{LinkIndex: am.LinkIndex, AdIndex: am.AdIndex,
		Family: am.Family, IPNet: *am.IPNet}
	rl.mtx.Unlock()

	if exists {
		rl.notify(func(n RtNotifier) { n.AddrUpdated(am.LinkIndex, am.AdIndex) })
	} else {
		rl.notify(func(n RtNotifier) { n.AddrCreated(am.LinkIndex, am.AdIndex) })
	}
	return !exists, nil
}

// DropAddr - delete address adi of link ifi
func (rl *RtLinksH) DropAddr(ifi, adi int) {
	unlock := rl.lockIf(ifi)
	defer unlock()
	rl.dropAddrLocked(ifi, adi)
}

func (rl *RtLinksH) dropAddrLocked(ifi, adi int) {
	rl.mtx.Lock()
	ent, ok := rl.links[ifi]
	if ok {
		_, ok = ent.addrs[adi]
		delete(ent.addrs, adi)
	}
	rl.mtx.Unlock()
	if ok {
		rl.notify(func(n RtNotifier) { n.AddrDeleted(ifi, adi) })
	}
}

// GetNeigh - get a copy of neighbor nbi of link ifi
func (rl *RtLinksH) GetNeigh(ifi, nbi int) (RtNeigh, bool) {
	rl.mtx.RLock()
	defer rl.mtx.RUnlock()
	ent, ok := rl.links[ifi]
	if !ok {
		return RtNeigh{}, false
	}
	nb, ok := ent.neighs[nbi]
	return nb, ok
}

// HasNeigh - check if neighbor nbi of link ifi is mirrored
func (rl *RtLinksH) HasNeigh(ifi, nbi int) bool {
	_, ok := rl.GetNeigh(ifi, nbi)
	return ok
}

// NeighIndices - sorted neighbor indices of link ifi
func (rl *RtLinksH) NeighIndices(ifi int) []int {
	rl.mtx.RLock()
	defer rl.mtx.RUnlock()
	ent, ok := rl.links[ifi]
	if !ok {
		return nil
	}
	return sortedKeys(ent.neighs)
}

// AddNeigh - create or update a neighbor of a link
func (rl *RtLinksH) AddNeigh(nm *cmn.NeighMod) (bool, error) {
	if nm == nil {
		return false, ErrInvalidArg
	}
	unlock := rl.lockIf(nm.LinkIndex)
	defer unlock()

	rl.mtx.Lock()
	ent, ok := rl.links[nm.LinkIndex]
	if !ok {
		rl.mtx.Unlock()
		return false, fmt.Errorf("link %d: %w", nm.LinkIndex, ErrNotFound)
	}
	_, exists := ent.neighs[nm.NbIndex]
	ent.neighs[nm.NbIndex] = RtNeigh{LinkIndex: nm.LinkIndex, NbIndex: nm.NbIndex,
		Family: nm.Family, IP: nm.IP, HardwareAddr: nm.HardwareAddr,
		State: nm.State, Vlan: nm.Vlan, MasterIndex: nm.MasterIndex}
	rl.mtx.Unlock()

	if exists {
		rl.notify(func(n RtNotifier) { n.NeighUpdated(nm.LinkIndex, nm.NbIndex) })
	} else {
		rl.notify(func(n RtNotifier) { n.NeighCreated(nm.LinkIndex, nm.NbIndex) })
	}
	return !exists, nil
}

// DropNeigh - delete neighbor nbi of link ifi
func (rl *RtLinksH) DropNeigh(ifi, nbi int) {
	unlock := rl.lockIf(ifi)
	defer unlock()
	rl.dropNeighLocked(ifi, nbi)
}

func (rl *RtLinksH) dropNeighLocked(ifi, nbi int) {
	rl.mtx.Lock()
	ent, ok := rl.links[ifi]
	if ok {
		_, ok = ent.neighs[nbi]
		delete(ent.neighs, nbi)
	}
	rl.mtx.Unlock()
	if ok {
		rl.notify(func(n RtNotifier) { n.NeighDeleted(ifi, nbi) })
	}
}

// AddRoute - record a route
func (rl *RtLinksH) AddRoute(rm *cmn.RouteMod) error {
	if rm == nil || rm.Dst == nil {
		return ErrInvalidArg
	}
	rl.mtx.Lock()
	defer rl.mtx.Unlock()
	rl.routes[routeKey(rm.Dst, rm.Table)] = RtRoute{Dst: *rm.Dst, Gw: rm.Gw,
		LinkIndex: rm.LinkIndex, Table: rm.Table}
	return nil
}

// DropRoute - forget a route
func (rl *RtLinksH) DropRoute(rm *cmn.RouteMod) error {
	if rm == nil || rm.Dst == nil {
		return ErrInvalidArg
	}
	rl.mtx.Lock()
	defer rl.mtx.Unlock()
	key := routeKey(rm.Dst, rm.Table)
	if _, ok := rl.routes[key]; !ok {
		return ErrNotFound
	}
	delete(rl.routes, key)
	return nil
}

// GetRoutes - all routes via link ifi
func (rl *RtLinksH) GetRoutes(ifi int) []RtRoute {
	rl.mtx.RLock()
	defer rl.mtx.RUnlock()
	var rts []RtRoute
	for _, rt := range rl.routes {
		if rt.LinkIndex == ifi {
			rts = append(rts, rt)
		}
	}
	sort.Slice(rts, func(i, j int) bool { return rts[i].Dst.String() < rts[j].Dst.String() })
	return rts
}

func routeKey(dst *net.IPNet, table int) string {
	return fmt.Sprintf("%s:%d", dst.String(), table)
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
