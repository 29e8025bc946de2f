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

package loxinlp

import (
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	tk "github.com/loxilb-io/loxilib"
	nlp "github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	cmn "github.com/loxilb-io/loxisw/common"
	utils "github.com/loxilb-io/loxisw/pkg/utils"
)

type AddrUpdateCh struct {
	FromAUCh   chan nlp.AddrUpdate
	FromAUDone chan struct{}
}
type LinkUpdateCh struct {
	FromLUCh   chan nlp.LinkUpdate
	FromLUDone chan struct{}
}
type NeighUpdateCh struct {
	FromNUCh   chan nlp.NeighUpdate
	FromNUDone chan struct{}
}
type RouteUpdateCh struct {
	FromRUCh   chan nlp.RouteUpdate
	FromRUDone chan struct{}
}

// linkIdx - dense address and neighbor indices of one link
type linkIdx struct {
	adMark *utils.Marker
	ads    map[string]int
	nbMark *utils.Marker
	nbs    map[string]int
}

type NlH struct {
	AddrUpdateCh
	LinkUpdateCh
	NeighUpdateCh
	RouteUpdateCh
	mtx  sync.Mutex
	IMap map[int]*linkIdx
}

var hooks cmn.NetHookInterface

func NlpRegister(hook cmn.NetHookInterface) {
	hooks = hook
}

func newLinkIdx() *linkIdx {
	return &linkIdx{
		adMark: utils.NewMarker(1, cmn.MaxAddrPerLink),
		ads:    make(map[string]int),
		nbMark: utils.NewMarker(1, cmn.MaxNeighPerLink),
		nbs:    make(map[string]int),
	}
}

// index - get the index of key on link ifi, allocating it when alloc is set
func (nNl *NlH) index(ifi int, key string, neigh, alloc bool) (int, bool) {
	if alloc {
		idx, _, ok := nNl.acquire(ifi, key, neigh)
		return idx, ok
	}

	nNl.mtx.Lock()
	defer nNl.mtx.Unlock()

	li, ok := nNl.IMap[ifi]
	if !ok {
		return 0, false
	}
	m := li.ads
	if neigh {
		m = li.nbs
	}
	idx, ok := m[key]
	return idx, ok
}

// acquire - index of key on link ifi, allocating one if needed. fresh is
// set only when this call allocated it
func (nNl *NlH) acquire(ifi int, key string, neigh bool) (idx int, fresh bool, ok bool) {
	nNl.mtx.Lock()
	defer nNl.mtx.Unlock()

	li, found := nNl.IMap[ifi]
	if !found {
		li = newLinkIdx()
		nNl.IMap[ifi] = li
	}
	m, mark := li.ads, li.adMark
	if neigh {
		m, mark = li.nbs, li.nbMark
	}
	if idx, found := m[key]; found {
		return idx, false, true
	}
	id, err := mark.GetMarker()
	if err != nil {
		tk.LogIt(tk.LogError, "[NLP] index for %s on %d: %v\n", key, ifi, err)
		return 0, false, false
	}
	m[key] = int(id)
	return int(id), true, true
}

// release - free the index of key on link ifi
func (nNl *NlH) release(ifi int, key string, neigh bool) {
	nNl.mtx.Lock()
	defer nNl.mtx.Unlock()

	li, ok := nNl.IMap[ifi]
	if !ok {
		return
	}
	m, mark := li.ads, li.adMark
	if neigh {
		m, mark = li.nbs, li.nbMark
	}
	if idx, ok := m[key]; ok {
		mark.ReleaseMarker(uint64(idx))
		delete(m, key)
	}
}

func (nNl *NlH) dropLink(ifi int) {
	nNl.mtx.Lock()
	defer nNl.mtx.Unlock()
	delete(nNl.IMap, ifi)
}

func addrKey(ipn *net.IPNet) string {
	return ipn.String()
}

func neighKey(neigh *nlp.Neigh) string {
	if neigh.Family == unix.AF_BRIDGE {
		return fmt.Sprintf("fdb/%s/%d", neigh.HardwareAddr, neigh.Vlan)
	}
	return fmt.Sprintf("%d/%s", neigh.Family, neigh.IP)
}

// brVlans - bridge vlan membership of port ifi
func brVlans(ifi int) cmn.BrVlan {
	var br cmn.BrVlan

	vlansMap, err := nlp.BridgeVlanList()
	if err != nil {
		tk.LogIt(tk.LogError, "[NLP] bridge vlan list failed %v\n", err)
		return br
	}
	for _, vlan := range vlansMap[int32(ifi)] {
		vid := int(vlan.Vid)
		if vid <= 0 || vid >= cmn.BrVlanWords*32 {
			continue
		}
		utils.SetBit(br.Vlans[:], vid)
		if vlan.EngressUntag() {
			utils.SetBit(br.Untagged[:], vid)
		}
		if vlan.PortVID() {
			br.Pvid = vlan.Vid
		}
	}
	return br
}

// ModLink - sync a kernel link. A bridge family delete of a port means it
// left its bridge
func (nNl *NlH) ModLink(link nlp.Link, family uint8, add bool) int {
	var ret int
	var err error
	var mod string

	attrs := link.Attrs()
	name := attrs.Name
	idx := attrs.Index

	if add {
		mod = "ADD"
	} else {
		mod = "DELETE"
	}
	tk.LogIt(tk.LogDebug, "[NLP] %s Device %v mac(%v) family(%d) info recvd\n", mod, name, attrs.HardwareAddr, family)

	lm := cmn.LinkMod{
		Index:        idx,
		Name:         name,
		HardwareAddr: attrs.HardwareAddr,
		Mtu:          attrs.MTU,
		Up:           attrs.Flags&net.FlagUp != 0,
	}
	if _, ok := link.(*nlp.Bridge); ok {
		lm.IsBridge = true
	}

	if !add && family == unix.AF_BRIDGE {
		/* Left the bridge */
		add = true
	} else if attrs.MasterIndex > 0 {
		brLink, err := nlp.LinkByIndex(attrs.MasterIndex)
		if err != nil {
			tk.LogIt(tk.LogError, "[NLP] Device %v master %d: %v\n", name, attrs.MasterIndex, err)
			return -1
		}
		if _, ok := brLink.(*nlp.Bridge); ok {
			lm.MasterIndex = attrs.MasterIndex
			lm.Family = unix.AF_BRIDGE
			lm.Br = brVlans(idx)
		}
	}

	if add {
		ret, err = hooks.NetLinkAdd(&lm)
	} else {
		ret, err = hooks.NetLinkDel(&lm)
		nNl.dropLink(idx)
	}
	if err != nil {
		tk.LogIt(tk.LogError, "[NLP] Device %v(%d) %s failed %v\n", name, idx, mod, err)
	} else {
		tk.LogIt(tk.LogInfo, "[NLP] Device %v(%d) master %d %s [OK]\n", name, idx, lm.MasterIndex, mod)
	}
	return ret
}

func (nNl *NlH) AddAddr(addr nlp.Addr, link nlp.Link) int {
	name := link.Attrs().Name
	ifi := link.Attrs().Index

	adi, fresh, ok := nNl.acquire(ifi, addrKey(addr.IPNet), false)
	if !ok {
		return -1
	}
	family := unix.AF_INET6
	if addr.IP.To4() != nil {
		family = unix.AF_INET
	}
	ret, err := hooks.NetAddrAdd(&cmn.AddrMod{LinkIndex: ifi, AdIndex: adi, Family: family, IPNet: addr.IPNet})
	if err != nil {
		tk.LogIt(tk.LogError, "[NLP] Address %v Port %v failed %v\n", addr.IPNet, name, err)
		if fresh {
			nNl.release(ifi, addrKey(addr.IPNet), false)
		}
		return -1
	}
	tk.LogIt(tk.LogInfo, "[NLP] Address %v Port %v added\n", addr.IPNet, name)
	return ret
}

func (nNl *NlH) DelAddr(ipn *net.IPNet, ifi int) int {
	adi, ok := nNl.index(ifi, addrKey(ipn), false, false)
	if !ok {
		return 0
	}
	ret, err := hooks.NetAddrDel(&cmn.AddrMod{LinkIndex: ifi, AdIndex: adi, IPNet: ipn})
	nNl.release(ifi, addrKey(ipn), false)
	if err != nil {
		tk.LogIt(tk.LogError, "[NLP] Address %v Port %d delete failed %v\n", ipn, ifi, err)
		return -1
	}
	tk.LogIt(tk.LogInfo, "[NLP] Address %v Port %d deleted\n", ipn, ifi)
	return ret
}

// fdbIgnored - bridge fdb entries which are never mirrored
func fdbIgnored(neigh *nlp.Neigh) bool {
	if len(neigh.HardwareAddr) != 6 || neigh.Vlan <= 0 {
		return true
	}
	if utils.MacIsMulticast(neigh.HardwareAddr) || utils.MacIsZero(neigh.HardwareAddr) {
		/* Multicast MAC or ZERO address --- IGNORED */
		return true
	}
	if neigh.MasterIndex > 0 {
		brLink, err := nlp.LinkByIndex(neigh.MasterIndex)
		if err == nil && brLink.Attrs().HardwareAddr.String() == neigh.HardwareAddr.String() {
			/*Same as bridge mac --- IGNORED */
			return true
		}
	}
	return false
}

func (nNl *NlH) AddNeigh(neigh nlp.Neigh, link nlp.Link) int {
	name := link.Attrs().Name
	ifi := link.Attrs().Index

	switch neigh.Family {
	case unix.AF_INET, unix.AF_INET6:
	case unix.AF_BRIDGE:
		if fdbIgnored(&neigh) {
			return 0
		}
	default:
		return 0
	}

	key := neighKey(&neigh)
	nbi, fresh, ok := nNl.acquire(ifi, key, true)
	if !ok {
		return -1
	}
	ret, err := hooks.NetNeighAdd(&cmn.NeighMod{LinkIndex: ifi, NbIndex: nbi, Family: neigh.Family,
		IP: neigh.IP, HardwareAddr: neigh.HardwareAddr, State: neigh.State, Vlan: neigh.Vlan,
		MasterIndex: neigh.MasterIndex})
	if err != nil {
		tk.LogIt(tk.LogError, "[NLP] NH %s mac %v dev %v add failed %v\n", key, neigh.HardwareAddr, name, err)
		if fresh {
			nNl.release(ifi, key, true)
		}
		return -1
	}
	tk.LogIt(tk.LogInfo, "[NLP] NH %s mac %v dev %v state %d added\n", key, neigh.HardwareAddr, name, neigh.State)
	return ret
}

func (nNl *NlH) DelNeigh(neigh nlp.Neigh, ifi int) int {
	key := neighKey(&neigh)
	nbi, ok := nNl.index(ifi, key, true, false)
	if !ok {
		return 0
	}
	ret, err := hooks.NetNeighDel(&cmn.NeighMod{LinkIndex: ifi, NbIndex: nbi, Family: neigh.Family})
	nNl.release(ifi, key, true)
	if err != nil {
		tk.LogIt(tk.LogError, "[NLP] NH %s dev %d delete failed %v\n", key, ifi, err)
		return -1
	}
	tk.LogIt(tk.LogInfo, "[NLP] NH %s dev %d deleted\n", key, ifi)
	return ret
}

func routeMod(route nlp.Route) *cmn.RouteMod {
	dst := route.Dst
	if dst == nil {
		r := net.IPv4(0, 0, 0, 0)
		m := net.CIDRMask(0, 32)
		if route.Family == unix.AF_INET6 {
			r = net.IPv6zero
			m = net.CIDRMask(0, 128)
		}
		dst = &net.IPNet{IP: r.Mask(m), Mask: m}
	}
	return &cmn.RouteMod{Dst: dst, Gw: route.Gw, LinkIndex: route.LinkIndex,
		Table: route.Table, Protocol: int(route.Protocol)}
}

func AddRoute(route nlp.Route) int {
	rm := routeMod(route)
	ret, err := hooks.NetRouteAdd(rm)
	if err != nil {
		tk.LogIt(tk.LogError, "[NLP] RT  %s via %v add failed-%s\n", rm.Dst, rm.Gw, err)
	} else {
		tk.LogIt(tk.LogDebug, "[NLP] RT  %s via %v added\n", rm.Dst, rm.Gw)
	}
	return ret
}

func DelRoute(route nlp.Route) int {
	rm := routeMod(route)
	ret, err := hooks.NetRouteDel(rm)
	if err != nil {
		tk.LogIt(tk.LogError, "[NLP] RT  %s via %v delete failed-%s\n", rm.Dst, rm.Gw, err)
	} else {
		tk.LogIt(tk.LogDebug, "[NLP] RT  %s via %v deleted\n", rm.Dst, rm.Gw)
	}
	return ret
}

func (nNl *NlH) LUWorkSingle(m nlp.LinkUpdate) int {
	return nNl.ModLink(m.Link, m.Family, m.Header.Type == syscall.RTM_NEWLINK)
}

func (nNl *NlH) AUWorkSingle(m nlp.AddrUpdate) int {
	if !m.NewAddr {
		return nNl.DelAddr(&m.LinkAddress, m.LinkIndex)
	}
	link, err := nlp.LinkByIndex(m.LinkIndex)
	if err != nil {
		tk.LogIt(tk.LogError, "[NLP] Address %v link %d: %v\n", m.LinkAddress.String(), m.LinkIndex, err)
		return -1
	}
	ipn := m.LinkAddress
	return nNl.AddAddr(nlp.Addr{IPNet: &ipn}, link)
}

func (nNl *NlH) NUWorkSingle(m nlp.NeighUpdate) int {
	if m.Type != syscall.RTM_NEWNEIGH {
		return nNl.DelNeigh(m.Neigh, m.LinkIndex)
	}
	link, err := nlp.LinkByIndex(m.LinkIndex)
	if err != nil {
		tk.LogIt(tk.LogError, "[NLP] NH link %d: %v\n", m.LinkIndex, err)
		return -1
	}
	return nNl.AddNeigh(m.Neigh, link)
}

func RUWorkSingle(m nlp.RouteUpdate) int {
	if m.Type == syscall.RTM_NEWROUTE {
		return AddRoute(m.Route)
	}
	return DelRoute(m.Route)
}

func (nNl *NlH) LUWorker(ch chan nlp.LinkUpdate, f chan struct{}) {
	for n := 0; n < cmn.LuWorkqLen; n++ {
		select {
		case m := <-ch:
			nNl.LUWorkSingle(m)
		default:
			continue
		}
	}
}

func (nNl *NlH) AUWorker(ch chan nlp.AddrUpdate, f chan struct{}) {
	for n := 0; n < cmn.AuWorkqLen; n++ {
		select {
		case m := <-ch:
			nNl.AUWorkSingle(m)
		default:
			continue
		}
	}
}

func (nNl *NlH) NUWorker(ch chan nlp.NeighUpdate, f chan struct{}) {
	for n := 0; n < cmn.NuWorkqLen; n++ {
		select {
		case m := <-ch:
			nNl.NUWorkSingle(m)
		default:
			continue
		}
	}
}

func RUWorker(ch chan nlp.RouteUpdate, f chan struct{}) {
	for n := 0; n < cmn.RuWorkqLen; n++ {
		select {
		case m := <-ch:
			RUWorkSingle(m)
		default:
			continue
		}
	}
}

func NLWorker(nNl *NlH) {
	for { /* Single thread for reading all NL msgs in below order */
		nNl.LUWorker(nNl.FromLUCh, nNl.FromLUDone)
		nNl.AUWorker(nNl.FromAUCh, nNl.FromAUDone)
		nNl.NUWorker(nNl.FromNUCh, nNl.FromNUDone)
		RUWorker(nNl.FromRUCh, nNl.FromRUDone)
		time.Sleep(1000 * time.Millisecond)
	}
}

func (nNl *NlH) NlpGet(ch chan bool) int {
	var ret int
	tk.LogIt(tk.LogInfo, "[NLP] Getting device info\n")

	links, err := nlp.LinkList()
	if err != nil {
		tk.LogIt(tk.LogError, "[NLP] Error in getting device info(%v)\n", err)
		ch <- false
		return -1
	}

	/* Bridges first so that their ports resolve */
	for _, link := range links {
		if _, ok := link.(*nlp.Bridge); ok {
			nNl.ModLink(link, unix.AF_UNSPEC, true)
		}
	}

	for _, link := range links {
		if _, ok := link.(*nlp.Bridge); !ok {
			if ret = nNl.ModLink(link, unix.AF_UNSPEC, true); ret == -1 {
				continue
			}
		}

		addrs, err := nlp.AddrList(link, nlp.FAMILY_ALL)
		if err != nil {
			tk.LogIt(tk.LogError, "[NLP] Error getting address list %v for intf %s\n",
				err, link.Attrs().Name)
		}
		for _, addr := range addrs {
			nNl.AddAddr(addr, link)
		}

		neighs, err := nlp.NeighList(link.Attrs().Index, nlp.FAMILY_ALL)
		if err != nil {
			tk.LogIt(tk.LogError, "[NLP] Error getting neighbors list %v for intf %s\n",
				err, link.Attrs().Name)
		}
		if link.Attrs().MasterIndex > 0 {
			/* Get FDBs */
			fdbs, err := nlp.NeighList(link.Attrs().Index, unix.AF_BRIDGE)
			if err != nil {
				tk.LogIt(tk.LogError, "[NLP] Error getting fdb list %v for intf %s\n",
					err, link.Attrs().Name)
			}
			neighs = append(neighs, fdbs...)
		}
		for _, neigh := range neighs {
			nNl.AddNeigh(neigh, link)
		}

		routes, err := nlp.RouteList(link, nlp.FAMILY_ALL)
		if err != nil {
			tk.LogIt(tk.LogError, "[NLP] Error getting route list %v\n", err)
		}
		for _, route := range routes {
			AddRoute(route)
		}
	}
	tk.LogIt(tk.LogInfo, "[NLP] nlp get done\n")
	ch <- true
	return ret
}

var nNl *NlH

func NlpInit() *NlH {

	nNl = new(NlH)

	nNl.FromAUCh = make(chan nlp.AddrUpdate, cmn.AuWorkqLen)
	nNl.FromLUCh = make(chan nlp.LinkUpdate, cmn.LuWorkqLen)
	nNl.FromNUCh = make(chan nlp.NeighUpdate, cmn.NuWorkqLen)
	nNl.FromRUCh = make(chan nlp.RouteUpdate, cmn.RuWorkqLen)
	nNl.FromAUDone = make(chan struct{})
	nNl.FromLUDone = make(chan struct{})
	nNl.FromNUDone = make(chan struct{})
	nNl.FromRUDone = make(chan struct{})
	nNl.IMap = make(map[int]*linkIdx)

	checkInit := make(chan bool)
	go nNl.NlpGet(checkInit)
	<-checkInit

	err := nlp.LinkSubscribe(nNl.FromLUCh, nNl.FromLUDone)
	if err != nil {
		tk.LogIt(tk.LogError, "%v", err)
	} else {
		tk.LogIt(tk.LogInfo, "[NLP] Link msgs subscribed\n")
	}
	err = nlp.AddrSubscribe(nNl.FromAUCh, nNl.FromAUDone)
	if err != nil {
		tk.LogIt(tk.LogError, "%v", err)
	} else {
		tk.LogIt(tk.LogInfo, "[NLP] Addr msgs subscribed\n")
	}
	err = nlp.NeighSubscribe(nNl.FromNUCh, nNl.FromNUDone)
	if err != nil {
		tk.LogIt(tk.LogError, "%v", err)
	} else {
		tk.LogIt(tk.LogInfo, "[NLP] Neigh msgs subscribed\n")
	}
	err = nlp.RouteSubscribe(nNl.FromRUCh, nNl.FromRUDone)
	if err != nil {
		tk.LogIt(tk.LogError, "%v", err)
	} else {
		tk.LogIt(tk.LogInfo, "[NLP] Route msgs subscribed\n")
	}

	go NLWorker(nNl)
	tk.LogIt(tk.LogInfo, "[NLP] NLP Subscription done\n")
	return nNl
}
