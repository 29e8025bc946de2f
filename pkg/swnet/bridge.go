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
	"sync/atomic"

	tk "github.com/loxilb-io/loxilib"
	"golang.org/x/sys/unix"

	prometheus "github.com/loxilb-io/loxisw/api/prometheus"
	cmn "github.com/loxilb-io/loxisw/common"
	utils "github.com/loxilb-io/loxisw/pkg/utils"
)

// error codes
const (
	BrErrBase = iota - 5000
	BrNoBridgeErr
	BrNotSlaveErr
	BrUnsupportedErr
)

// max vlan id
const (
	BrMaxVid = 4095
)

// BridgeDriver - hardware programming of a vlan aware bridge
type BridgeDriver interface {
	Dpid() uint64
	EnablePortVidIngress(port uint32, vid uint16) error
	DisablePortVidIngress(port uint32, vid uint16) error
	EnablePortPvidIngress(port uint32, vid uint16) error
	DisablePortPvidIngress(port uint32, vid uint16) error
	EnablePortVidEgress(port uint32, vid uint16, untagged bool) (uint32, error)
	DisablePortVidEgress(port uint32, vid uint16, untagged bool) (uint32, error)
	EnablePortVidAllowAll(port uint32) error
	DisablePortVidAllowAll(port uint32) error
	EnablePortUnfilteredEgress(port uint32) (uint32, error)
	DisablePortUnfilteredEgress(port uint32) (uint32, error)
	AddBridgingUnicastVlan(port uint32, vid uint16, mac net.HardwareAddr, filtered, permanent bool) error
	RemoveBridgingUnicastVlan(port uint32, vid uint16, mac net.HardwareAddr) error
	RemoveBridgingUnicastVlanAll(port uint32, vid uint16) error
	RemoveBridgingUnicastPortAll(port uint32) error
	EnablePolicyArp() error
	EnablePolicyDhcp() error
	EnablePolicyVrrp() error
	SendBarrier() error
}

// PortResolver - maps a kernel device name to its switch port
type PortResolver interface {
	PortByName(name string) (uint32, bool)
}

type brFdbKey struct {
	ifi int
	nbi int
}

type brFdbEnt struct {
	port uint32
	vid  uint16
	mac  net.HardwareAddr
}

type brVidKey struct {
	ifi int
	vid uint16
}

// brVidEnt - what is programmed for one vlan of one port
type brVidEnt struct {
	ingress  bool
	pvid     bool
	egress   bool
	untagged bool
	gid      uint32
}

// BridgeH - reconciles kernel bridge vlan membership with the hardware
type BridgeH struct {
	mtx             sync.Mutex
	rl              *RtLinksH
	ports           PortResolver
	drv             BridgeDriver
	name            string
	br              RtLink
	hasBr           bool
	defRules        bool
	IngressFiltered bool
	EgressFiltered  bool
	l2Domain        map[uint16][]uint32
	slaves          map[int]RtLink
	fdb             map[brFdbKey]brFdbEnt
	vlans           map[brVidKey]brVidEnt
	bound           atomic.Bool
	dpid            atomic.Uint64
}

// BridgeInit - initialize the reconciler of the bridge called name
func BridgeInit(rl *RtLinksH, ports PortResolver, name string, ingressFiltered, egressFiltered bool) *BridgeH {
	nBr := new(BridgeH)
	nBr.rl = rl
	nBr.ports = ports
	nBr.name = name
	nBr.IngressFiltered = ingressFiltered
	nBr.EgressFiltered = egressFiltered
	nBr.l2Domain = make(map[uint16][]uint32)
	nBr.slaves = make(map[int]RtLink)
	nBr.fdb = make(map[brFdbKey]brFdbEnt)
	nBr.vlans = make(map[brVidKey]brVidEnt)
	return nBr
}

// SetDriver - bind the reconciler to a datapath. Known bridge ports are
// programmed again. A nil driver unbinds
func (b *BridgeH) SetDriver(drv BridgeDriver) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.drv = drv
	b.defRules = false
	b.l2Domain = make(map[uint16][]uint32)
	b.vlans = make(map[brVidKey]brVidEnt)
	if drv == nil {
		b.bound.Store(false)
		b.dpid.Store(0)
		tk.LogIt(tk.LogInfo, "bridge %s: driver detached\n", b.name)
		return
	}
	b.dpid.Store(drv.Dpid())
	b.bound.Store(true)
	tk.LogIt(tk.LogInfo, "bridge %s: driver attached to %016x\n", b.name, drv.Dpid())
	if !b.hasBr {
		return
	}
	b.applyDefaultRulesLocked()
	for _, ifi := range sortedKeys(b.slaves) {
		b.addInterfaceLocked(b.slaves[ifi])
	}
}

// Dpid - datapath of the bound driver. Does not wait for a reconcile in
// progress
func (b *BridgeH) Dpid() (uint64, bool) {
	if !b.bound.Load() {
		return 0, false
	}
	return b.dpid.Load(), true
}

// SetBridgeInterface - set the master bridge link
func (b *BridgeH) SetBridgeInterface(link RtLink) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.setBridgeLocked(link)
}

func (b *BridgeH) setBridgeLocked(link RtLink) error {
	if !link.IsBridge {
		return fmt.Errorf("bridge %s(%d): %w", link.Name, link.Index, ErrInvalidArg)
	}
	if b.hasBr && b.br.Index != link.Index {
		return fmt.Errorf("bridge %s(%d): %w", b.br.Name, b.br.Index, ErrExists)
	}
	b.br = link
	b.hasBr = true
	tk.LogIt(tk.LogInfo, "bridge %s(%d): set\n", link.Name, link.Index)
	return nil
}

// HasBridgeInterface - a master bridge is set
func (b *BridgeH) HasBridgeInterface() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.hasBr
}

// ApplyDefaultRules - punt arp, dhcp and vrrp to the controller. Done once
// per bridge
func (b *BridgeH) ApplyDefaultRules() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.applyDefaultRulesLocked()
}

func (b *BridgeH) applyDefaultRulesLocked() error {
	if !b.hasBr {
		tk.LogIt(tk.LogError, "bridge %s: default rules without a bridge\n", b.name)
		return fmt.Errorf("bridge %s: %w", b.name, ErrNotFound)
	}
	if b.defRules {
		return nil
	}
	if b.drv == nil {
		return ErrNoDatapath
	}
	var errs []error
	errs = append(errs, b.drv.EnablePolicyArp())
	errs = append(errs, b.drv.EnablePolicyDhcp())
	errs = append(errs, b.drv.EnablePolicyVrrp())
	if err := errors.Join(errs...); err != nil {
		tk.LogIt(tk.LogError, "bridge %s: default rules %v\n", b.name, err)
		return err
	}
	b.defRules = true
	return nil
}

// isSlaveLocked - link is a vlan aware port of this bridge
func (b *BridgeH) isSlaveLocked(link RtLink) bool {
	return b.hasBr && link.MasterIndex == b.br.Index && link.Family == unix.AF_BRIDGE
}

func (b *BridgeH) portLocked(link RtLink) (uint32, bool) {
	if b.ports == nil {
		return 0, false
	}
	return b.ports.PortByName(link.Name)
}

// AddInterface - program a bridge port and its vlan membership
func (b *BridgeH) AddInterface(link RtLink) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.addInterfaceLocked(link)
}

func (b *BridgeH) addInterfaceLocked(link RtLink) {
	if !b.isSlaveLocked(link) {
		tk.LogIt(tk.LogError, "bridge %s: %s(%d) master %d family %d is not a port\n",
			b.name, link.Name, link.Index, link.MasterIndex, link.Family)
		return
	}
	b.slaves[link.Index] = link
	if b.drv == nil {
		return
	}
	port, ok := b.portLocked(link)
	if !ok {
		tk.LogIt(tk.LogError, "bridge %s: %s has no switch port\n", b.name, link.Name)
		return
	}

	if !b.IngressFiltered {
		if err := b.drv.EnablePortVidAllowAll(port); err != nil {
			tk.LogIt(tk.LogError, "bridge %s: %s allow-all %v\n", b.name, link.Name, err)
		}
	}
	if !b.EgressFiltered {
		gid, err := b.drv.EnablePortUnfilteredEgress(port)
		if err != nil {
			tk.LogIt(tk.LogError, "bridge %s: %s unfiltered egress %v\n", b.name, link.Name, err)
		} else {
			b.l2DomainAdd(0, gid)
		}
	}
	if !b.IngressFiltered && !b.EgressFiltered {
		return
	}

	br := &link.Br
	for v, ok := utils.NextSetBit(br.Vlans[:], -1); ok; v, ok = utils.NextSetBit(br.Vlans[:], v) {
		if v == 0 || v > BrMaxVid {
			continue
		}
		vid := uint16(v)
		b.addVlanLocked(link, port, vid, utils.IsBitSet(br.Untagged[:], v), br.Pvid == vid)
	}
	tk.LogIt(tk.LogInfo, "bridge %s: %s(%d) port %d added\n", b.name, link.Name, link.Index, port)
}

// addVlanLocked - egress first when filtered, a vlan whose egress group
// can not be set up gets no ingress flow either
func (b *BridgeH) addVlanLocked(link RtLink, port uint32, vid uint16, untagged, pvid bool) {
	key := brVidKey{link.Index, vid}
	ent := b.vlans[key]

	if b.EgressFiltered && !ent.egress {
		gid, err := b.drv.EnablePortVidEgress(port, vid, untagged)
		if err != nil {
			tk.LogIt(tk.LogError, "bridge %s: %s vid %d skipped %v\n", b.name, link.Name, vid, err)
			return
		}
		ent.egress, ent.untagged, ent.gid = true, untagged, gid
		b.l2DomainAdd(vid, gid)
	}

	if b.IngressFiltered && !ent.ingress {
		var err error
		if pvid {
			err = b.drv.EnablePortPvidIngress(port, vid)
		} else {
			err = b.drv.EnablePortVidIngress(port, vid)
		}
		if err != nil {
			tk.LogIt(tk.LogError, "bridge %s: %s vid %d ingress %v\n", b.name, link.Name, vid, err)
		} else {
			ent.ingress, ent.pvid = true, pvid
		}
	}
	b.setVidLocked(key, ent)
}

// removeVlanLocked - withdraws what addVlanLocked programmed. Ingress goes
// first, then unicast purge and a barrier so no bridging flow can point to
// the egress group once it goes
func (b *BridgeH) removeVlanLocked(link RtLink, port uint32, vid uint16) {
	key := brVidKey{link.Index, vid}
	ent, ok := b.vlans[key]
	if !ok {
		return
	}
	defer func() { b.setVidLocked(key, ent) }()

	if ent.ingress {
		var err error
		if ent.pvid {
			err = b.drv.DisablePortPvidIngress(port, vid)
		} else {
			err = b.drv.DisablePortVidIngress(port, vid)
		}
		if err != nil {
			tk.LogIt(tk.LogError, "bridge %s: %s vid %d ingress withdraw %v\n", b.name, link.Name, vid, err)
		}
		ent.ingress, ent.pvid = false, false
	}

	if !ent.egress {
		return
	}
	if err := b.drv.RemoveBridgingUnicastVlanAll(port, vid); err != nil {
		tk.LogIt(tk.LogError, "bridge %s: %s vid %d unicast purge %v\n", b.name, link.Name, vid, err)
	}
	if err := b.drv.SendBarrier(); err != nil {
		tk.LogIt(tk.LogError, "bridge %s: %s vid %d barrier %v, egress kept\n", b.name, link.Name, vid, err)
		return
	}
	if _, err := b.drv.DisablePortVidEgress(port, vid, ent.untagged); err != nil {
		tk.LogIt(tk.LogError, "bridge %s: %s vid %d egress withdraw %v\n", b.name, link.Name, vid, err)
		return
	}
	b.l2DomainDel(vid, ent.gid)
	ent.egress, ent.untagged, ent.gid = false, false, 0
}

func (b *BridgeH) setVidLocked(key brVidKey, ent brVidEnt) {
	if !ent.ingress && !ent.egress {
		delete(b.vlans, key)
		return
	}
	b.vlans[key] = ent
}

// programmedVids - vlans of port ifi with something programmed, ascending
func (b *BridgeH) programmedVids(ifi int) []uint16 {
	var vids []uint16
	for k := range b.vlans {
		if k.ifi == ifi {
			vids = append(vids, k.vid)
		}
	}
	sort.Slice(vids, func(i, j int) bool { return vids[i] < vids[j] })
	return vids
}

func (b *BridgeH) l2DomainAdd(vid uint16, gid uint32) {
	for _, g := range b.l2Domain[vid] {
		if g == gid {
			return
		}
	}
	b.l2Domain[vid] = append(b.l2Domain[vid], gid)
}

func (b *BridgeH) l2DomainDel(vid uint16, gid uint32) {
	gids := b.l2Domain[vid]
	for i, g := range gids {
		if g == gid {
			gids = append(gids[:i], gids[i+1:]...)
			break
		}
	}
	if len(gids) == 0 {
		delete(b.l2Domain, vid)
		return
	}
	b.l2Domain[vid] = gids
}

// UpdateVlans - apply the membership difference between from and to
func (b *BridgeH) UpdateVlans(link RtLink, from, to *cmn.BrVlan) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.updateVlansLocked(link, from, to)
}

func (b *BridgeH) updateVlansLocked(link RtLink, from, to *cmn.BrVlan) {
	if b.drv == nil || (!b.IngressFiltered && !b.EgressFiltered) {
		return
	}
	port, ok := b.portLocked(link)
	if !ok {
		tk.LogIt(tk.LogError, "bridge %s: %s has no switch port\n", b.name, link.Name)
		return
	}

	var gone, added, untagDiff [cmn.BrVlanWords]uint32
	for i := range gone {
		gone[i] = from.Vlans[i] &^ to.Vlans[i]
		added[i] = to.Vlans[i] &^ from.Vlans[i]
		untagDiff[i] = (from.Untagged[i] ^ to.Untagged[i]) & from.Vlans[i] & to.Vlans[i]
	}

	utils.ForEachSetBit(gone[:], func(v int) {
		if v > 0 && v <= BrMaxVid {
			b.removeVlanLocked(link, port, uint16(v))
		}
	})
	utils.ForEachSetBit(added[:], func(v int) {
		if v > 0 && v <= BrMaxVid {
			vid := uint16(v)
			b.addVlanLocked(link, port, vid, utils.IsBitSet(to.Untagged[:], v), to.Pvid == vid)
		}
	})

	// kept vlans keep the egress group and ingress flow they were
	// programmed with until they leave the port
	utils.ForEachSetBit(untagDiff[:], func(v int) {
		tk.LogIt(tk.LogWarning, "bridge %s: %s vid %d untagged change %v\n",
			b.name, link.Name, v, ErrUnsupported)
		prometheus.UnsupportedVlanUpdate()
	})
	if from.Pvid != to.Pvid && from.Pvid != 0 && to.Pvid != 0 &&
		utils.IsBitSet(from.Vlans[:], int(to.Pvid)) && utils.IsBitSet(to.Vlans[:], int(to.Pvid)) {
		tk.LogIt(tk.LogWarning, "bridge %s: %s pvid %d->%d %v\n",
			b.name, link.Name, from.Pvid, to.Pvid, ErrUnsupported)
		prometheus.UnsupportedVlanUpdate()
	}
}

// UpdateInterface - reconcile a changed bridge port
func (b *BridgeH) UpdateInterface(from, to RtLink) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.updateInterfaceLocked(from, to)
}

func (b *BridgeH) updateInterfaceLocked(from, to RtLink) error {
	if from.Name != to.Name {
		tk.LogIt(tk.LogError, "bridge %s: rename %s -> %s %v\n", b.name, from.Name, to.Name, ErrUnsupported)
		return fmt.Errorf("rename %s: %w", from.Name, ErrUnsupported)
	}
	if !b.isSlaveLocked(to) {
		tk.LogIt(tk.LogError, "bridge %s: %s(%d) master %d family %d is not a port\n",
			b.name, to.Name, to.Index, to.MasterIndex, to.Family)
		return fmt.Errorf("%s: %w", to.Name, ErrInvalidArg)
	}
	b.slaves[to.Index] = to
	if !b.IngressFiltered && !b.EgressFiltered {
		return nil
	}
	if from.Br != to.Br {
		b.updateVlansLocked(to, &from.Br, &to.Br)
	}
	return nil
}

// DeleteInterface - withdraw everything programmed for a bridge port
func (b *BridgeH) DeleteInterface(link RtLink) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.deleteInterfaceLocked(link)
}

func (b *BridgeH) deleteInterfaceLocked(link RtLink) {
	delete(b.slaves, link.Index)
	for k := range b.fdb {
		if k.ifi == link.Index {
			delete(b.fdb, k)
		}
	}
	if b.drv == nil {
		return
	}
	port, ok := b.portLocked(link)
	if !ok {
		tk.LogIt(tk.LogError, "bridge %s: %s has no switch port\n", b.name, link.Name)
		return
	}

	if !b.IngressFiltered {
		if err := b.drv.DisablePortVidAllowAll(port); err != nil {
			tk.LogIt(tk.LogError, "bridge %s: %s allow-all withdraw %v\n", b.name, link.Name, err)
		}
	}
	if !b.EgressFiltered {
		if err := b.drv.RemoveBridgingUnicastPortAll(port); err != nil {
			tk.LogIt(tk.LogError, "bridge %s: %s unicast purge %v\n", b.name, link.Name, err)
		}
		if err := b.drv.SendBarrier(); err != nil {
			tk.LogIt(tk.LogError, "bridge %s: %s barrier %v, unfiltered egress kept\n", b.name, link.Name, err)
		} else if gid, err := b.drv.DisablePortUnfilteredEgress(port); err != nil {
			tk.LogIt(tk.LogError, "bridge %s: %s unfiltered egress withdraw %v\n", b.name, link.Name, err)
		} else {
			b.l2DomainDel(0, gid)
		}
	}
	for _, vid := range b.programmedVids(link.Index) {
		b.removeVlanLocked(link, port, vid)
	}
	tk.LogIt(tk.LogInfo, "bridge %s: %s(%d) port %d deleted\n", b.name, link.Name, link.Index, port)
}

// AddMacToFdb - program a static bridging entry
func (b *BridgeH) AddMacToFdb(port uint32, vid uint16, mac net.HardwareAddr, permanent bool) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.drv == nil {
		return ErrNoDatapath
	}
	return b.drv.AddBridgingUnicastVlan(port, vid, mac, b.EgressFiltered, permanent)
}

// RemoveMacFromFdb - withdraw a static bridging entry
func (b *BridgeH) RemoveMacFromFdb(port uint32, vid uint16, mac net.HardwareAddr) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.drv == nil {
		return ErrNoDatapath
	}
	return b.drv.RemoveBridgingUnicastVlan(port, vid, mac)
}

// L2Domain - group ids backing the flood domain of vid
func (b *BridgeH) L2Domain(vid uint16) []uint32 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	gids := append([]uint32(nil), b.l2Domain[vid]...)
	sort.Slice(gids, func(i, j int) bool { return gids[i] < gids[j] })
	return gids
}

// LinkCreated - new bridge or bridge port
func (b *BridgeH) LinkCreated(ifi int) {
	link, ok := b.rl.GetLink(ifi)
	if !ok {
		return
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if link.IsBridge && link.Name == b.name {
		if err := b.setBridgeLocked(link); err != nil {
			tk.LogIt(tk.LogError, "bridge %s: %v\n", b.name, err)
			return
		}
		if b.drv != nil {
			b.applyDefaultRulesLocked()
		}
		return
	}
	if b.isSlaveLocked(link) {
		b.addInterfaceLocked(link)
	}
}

// LinkUpdated - a port joined, changed or left the bridge
func (b *BridgeH) LinkUpdated(ifi int) {
	link, ok := b.rl.GetLink(ifi)
	if !ok {
		return
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if link.IsBridge && link.Name == b.name {
		if !b.hasBr {
			b.setBridgeLocked(link)
			if b.drv != nil {
				b.applyDefaultRulesLocked()
			}
		}
		return
	}
	old, cached := b.slaves[ifi]
	slave := b.isSlaveLocked(link)
	switch {
	case cached && slave:
		b.updateInterfaceLocked(old, link)
	case cached && !slave:
		b.deleteInterfaceLocked(old)
	case !cached && slave:
		b.addInterfaceLocked(link)
	}
}

// LinkDeleted - a port or the bridge itself is gone
func (b *BridgeH) LinkDeleted(ifi int) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if old, ok := b.slaves[ifi]; ok {
		b.deleteInterfaceLocked(old)
		return
	}
	if b.hasBr && b.br.Index == ifi {
		tk.LogIt(tk.LogInfo, "bridge %s(%d): removed\n", b.br.Name, ifi)
		b.hasBr = false
		b.defRules = false
		b.br = RtLink{}
		b.l2Domain = make(map[uint16][]uint32)
		b.slaves = make(map[int]RtLink)
		b.fdb = make(map[brFdbKey]brFdbEnt)
		b.vlans = make(map[brVidKey]brVidEnt)
	}
}

// AddrCreated - not of interest
func (b *BridgeH) AddrCreated(ifi, adi int) {}

// AddrUpdated - not of interest
func (b *BridgeH) AddrUpdated(ifi, adi int) {}

// AddrDeleted - not of interest
func (b *BridgeH) AddrDeleted(ifi, adi int) {}

// NeighCreated - a bridge fdb entry on a port
func (b *BridgeH) NeighCreated(ifi, nbi int) {
	b.fdbAdd(ifi, nbi)
}

// NeighUpdated - a bridge fdb entry on a port changed
func (b *BridgeH) NeighUpdated(ifi, nbi int) {
	b.fdbAdd(ifi, nbi)
}

// NeighDeleted - a bridge fdb entry on a port is gone
func (b *BridgeH) NeighDeleted(ifi, nbi int) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	key := brFdbKey{ifi, nbi}
	f, ok := b.fdb[key]
	if !ok {
		return
	}
	delete(b.fdb, key)
	if b.drv == nil {
		return
	}
	if err := b.drv.RemoveBridgingUnicastVlan(f.port, f.vid, f.mac); err != nil {
		tk.LogIt(tk.LogError, "bridge %s: fdb %s vid %d withdraw %v\n", b.name, f.mac, f.vid, err)
	}
}

func (b *BridgeH) fdbAdd(ifi, nbi int) {
	nb, ok := b.rl.GetNeigh(ifi, nbi)
	if !ok || nb.Family != unix.AF_BRIDGE || nb.Vlan <= 0 || nb.Vlan > BrMaxVid || len(nb.HardwareAddr) != 6 {
		return
	}
	if utils.MacIsMulticast(nb.HardwareAddr) {
		return
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()
	link, ok := b.slaves[ifi]
	if !ok {
		return
	}
	port, ok := b.portLocked(link)
	if !ok {
		return
	}
	f := brFdbEnt{port: port, vid: uint16(nb.Vlan), mac: append(net.HardwareAddr(nil), nb.HardwareAddr...)}
	key := brFdbKey{ifi, nbi}
	old, exists := b.fdb[key]
	if exists && old.vid == f.vid && old.mac.String() == f.mac.String() {
		return
	}
	b.fdb[key] = f
	if b.drv == nil {
		return
	}
	if exists {
		b.drv.RemoveBridgingUnicastVlan(old.port, old.vid, old.mac)
	}
	permanent := nb.State&unix.NUD_PERMANENT != 0 || nb.State&unix.NUD_NOARP != 0
	if err := b.drv.AddBridgingUnicastVlan(port, f.vid, f.mac, b.EgressFiltered, permanent); err != nil {
		tk.LogIt(tk.LogError, "bridge %s: fdb %s vid %d %v\n", b.name, f.mac, f.vid, err)
	}
}
