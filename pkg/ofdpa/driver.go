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

package ofdpa

import (
	"errors"
	"fmt"
	"net"

	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/libOpenflow/util"
	tk "github.com/loxilb-io/loxilib"
)

// ErrNoResource - the request does not fit the group id space
var ErrNoResource = errors.New("resource exhausted")

// group id layout
const (
	GidTypeShift       = 28
	GidTypeL2Interface = 0
	GidTypeUnfiltered  = 11
	GidMaxPort         = 0xffff
	GidMaxVid          = 0xfff
)

// cookie layout. type in the top byte, vid in bits 32..47, port below
const (
	CookieTypeShift = 56
	CookieBridging  = 0x50
	CookieVlan      = 0x10
	CookiePolicy    = 0x60
	cookieTypeMask  = uint64(0xff) << CookieTypeShift
	cookieVidMask   = uint64(0xffff) << 32
	cookiePortMask  = uint64(0xffffffff)
)

// policy flow ids
const (
	policyArp = iota + 1
	policyDhcpSrv
	policyDhcpClnt
	policyVrrp
)

// dhcp ports
const (
	DhcpServerPort = 67
	DhcpClientPort = 68
)

// Sender - the datapath channel the driver programs through
type Sender interface {
	DpSend(dpid uint64, msg util.Message) error
	DpBarrier(dpid uint64) error
}

// Tables - OF-DPA pipeline stages used by the driver
type Tables struct {
	Vlan     uint8
	TermMac  uint8
	Bridging uint8
	Acl      uint8
}

// DefaultTables - standard OF-DPA table ids
var DefaultTables = Tables{Vlan: 10, TermMac: 20, Bridging: 50, Acl: 60}

// Driver - programs the OF-DPA bridging pipeline of one datapath
type Driver struct {
	dp   Sender
	dpid uint64
	tbl  Tables
}

// NewDriver - a driver bound to datapath dpid
func NewDriver(dp Sender, dpid uint64, tbl Tables) *Driver {
	return &Driver{dp: dp, dpid: dpid, tbl: tbl}
}

// Dpid - datapath of the driver
func (d *Driver) Dpid() uint64 {
	return d.dpid
}

// L2InterfaceGroupID - filtered egress group of port on vid
func L2InterfaceGroupID(port uint32, vid uint16) (uint32, error) {
	if port > GidMaxPort || vid > GidMaxVid {
		return 0, fmt.Errorf("port %d vid %d: %w", port, vid, ErrNoResource)
	}
	return GidTypeL2Interface<<GidTypeShift | uint32(vid)<<16 | port, nil
}

// UnfilteredGroupID - unfiltered egress group of port
func UnfilteredGroupID(port uint32) (uint32, error) {
	if port > GidMaxPort {
		return 0, fmt.Errorf("port %d: %w", port, ErrNoResource)
	}
	return GidTypeUnfiltered<<GidTypeShift | port, nil
}

// BridgingCookie - cookie of unicast bridging flows of port on vid
func BridgingCookie(port uint32, vid uint16) uint64 {
	return uint64(CookieBridging)<<CookieTypeShift | uint64(vid)<<32 | uint64(port)
}

func vlanCookie(port uint32, vid uint16) uint64 {
	return uint64(CookieVlan)<<CookieTypeShift | uint64(vid)<<32 | uint64(port)
}

func policyCookie(id uint64) uint64 {
	return uint64(CookiePolicy)<<CookieTypeShift | id
}

func (d *Driver) send(msg util.Message) error {
	if err := d.dp.DpSend(d.dpid, msg); err != nil {
		tk.LogIt(tk.LogError, "ofdpa %016x: send failed %v\n", d.dpid, err)
		return err
	}
	return nil
}

func (d *Driver) vlanFlow(cmd uint8, port uint32, vid uint16) error {
	if vid > GidMaxVid {
		return fmt.Errorf("vid %d: %w", vid, ErrNoResource)
	}
	fm := NewFlow(cmd, d.tbl.Vlan, PrioVlan, vlanCookie(port, vid))
	fm.Match.AddField(*openflow13.NewInPortField(port))
	fm.Match.AddField(*openflow13.NewVlanIdField(vid, nil))
	withGoto(fm, d.tbl.TermMac)
	return d.send(fm)
}

// EnablePortVidIngress - admit frames tagged vid on port
func (d *Driver) EnablePortVidIngress(port uint32, vid uint16) error {
	tk.LogIt(tk.LogDebug, "ofdpa %016x: ingress port %d vid %d\n", d.dpid, port, vid)
	return d.vlanFlow(openflow13.FC_ADD, port, vid)
}

// DisablePortVidIngress - stop admitting frames tagged vid on port
func (d *Driver) DisablePortVidIngress(port uint32, vid uint16) error {
	tk.LogIt(tk.LogDebug, "ofdpa %016x: ingress port %d vid %d withdrawn\n", d.dpid, port, vid)
	return d.vlanFlow(openflow13.FC_DELETE_STRICT, port, vid)
}

func (d *Driver) pvidFlow(cmd uint8, port uint32, vid uint16) error {
	if vid > GidMaxVid {
		return fmt.Errorf("vid %d: %w", vid, ErrNoResource)
	}
	fm := NewFlow(cmd, d.tbl.Vlan, PrioVlan, vlanCookie(port, 0))
	fm.Match.AddField(*openflow13.NewInPortField(port))
	fm.Match.AddField(*vlanNoneField())
	withActions(fm,
		openflow13.NewActionPushVlan(EthTypeDot1Q),
		openflow13.NewActionSetField(*openflow13.NewVlanIdField(vid, nil)))
	withGoto(fm, d.tbl.TermMac)
	return d.send(fm)
}

// EnablePortPvidIngress - classify untagged frames of port into vid
func (d *Driver) EnablePortPvidIngress(port uint32, vid uint16) error {
	tk.LogIt(tk.LogDebug, "ofdpa %016x: pvid port %d vid %d\n", d.dpid, port, vid)
	return d.pvidFlow(openflow13.FC_ADD, port, vid)
}

// DisablePortPvidIngress - stop classifying untagged frames of port
func (d *Driver) DisablePortPvidIngress(port uint32, vid uint16) error {
	tk.LogIt(tk.LogDebug, "ofdpa %016x: pvid port %d vid %d withdrawn\n", d.dpid, port, vid)
	return d.pvidFlow(openflow13.FC_DELETE_STRICT, port, vid)
}

func l2Group(cmd uint16, gid uint32, port uint32, popVlan bool) *openflow13.GroupMod {
	gm := openflow13.NewGroupMod()
	gm.Command = cmd
	gm.Type = openflow13.OFPGT_INDIRECT
	gm.GroupId = gid
	if cmd == openflow13.OFPGC_DELETE {
		return gm
	}
	bkt := openflow13.NewBucket()
	if popVlan {
		bkt.AddAction(openflow13.NewActionPopVlan())
	}
	bkt.AddAction(openflow13.NewActionOutput(port))
	gm.AddBucket(*bkt)
	return gm
}

// EnablePortVidEgress - create the egress group of port on vid
func (d *Driver) EnablePortVidEgress(port uint32, vid uint16, untagged bool) (uint32, error) {
	gid, err := L2InterfaceGroupID(port, vid)
	if err != nil {
		return 0, err
	}
	tk.LogIt(tk.LogDebug, "ofdpa %016x: egress port %d vid %d untagged %v group 0x%x\n",
		d.dpid, port, vid, untagged, gid)
	return gid, d.send(l2Group(openflow13.OFPGC_ADD, gid, port, untagged))
}

// DisablePortVidEgress - delete the egress group of port on vid
func (d *Driver) DisablePortVidEgress(port uint32, vid uint16, untagged bool) (uint32, error) {
	gid, err := L2InterfaceGroupID(port, vid)
	if err != nil {
		return 0, err
	}
	tk.LogIt(tk.LogDebug, "ofdpa %016x: egress port %d vid %d group 0x%x withdrawn\n",
		d.dpid, port, vid, gid)
	return gid, d.send(l2Group(openflow13.OFPGC_DELETE, gid, port, untagged))
}

func (d *Driver) allowAllFlow(cmd uint8, port uint32) error {
	fm := NewFlow(cmd, d.tbl.Vlan, PrioVlan-1, vlanCookie(port, GidMaxVid+1))
	fm.Match.AddField(*openflow13.NewInPortField(port))
	withGoto(fm, d.tbl.TermMac)
	return d.send(fm)
}

// EnablePortVidAllowAll - admit every frame of port regardless of tag
func (d *Driver) EnablePortVidAllowAll(port uint32) error {
	return d.allowAllFlow(openflow13.FC_ADD, port)
}

// DisablePortVidAllowAll - reverse of EnablePortVidAllowAll
func (d *Driver) DisablePortVidAllowAll(port uint32) error {
	return d.allowAllFlow(openflow13.FC_DELETE_STRICT, port)
}

// EnablePortUnfilteredEgress - create the unfiltered egress group of port
func (d *Driver) EnablePortUnfilteredEgress(port uint32) (uint32, error) {
	gid, err := UnfilteredGroupID(port)
	if err != nil {
		return 0, err
	}
	return gid, d.send(l2Group(openflow13.OFPGC_ADD, gid, port, false))
}

// DisablePortUnfilteredEgress - delete the unfiltered egress group of port
func (d *Driver) DisablePortUnfilteredEgress(port uint32) (uint32, error) {
	gid, err := UnfilteredGroupID(port)
	if err != nil {
		return 0, err
	}
	return gid, d.send(l2Group(openflow13.OFPGC_DELETE, gid, port, false))
}

func (d *Driver) bridgingFlow(cmd uint8, port uint32, vid uint16, mac net.HardwareAddr, filtered bool) error {
	var gid uint32
	var err error
	if filtered {
		gid, err = L2InterfaceGroupID(port, vid)
	} else {
		gid, err = UnfilteredGroupID(port)
	}
	if err != nil {
		return err
	}
	fm := NewFlow(cmd, d.tbl.Bridging, PrioUnicast, BridgingCookie(port, vid))
	fm.Match.AddField(*openflow13.NewVlanIdField(vid, nil))
	fm.Match.AddField(*openflow13.NewEthDstField(mac, nil))
	withActions(fm, openflow13.NewActionGroup(gid))
	withGoto(fm, d.tbl.Acl)
	return d.send(fm)
}

// AddBridgingUnicastVlan - forward frames to mac on vid out of port
func (d *Driver) AddBridgingUnicastVlan(port uint32, vid uint16, mac net.HardwareAddr, filtered, permanent bool) error {
	tk.LogIt(tk.LogDebug, "ofdpa %016x: unicast %s vid %d port %d permanent %v\n",
		d.dpid, mac, vid, port, permanent)
	return d.bridgingFlow(openflow13.FC_ADD, port, vid, mac, filtered)
}

// RemoveBridgingUnicastVlan - withdraw a single unicast entry
func (d *Driver) RemoveBridgingUnicastVlan(port uint32, vid uint16, mac net.HardwareAddr) error {
	tk.LogIt(tk.LogDebug, "ofdpa %016x: unicast %s vid %d port %d withdrawn\n", d.dpid, mac, vid, port)
	return d.bridgingFlow(openflow13.FC_DELETE_STRICT, port, vid, mac, true)
}

// RemoveBridgingUnicastVlanAll - withdraw every unicast entry of port on vid
func (d *Driver) RemoveBridgingUnicastVlanAll(port uint32, vid uint16) error {
	fm := NewFlow(openflow13.FC_DELETE, d.tbl.Bridging, 0, BridgingCookie(port, vid))
	fm.CookieMask = cookieTypeMask | cookieVidMask | cookiePortMask
	tk.LogIt(tk.LogDebug, "ofdpa %016x: unicast purge port %d vid %d\n", d.dpid, port, vid)
	return d.send(fm)
}

// RemoveBridgingUnicastPortAll - withdraw every unicast entry of port
func (d *Driver) RemoveBridgingUnicastPortAll(port uint32) error {
	fm := NewFlow(openflow13.FC_DELETE, d.tbl.Bridging, 0, BridgingCookie(port, 0))
	fm.CookieMask = cookieTypeMask | cookiePortMask
	tk.LogIt(tk.LogDebug, "ofdpa %016x: unicast purge port %d\n", d.dpid, port)
	return d.send(fm)
}

func (d *Driver) policyFlow(id uint64, fields ...*openflow13.MatchField) error {
	fm := NewFlow(openflow13.FC_ADD, d.tbl.Acl, PrioPolicy, policyCookie(id))
	for _, f := range fields {
		fm.Match.AddField(*f)
	}
	withActions(fm, toController())
	return d.send(fm)
}

// EnablePolicyArp - punt arp to the controller
func (d *Driver) EnablePolicyArp() error {
	return d.policyFlow(policyArp, openflow13.NewEthTypeField(EthTypeArp))
}

// EnablePolicyDhcp - punt dhcp in both directions to the controller
func (d *Driver) EnablePolicyDhcp() error {
	if err := d.policyFlow(policyDhcpSrv,
		openflow13.NewEthTypeField(EthTypeIPv4),
		openflow13.NewIpProtoField(IPProtoUDP),
		openflow13.NewUdpDstField(DhcpServerPort)); err != nil {
		return err
	}
	return d.policyFlow(policyDhcpClnt,
		openflow13.NewEthTypeField(EthTypeIPv4),
		openflow13.NewIpProtoField(IPProtoUDP),
		openflow13.NewUdpDstField(DhcpClientPort))
}

// EnablePolicyVrrp - punt vrrp adverts to the controller
func (d *Driver) EnablePolicyVrrp() error {
	return d.policyFlow(policyVrrp,
		openflow13.NewEthTypeField(EthTypeIPv4),
		openflow13.NewIpProtoField(IPProtoVrrp))
}

// SendBarrier - wait till everything sent so far is applied
func (d *Driver) SendBarrier() error {
	return d.dp.DpBarrier(d.dpid)
}
