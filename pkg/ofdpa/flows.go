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
	"net"
	"sort"

	"github.com/contiv/libOpenflow/openflow13"
)

// flow priorities
const (
	PrioFloodMiss = 0x4000
	PrioLearnMiss = 0x4000
	PrioUnicast   = 0x8000
	PrioLocal     = 0x8000
	PrioNeigh     = 0x8000
	PrioVlan      = 0x8000
	PrioPolicy    = 0xfff0
)

// misc protocol constants
const (
	EthTypeIPv4  = 0x0800
	EthTypeIPv6  = 0x86dd
	EthTypeArp   = 0x0806
	EthTypeDot1Q = 0x8100
	IPProtoUDP   = 17
	IPProtoVrrp  = 112
	NoBuffer     = 0xffffffff
)

// flow mod flag asking for flow-removed
const (
	FlagSendFlowRem = 1 << 0
)

// FloodPort - a flood group member
type FloodPort struct {
	Port    uint32
	PopVlan bool
}

// RawFrame - an already encoded ethernet frame carried in a packet-out
type RawFrame []byte

// Len - util.Message implementation
func (f *RawFrame) Len() uint16 {
	return uint16(len(*f))
}

// MarshalBinary - util.Message implementation
func (f *RawFrame) MarshalBinary() ([]byte, error) {
	return []byte(*f), nil
}

// UnmarshalBinary - util.Message implementation
func (f *RawFrame) UnmarshalBinary(b []byte) error {
	*f = append((*f)[:0], b...)
	return nil
}

// FlowCmdName - printable flow mod command
func FlowCmdName(cmd uint8) string {
	switch cmd {
	case openflow13.FC_ADD:
		return "add"
	case openflow13.FC_MODIFY:
		return "modify"
	case openflow13.FC_MODIFY_STRICT:
		return "modify-strict"
	case openflow13.FC_DELETE:
		return "delete"
	case openflow13.FC_DELETE_STRICT:
		return "delete-strict"
	}
	return "unknown"
}

// GroupCmdName - printable group mod command
func GroupCmdName(cmd uint16) string {
	switch cmd {
	case openflow13.OFPGC_ADD:
		return "add"
	case openflow13.OFPGC_MODIFY:
		return "modify"
	case openflow13.OFPGC_DELETE:
		return "delete"
	}
	return "unknown"
}

// NewFlow - a flow mod skeleton
func NewFlow(cmd uint8, table uint8, prio uint16, cookie uint64) *openflow13.FlowMod {
	fm := openflow13.NewFlowMod()
	fm.Command = cmd
	fm.TableId = table
	fm.Priority = prio
	fm.Cookie = cookie
	fm.OutPort = openflow13.P_ANY
	fm.OutGroup = openflow13.OFPG_ANY
	return fm
}

// withActions - attach an apply-actions instruction unless deleting
func withActions(fm *openflow13.FlowMod, acts ...openflow13.Action) {
	if len(acts) == 0 || isDelete(fm.Command) {
		return
	}
	instr := openflow13.NewInstrApplyActions()
	for _, a := range acts {
		instr.AddAction(a, false)
	}
	fm.AddInstruction(instr)
}

func withGoto(fm *openflow13.FlowMod, table uint8) {
	if isDelete(fm.Command) {
		return
	}
	fm.AddInstruction(openflow13.NewInstrGotoTable(table))
}

// toController - punt the whole frame
func toController() *openflow13.ActionOutput {
	out := openflow13.NewActionOutput(openflow13.P_CONTROLLER)
	out.MaxLen = openflow13.OFPCML_NO_BUFFER
	return out
}

func isDelete(cmd uint8) bool {
	return cmd == openflow13.FC_DELETE || cmd == openflow13.FC_DELETE_STRICT
}

// vlanNoneField - matches frames without an 802.1q tag
func vlanNoneField() *openflow13.MatchField {
	f := openflow13.NewVlanIdField(0, nil)
	f.Value = &openflow13.VlanIdField{VlanId: 0}
	return f
}

// FloodGroup - an ALL group with one bucket per member, ordered by port
func FloodGroup(cmd uint16, gid uint32, members []FloodPort) *openflow13.GroupMod {
	gm := openflow13.NewGroupMod()
	gm.Command = cmd
	gm.Type = openflow13.OFPGT_ALL
	gm.GroupId = gid

	if cmd == openflow13.OFPGC_DELETE {
		return gm
	}

	sorted := append([]FloodPort(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Port < sorted[j].Port })
	for _, m := range sorted {
		bkt := openflow13.NewBucket()
		if m.PopVlan {
			bkt.AddAction(openflow13.NewActionPopVlan())
		}
		bkt.AddAction(openflow13.NewActionOutput(m.Port))
		gm.AddBucket(*bkt)
	}
	return gm
}

// FloodMissFlow - unknown destinations of a vlan go to its flood group
func FloodMissFlow(cmd uint8, table uint8, vid uint16, gid uint32) *openflow13.FlowMod {
	fm := NewFlow(cmd, table, PrioFloodMiss, 0)
	fm.Match.AddField(*openflow13.NewVlanIdField(vid, nil))
	withActions(fm, openflow13.NewActionGroup(gid))
	return fm
}

// LearnMissFlow - unknown sources of a vlan are sent to the controller and
// then looked up in the destination stage
func LearnMissFlow(cmd uint8, table uint8, next uint8, vid uint16) *openflow13.FlowMod {
	fm := NewFlow(cmd, table, PrioLearnMiss, 0)
	fm.Match.AddField(*openflow13.NewVlanIdField(vid, nil))
	withActions(fm, toController())
	withGoto(fm, next)
	return fm
}

// SrcKnownFlow - a learnt source on its port skips the controller
func SrcKnownFlow(cmd uint8, table uint8, next uint8, cookie uint64, vid uint16,
	mac net.HardwareAddr, port uint32) *openflow13.FlowMod {
	fm := NewFlow(cmd, table, PrioUnicast, cookie)
	fm.Match.AddField(*openflow13.NewInPortField(port))
	fm.Match.AddField(*openflow13.NewVlanIdField(vid, nil))
	fm.Match.AddField(*openflow13.NewEthSrcField(mac, nil))
	withGoto(fm, next)
	return fm
}

// UnicastFlow - a learnt destination is forwarded to its port
func UnicastFlow(cmd uint8, table uint8, cookie uint64, vid uint16,
	mac net.HardwareAddr, port uint32, popVlan bool) *openflow13.FlowMod {
	fm := NewFlow(cmd, table, PrioUnicast, cookie)
	fm.Match.AddField(*openflow13.NewVlanIdField(vid, nil))
	fm.Match.AddField(*openflow13.NewEthDstField(mac, nil))
	if popVlan {
		withActions(fm, openflow13.NewActionPopVlan(), openflow13.NewActionOutput(port))
	} else {
		withActions(fm, openflow13.NewActionOutput(port))
	}
	return fm
}

// LocalAddrFlow - traffic to a local address is punted to the controller
func LocalAddrFlow(cmd uint8, table uint8, cookie uint64, ip net.IP) *openflow13.FlowMod {
	fm := NewFlow(cmd, table, PrioLocal, cookie)
	if ip4 := ip.To4(); ip4 != nil {
		fm.Match.AddField(*openflow13.NewEthTypeField(EthTypeIPv4))
		fm.Match.AddField(*openflow13.NewIpv4DstField(ip4, nil))
	} else {
		fm.Match.AddField(*openflow13.NewEthTypeField(EthTypeIPv6))
		fm.Match.AddField(*openflow13.NewIpv6DstField(ip, nil))
	}
	fm.Flags = FlagSendFlowRem
	withActions(fm, toController())
	return fm
}

// NeighFlow - traffic to a resolved neighbor is rewritten and sent out port
func NeighFlow(cmd uint8, table uint8, cookie uint64, ip net.IP,
	dmac net.HardwareAddr, smac net.HardwareAddr, port uint32) *openflow13.FlowMod {
	fm := NewFlow(cmd, table, PrioNeigh, cookie)
	if ip4 := ip.To4(); ip4 != nil {
		fm.Match.AddField(*openflow13.NewEthTypeField(EthTypeIPv4))
		fm.Match.AddField(*openflow13.NewIpv4DstField(ip4, nil))
	} else {
		fm.Match.AddField(*openflow13.NewEthTypeField(EthTypeIPv6))
		fm.Match.AddField(*openflow13.NewIpv6DstField(ip, nil))
	}
	fm.Flags = FlagSendFlowRem
	withActions(fm,
		openflow13.NewActionSetField(*openflow13.NewEthDstField(dmac, nil)),
		openflow13.NewActionSetField(*openflow13.NewEthSrcField(smac, nil)),
		openflow13.NewActionOutput(port))
	return fm
}

// PacketOut - send a frame out of port on behalf of the controller
func PacketOut(port uint32, frame []byte) *openflow13.PacketOut {
	po := openflow13.NewPacketOut()
	po.BufferId = NoBuffer
	po.InPort = openflow13.P_CONTROLLER
	po.AddAction(openflow13.NewActionOutput(port))
	data := RawFrame(frame)
	po.Data = &data
	return po
}
