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
package common

import "net"

// work queue lengths for kernel events
const (
	AuWorkqLen = 1024
	LuWorkqLen = 1024
	NuWorkqLen = 1024
	RuWorkqLen = 40827
)

// BrVlanWords - 4096 vlan ids as 32-bit words
const BrVlanWords = 128

// MaxAddrPerLink - max dense address indices per link
const MaxAddrPerLink = 1024

// MaxNeighPerLink - max dense neighbor indices per link
const MaxNeighPerLink = 4096

// BrVlan - bridge vlan membership of a bridge port
type BrVlan struct {
	Vlans    [BrVlanWords]uint32
	Untagged [BrVlanWords]uint32
	Pvid     uint16
}

// LinkMod - link info as learnt from the kernel
type LinkMod struct {
	Index        int
	Name         string
	HardwareAddr net.HardwareAddr
	Mtu          int
	MasterIndex  int
	Family       int
	Up           bool
	IsBridge     bool
	Br           BrVlan
}

// AddrMod - address of a link
type AddrMod struct {
	LinkIndex int
	AdIndex   int
	Family    int
	IPNet     *net.IPNet
}

// NeighMod - neighbor (arp/nd or bridge fdb) of a link
type NeighMod struct {
	LinkIndex    int
	NbIndex      int
	Family       int
	IP           net.IP
	HardwareAddr net.HardwareAddr
	State        int
	Vlan         int
	MasterIndex  int
}

// RouteMod - route pointing to a link
type RouteMod struct {
	Dst       *net.IPNet
	Gw        net.IP
	LinkIndex int
	Table     int
	Protocol  int
}

// FibEntMod - a learnt mac entry
type FibEntMod struct {
	Dpid   uint64
	Vid    uint16
	Mac    net.HardwareAddr
	Port   uint32
	Tagged bool
}

// ParamMod - runtime params
type ParamMod struct {
	LogLevel   string
	Prometheus string
}

// NetHookInterface - Go interface which needs to be implemented to talk
// to the switch core
type NetHookInterface interface {
	NetLinkAdd(*LinkMod) (int, error)
	NetLinkDel(*LinkMod) (int, error)
	NetAddrAdd(*AddrMod) (int, error)
	NetAddrDel(*AddrMod) (int, error)
	NetNeighAdd(*NeighMod) (int, error)
	NetNeighDel(*NeighMod) (int, error)
	NetRouteAdd(*RouteMod) (int, error)
	NetRouteDel(*RouteMod) (int, error)
	NetFibGet() ([]FibEntMod, error)
	NetParamSet(ParamMod) (int, error)
	NetParamGet(*ParamMod) (int, error)
}
