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

	"github.com/contiv/libOpenflow/openflow13"
	"golang.org/x/sys/unix"

	"github.com/loxilb-io/loxisw/pkg/ofdpa"
)

// dptEnt - hardware state derived from one kernel mirror entry.
// All methods are called with the owning DptLink's lock held
type dptEnt interface {
	Install() error
	Uninstall() error
	Update() error
	Reinstall() error
	Cookie() uint64
	Installed() bool
}

// DptAddr - local address of a link programmed as a punt-to-controller flow
type DptAddr struct {
	dl        *DptLink
	ifi       int
	adi       int
	table     uint8
	cookie    uint64
	installed bool
	ip        net.IP
}

func newDptAddr(dl *DptLink, ifi, adi int, table uint8, cookie uint64) *DptAddr {
	return &DptAddr{dl: dl, ifi: ifi, adi: adi, table: table, cookie: cookie}
}

// Cookie - flow cookie of the address
func (a *DptAddr) Cookie() uint64 {
	return a.cookie
}

// Installed - address flow is programmed
func (a *DptAddr) Installed() bool {
	return a.installed
}

// Update - refresh the cached address from the mirror
func (a *DptAddr) Update() error {
	ad, ok := a.dl.h.rl.GetAddr(a.ifi, a.adi)
	if !ok {
		return fmt.Errorf("addr %d/%d: %w", a.ifi, a.adi, ErrNotFound)
	}
	a.ip = append(net.IP(nil), ad.IPNet.IP...)
	return nil
}

// Install - program the address flow
func (a *DptAddr) Install() error {
	if a.installed {
		return nil
	}
	if a.ip == nil {
		if err := a.Update(); err != nil {
			return err
		}
	}
	if err := a.dl.send(ofdpa.LocalAddrFlow(openflow13.FC_ADD, a.table, a.cookie, a.ip)); err != nil {
		return err
	}
	a.installed = true
	return nil
}

// Uninstall - withdraw the address flow. No-op when not programmed
func (a *DptAddr) Uninstall() error {
	if !a.installed {
		return nil
	}
	a.installed = false
	return a.dl.send(ofdpa.LocalAddrFlow(openflow13.FC_DELETE_STRICT, a.table, a.cookie, a.ip))
}

// Reinstall - withdraw and program again with fresh mirror data
func (a *DptAddr) Reinstall() error {
	a.Uninstall()
	if err := a.Update(); err != nil {
		return err
	}
	return a.Install()
}

func (a *DptAddr) String() string {
	return fmt.Sprintf("addr %d/%d %s", a.ifi, a.adi, a.ip)
}

// DptNeigh - resolved neighbor of a link programmed as a rewrite flow
type DptNeigh struct {
	dl        *DptLink
	ifi       int
	nbi       int
	table     uint8
	cookie    uint64
	installed bool
	ip        net.IP
	hw        net.HardwareAddr
	state     int
}

func newDptNeigh(dl *DptLink, ifi, nbi int, table uint8, cookie uint64) *DptNeigh {
	return &DptNeigh{dl: dl, ifi: ifi, nbi: nbi, table: table, cookie: cookie}
}

// Cookie - flow cookie of the neighbor
func (n *DptNeigh) Cookie() uint64 {
	return n.cookie
}

// Installed - neighbor flow is programmed
func (n *DptNeigh) Installed() bool {
	return n.installed
}

// Update - refresh the cached neighbor from the mirror
func (n *DptNeigh) Update() error {
	nb, ok := n.dl.h.rl.GetNeigh(n.ifi, n.nbi)
	if !ok {
		return fmt.Errorf("neigh %d/%d: %w", n.ifi, n.nbi, ErrNotFound)
	}
	n.ip = append(net.IP(nil), nb.IP...)
	n.hw = append(net.HardwareAddr(nil), nb.HardwareAddr...)
	n.state = nb.State
	return nil
}

// Install - program the neighbor flow. Unresolved neighbors stay cached
func (n *DptNeigh) Install() error {
	if n.installed {
		return nil
	}
	if n.ip == nil {
		if err := n.Update(); err != nil {
			return err
		}
	}
	if len(n.hw) != 6 || !NudUsable(n.state) {
		return nil
	}
	fm := ofdpa.NeighFlow(openflow13.FC_ADD, n.table, n.cookie, n.ip, n.hw, n.dl.hw, n.dl.port)
	if err := n.dl.send(fm); err != nil {
		return err
	}
	n.installed = true
	return nil
}

// Uninstall - withdraw the neighbor flow. No-op when not programmed
func (n *DptNeigh) Uninstall() error {
	if !n.installed {
		return nil
	}
	n.installed = false
	fm := ofdpa.NeighFlow(openflow13.FC_DELETE_STRICT, n.table, n.cookie, n.ip, n.hw, n.dl.hw, n.dl.port)
	return n.dl.send(fm)
}

// Reinstall - withdraw and program again with fresh mirror data
func (n *DptNeigh) Reinstall() error {
	n.Uninstall()
	if err := n.Update(); err != nil {
		return err
	}
	return n.Install()
}

func (n *DptNeigh) String() string {
	return fmt.Sprintf("neigh %d/%d %s %s", n.ifi, n.nbi, n.ip, n.hw)
}

// NudUsable - neighbor state where the link layer address can be used
func NudUsable(state int) bool {
	switch state {
	case unix.NUD_STALE, unix.NUD_NOARP, unix.NUD_REACHABLE, unix.NUD_PERMANENT:
		return true
	}
	return false
}

// NudDead - neighbor state where the hardware entry must go
func NudDead(state int) bool {
	switch state {
	case unix.NUD_INCOMPLETE, unix.NUD_DELAY, unix.NUD_PROBE, unix.NUD_FAILED:
		return true
	}
	return false
}
