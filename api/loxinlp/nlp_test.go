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
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	nlp "github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	cmn "github.com/loxilb-io/loxisw/common"
)

type failHooks struct {
	fail  bool
	addrs []cmn.AddrMod
	neigh []cmn.NeighMod
}

func (h *failHooks) err() error {
	if h.fail {
		return errors.New("mirror refused")
	}
	return nil
}

func (h *failHooks) NetLinkAdd(*cmn.LinkMod) (int, error) { return 0, h.err() }
func (h *failHooks) NetLinkDel(*cmn.LinkMod) (int, error) { return 0, h.err() }
func (h *failHooks) NetAddrAdd(am *cmn.AddrMod) (int, error) {
	h.addrs = append(h.addrs, *am)
	return 0, h.err()
}
func (h *failHooks) NetAddrDel(*cmn.AddrMod) (int, error) { return 0, h.err() }
func (h *failHooks) NetNeighAdd(nm *cmn.NeighMod) (int, error) {
	h.neigh = append(h.neigh, *nm)
	return 0, h.err()
}
func (h *failHooks) NetNeighDel(*cmn.NeighMod) (int, error) { return 0, h.err() }
func (h *failHooks) NetRouteAdd(*cmn.RouteMod) (int, error) { return 0, h.err() }
func (h *failHooks) NetRouteDel(*cmn.RouteMod) (int, error) { return 0, h.err() }
func (h *failHooks) NetFibGet() ([]cmn.FibEntMod, error) { return nil, h.err() }
func (h *failHooks) NetParamSet(cmn.ParamMod) (int, error) { return 0, h.err() }
func (h *failHooks) NetParamGet(*cmn.ParamMod) (int, error) { return 0, h.err() }

func TestLinkIndices(t *testing.T) {
	nNl := &NlH{IMap: make(map[int]*linkIdx)}

	if _, ok := nNl.index(5, "10.0.0.1/24", false, false); ok {
		t.Errorf("lookup allocated an index")
	}

	a1, _ := nNl.index(5, "10.0.0.1/24", false, true)
	a2, _ := nNl.index(5, "10.0.0.2/24", false, true)
	n1, _ := nNl.index(5, "2/10.0.0.9", true, true)
	if a1 != 1 || a2 != 2 || n1 != 1 {
		t.Errorf("indices %d %d %d", a1, a2, n1)
	}
	if again, _ := nNl.index(5, "10.0.0.1/24", false, true); again != a1 {
		t.Errorf("same address got index %d", again)
	}

	nNl.release(5, "10.0.0.1/24", false)
	if a3, _ := nNl.index(5, "10.0.0.3/24", false, true); a3 != 1 {
		t.Errorf("released index not reused, got %d", a3)
	}

	nNl.dropLink(5)
	if _, ok := nNl.index(5, "10.0.0.2/24", false, false); ok {
		t.Errorf("indices survived link drop")
	}
}

func TestNeighKey(t *testing.T) {
	hw, _ := net.ParseMAC("02:00:00:00:00:01")
	fdb := &nlp.Neigh{Family: unix.AF_BRIDGE, HardwareAddr: hw, Vlan: 10}
	if k := neighKey(fdb); k != "fdb/02:00:00:00:00:01/10" {
		t.Errorf("fdb key %s", k)
	}
	nb := &nlp.Neigh{Family: unix.AF_INET, IP: net.ParseIP("10.0.0.9")}
	if k := neighKey(nb); k != "2/10.0.0.9" {
		t.Errorf("neigh key %s", k)
	}

	_, ipn, _ := net.ParseCIDR("10.1.0.0/16")
	if k := addrKey(ipn); k != "10.1.0.0/16" {
		t.Errorf("addr key %s", k)
	}
}

func TestFailedRefreshKeepsIndex(t *testing.T) {
	h := &failHooks{}
	NlpRegister(h)
	defer NlpRegister(nil)

	nNl := &NlH{IMap: make(map[int]*linkIdx)}
	link := &nlp.Dummy{LinkAttrs: nlp.LinkAttrs{Index: 5, Name: "swp1"}}
	_, ipn, _ := net.ParseCIDR("10.0.0.1/24")
	ipn.IP = net.ParseIP("10.0.0.1").To4()
	hw, _ := net.ParseMAC("02:00:00:00:00:09")
	nb := nlp.Neigh{Family: unix.AF_INET, IP: net.ParseIP("10.0.0.9"), HardwareAddr: hw}

	if ret := nNl.AddAddr(nlp.Addr{IPNet: ipn}, link); ret != 0 {
		t.Errorf("address add returned %d", ret)
	}
	if ret := nNl.AddNeigh(nb, link); ret != 0 {
		t.Errorf("neigh add returned %d", ret)
	}

	h.fail = true
	if ret := nNl.AddAddr(nlp.Addr{IPNet: ipn}, link); ret != -1 {
		t.Errorf("failed address refresh returned %d", ret)
	}
	if ret := nNl.AddNeigh(nb, link); ret != -1 {
		t.Errorf("failed neigh refresh returned %d", ret)
	}

	adi, ok := nNl.index(5, addrKey(ipn), false, false)
	assert.True(t, ok, "existing address index released")
	assert.Equal(t, h.addrs[0].AdIndex, adi)
	nbi, ok := nNl.index(5, neighKey(&nb), true, false)
	assert.True(t, ok, "existing neigh index released")
	assert.Equal(t, h.neigh[0].NbIndex, nbi)

	_, other, _ := net.ParseCIDR("10.0.1.0/24")
	if ret := nNl.AddAddr(nlp.Addr{IPNet: other}, link); ret != -1 {
		t.Errorf("failed address add returned %d", ret)
	}
	if _, ok := nNl.index(5, addrKey(other), false, false); ok {
		t.Errorf("index of a never mirrored address kept")
	}
}
