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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	cmn "github.com/loxilb-io/loxisw/common"
	utils "github.com/loxilb-io/loxisw/pkg/utils"
)

const brIfi = 100

// brVlans - membership with vids tagged and untagged ones listed apart
func brVlans(pvid uint16, tagged, untagged []uint16) cmn.BrVlan {
	var br cmn.BrVlan
	for _, v := range tagged {
		utils.SetBit(br.Vlans[:], int(v))
	}
	for _, v := range untagged {
		utils.SetBit(br.Vlans[:], int(v))
		utils.SetBit(br.Untagged[:], int(v))
	}
	br.Pvid = pvid
	return br
}

func brPort(ifi int, name string, br cmn.BrVlan) RtLink {
	return RtLink{Index: ifi, Name: name, MasterIndex: brIfi, Family: unix.AF_BRIDGE, Br: br}
}

func newTestBridge(t *testing.T, ingress, egress bool) (*BridgeH, *fakeDriver) {
	t.Helper()
	b := BridgeInit(RtLinksInit(), fakePorts{"swp1": 1, "swp2": 2}, "br0", ingress, egress)
	require.NoError(t, b.SetBridgeInterface(RtLink{Index: brIfi, Name: "br0", IsBridge: true}))
	drv := newFakeDriver(1)
	b.SetDriver(drv)
	drv.reset()
	return b, drv
}

func l2Domains(b *BridgeH) map[uint16][]uint32 {
	res := make(map[uint16][]uint32)
	for v := 0; v <= BrMaxVid; v++ {
		if gids := b.L2Domain(uint16(v)); len(gids) > 0 {
			res[uint16(v)] = gids
		}
	}
	return res
}

func TestBridgeDefaultRulesOnce(t *testing.T) {
	b := BridgeInit(RtLinksInit(), fakePorts{}, "br0", true, true)
	if err := b.ApplyDefaultRules(); !errors.Is(err, ErrNotFound) {
		t.Errorf("default rules without a bridge: %v", err)
	}
	require.NoError(t, b.SetBridgeInterface(RtLink{Index: brIfi, Name: "br0", IsBridge: true}))
	if err := b.ApplyDefaultRules(); !errors.Is(err, ErrNoDatapath) {
		t.Errorf("default rules without a driver: %v", err)
	}

	drv := newFakeDriver(1)
	b.SetDriver(drv)
	assert.Equal(t, []string{"policy arp", "policy dhcp", "policy vrrp"}, drv.calls)

	drv.reset()
	require.NoError(t, b.ApplyDefaultRules())
	assert.Empty(t, drv.calls)

	if err := b.SetBridgeInterface(RtLink{Index: brIfi + 1, Name: "br1", IsBridge: true}); !errors.Is(err, ErrExists) {
		t.Errorf("second bridge accepted: %v", err)
	}
	if err := b.SetBridgeInterface(RtLink{Index: 5, Name: "swp1"}); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("non bridge accepted: %v", err)
	}
}

func TestBridgeAddInterface(t *testing.T) {
	b, drv := newTestBridge(t, true, true)

	b.AddInterface(brPort(5, "swp1", brVlans(10, []uint16{20}, []uint16{10})))
	assert.Equal(t, []string{
		"egress 1 10 true",
		"pvid 1 10",
		"egress 1 20 false",
		"ingress 1 20",
	}, drv.calls)
	assert.Equal(t, []uint32{10<<16 | 1}, b.L2Domain(10))
	assert.Equal(t, []uint32{20<<16 | 1}, b.L2Domain(20))

	drv.reset()
	b.AddInterface(RtLink{Index: 6, Name: "swp2", MasterIndex: brIfi + 1, Family: unix.AF_BRIDGE})
	b.AddInterface(RtLink{Index: 6, Name: "swp2", MasterIndex: brIfi})
	assert.Empty(t, drv.calls, "foreign ports programmed")
}

func TestBridgeUnfiltered(t *testing.T) {
	b, drv := newTestBridge(t, false, false)

	b.AddInterface(brPort(5, "swp1", brVlans(10, nil, []uint16{10})))
	assert.Equal(t, []string{"allow-all 1", "unfiltered 1"}, drv.calls)
	assert.Equal(t, []uint32{11<<28 | 1}, b.L2Domain(0))

	drv.reset()
	b.DeleteInterface(brPort(5, "swp1", brVlans(10, nil, []uint16{10})))
	assert.Equal(t, []string{"-allow-all 1", "purge 1", "barrier", "-unfiltered 1"}, drv.calls)
	assert.Empty(t, b.L2Domain(0))
}

func TestBridgeNoResourceSkipsVlan(t *testing.T) {
	b, drv := newTestBridge(t, true, true)
	drv.noResVids[20] = true

	b.AddInterface(brPort(5, "swp1", brVlans(0, []uint16{20, 30}, nil)))
	assert.Equal(t, []string{
		"egress-fail 1 20",
		"egress 1 30 false",
		"ingress 1 30",
	}, drv.calls)
	assert.Empty(t, b.L2Domain(20))
}

func TestBridgeVlanRemovalOrder(t *testing.T) {
	b, drv := newTestBridge(t, true, true)
	from := brVlans(10, []uint16{20}, []uint16{10})
	to := brVlans(10, nil, []uint16{10})
	b.AddInterface(brPort(5, "swp1", from))
	drv.reset()

	b.UpdateVlans(brPort(5, "swp1", to), &from, &to)
	assert.Equal(t, []string{"-ingress 1 20", "purge 1 20", "barrier", "-egress 1 20"}, drv.calls)
	assert.Empty(t, b.L2Domain(20))
	assert.NotEmpty(t, b.L2Domain(10))
}

func TestBridgeBarrierFailureKeepsEgress(t *testing.T) {
	b, drv := newTestBridge(t, true, true)
	from := brVlans(0, []uint16{20}, nil)
	to := cmn.BrVlan{}
	b.AddInterface(brPort(5, "swp1", from))
	drv.reset()
	drv.barrierErr = ErrTimeout

	b.UpdateVlans(brPort(5, "swp1", to), &from, &to)
	assert.Equal(t, []string{"-ingress 1 20", "purge 1 20", "barrier"}, drv.calls)
	assert.Equal(t, []uint32{20<<16 | 1}, b.L2Domain(20), "egress group dropped without a barrier")
}

func TestBridgeDeleteInterfaceOrder(t *testing.T) {
	b, drv := newTestBridge(t, true, true)
	link := brPort(5, "swp1", brVlans(10, []uint16{20}, []uint16{10}))
	b.AddInterface(link)
	drv.reset()

	b.DeleteInterface(link)
	assert.Equal(t, []string{
		"-pvid 1 10",
		"purge 1 10",
		"barrier",
		"-egress 1 10",
		"-ingress 1 20",
		"purge 1 20",
		"barrier",
		"-egress 1 20",
	}, drv.calls)
	assert.Empty(t, l2Domains(b))
	assert.Empty(t, drv.programmed())
	assert.Empty(t, drv.stray)
}

func TestBridgeFilterModes(t *testing.T) {
	tests := []struct {
		name    string
		ingress bool
		egress  bool
		add     []string
		update  []string
		del     []string
	}{
		{
			name:    "filtered",
			ingress: true,
			egress:  true,
			add:     []string{"egress 1 10 true", "pvid 1 10", "egress 1 20 false", "ingress 1 20"},
			update:  []string{"-ingress 1 20", "purge 1 20", "barrier", "-egress 1 20"},
			del:     []string{"-pvid 1 10", "purge 1 10", "barrier", "-egress 1 10"},
		},
		{
			name:    "ingress only",
			ingress: true,
			add:     []string{"unfiltered 1", "pvid 1 10", "ingress 1 20"},
			update:  []string{"-ingress 1 20"},
			del:     []string{"purge 1", "barrier", "-unfiltered 1", "-pvid 1 10"},
		},
		{
			name:   "egress only",
			egress: true,
			add:    []string{"allow-all 1", "egress 1 10 true", "egress 1 20 false"},
			update: []string{"purge 1 20", "barrier", "-egress 1 20"},
			del:    []string{"-allow-all 1", "purge 1 10", "barrier", "-egress 1 10"},
		},
		{
			name: "unfiltered",
			add:  []string{"allow-all 1", "unfiltered 1"},
			del:  []string{"-allow-all 1", "purge 1", "barrier", "-unfiltered 1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, drv := newTestBridge(t, tt.ingress, tt.egress)
			from := brPort(5, "swp1", brVlans(10, []uint16{20}, []uint16{10}))
			to := brPort(5, "swp1", brVlans(10, nil, []uint16{10}))

			b.AddInterface(from)
			assert.Equal(t, tt.add, drv.calls, "add")

			drv.reset()
			require.NoError(t, b.UpdateInterface(from, to))
			if len(tt.update) == 0 {
				assert.Empty(t, drv.calls, "update")
			} else {
				assert.Equal(t, tt.update, drv.calls, "update")
			}

			drv.reset()
			b.DeleteInterface(to)
			assert.Equal(t, tt.del, drv.calls, "delete")
			assert.Empty(t, drv.programmed())
			assert.Empty(t, drv.stray)
			assert.Empty(t, l2Domains(b))
		})
	}
}

func TestBridgeDeleteBarrierFailure(t *testing.T) {
	b, drv := newTestBridge(t, true, false)
	link := brPort(5, "swp1", brVlans(10, []uint16{20}, []uint16{10}))
	b.AddInterface(link)
	drv.reset()
	drv.barrierErr = ErrTimeout

	b.DeleteInterface(link)
	assert.Equal(t, []string{"purge 1", "barrier", "-pvid 1 10", "-ingress 1 20"}, drv.calls)
	assert.Equal(t, []string{"unfiltered 1"}, drv.programmed(), "vlan ingress left behind")
	assert.Equal(t, []uint32{11<<28 | 1}, b.L2Domain(0))

	b, drv = newTestBridge(t, true, true)
	b.AddInterface(link)
	drv.reset()
	drv.barrierErr = ErrTimeout

	b.DeleteInterface(link)
	assert.Equal(t, []string{"-pvid 1 10", "purge 1 10", "barrier", "-ingress 1 20", "purge 1 20",
		"barrier"}, drv.calls)
	assert.Equal(t, []string{"egress 1 10 true", "egress 1 20 false"}, drv.programmed())
	assert.Empty(t, drv.stray)

	// groups kept by the failed barrier are not set up twice
	drv.reset()
	drv.barrierErr = nil
	b.AddInterface(link)
	assert.Equal(t, []string{"pvid 1 10", "ingress 1 20"}, drv.calls)
	b.DeleteInterface(link)
	assert.Empty(t, drv.programmed())
	assert.Empty(t, drv.stray)
}

func TestBridgePvidWithdrawFollowsProgrammed(t *testing.T) {
	a := brVlans(10, []uint16{30}, []uint16{10})
	mid := brVlans(30, []uint16{30}, []uint16{10})
	c := brVlans(30, []uint16{30}, nil)

	b, drv := newTestBridge(t, true, true)
	b.AddInterface(brPort(5, "swp1", a))
	require.NoError(t, b.UpdateInterface(brPort(5, "swp1", a), brPort(5, "swp1", mid)))

	drv.reset()
	require.NoError(t, b.UpdateInterface(brPort(5, "swp1", mid), brPort(5, "swp1", c)))
	assert.Equal(t, []string{"-pvid 1 10", "purge 1 10", "barrier", "-egress 1 10"}, drv.calls)
	assert.Empty(t, drv.stray)

	direct, ddrv := newTestBridge(t, true, true)
	direct.AddInterface(brPort(5, "swp1", a))
	direct.UpdateVlans(brPort(5, "swp1", c), &a, &c)
	assert.Equal(t, ddrv.programmed(), drv.programmed())

	drv.reset()
	b.DeleteInterface(brPort(5, "swp1", c))
	assert.Equal(t, []string{"-ingress 1 30", "purge 1 30", "barrier", "-egress 1 30"}, drv.calls)
	assert.Empty(t, drv.programmed())
	assert.Empty(t, drv.stray)
}

func TestBridgeUpdateComposes(t *testing.T) {
	a := brVlans(10, []uint16{20, 30}, []uint16{10})
	mid := brVlans(10, []uint16{30, 40}, []uint16{10})
	c := brVlans(50, []uint16{40, 60}, []uint16{50})

	for _, mode := range [][2]bool{{true, true}, {true, false}, {false, true}, {false, false}} {
		direct, ddrv := newTestBridge(t, mode[0], mode[1])
		direct.AddInterface(brPort(5, "swp1", a))
		direct.UpdateVlans(brPort(5, "swp1", c), &a, &c)

		stepped, sdrv := newTestBridge(t, mode[0], mode[1])
		stepped.AddInterface(brPort(5, "swp1", a))
		stepped.UpdateVlans(brPort(5, "swp1", mid), &a, &mid)
		stepped.UpdateVlans(brPort(5, "swp1", c), &mid, &c)

		fresh, fdrv := newTestBridge(t, mode[0], mode[1])
		fresh.AddInterface(brPort(5, "swp1", c))

		if !assert.Equal(t, fdrv.programmed(), ddrv.programmed(), "direct %v", mode) {
			continue
		}
		assert.Equal(t, fdrv.programmed(), sdrv.programmed(), "stepped %v", mode)
		assert.Equal(t, l2Domains(fresh), l2Domains(direct), "direct %v", mode)
		assert.Equal(t, l2Domains(fresh), l2Domains(stepped), "stepped %v", mode)
		assert.Empty(t, ddrv.stray)
		assert.Empty(t, sdrv.stray)
	}
}

func TestBridgeUntaggedChangeUnsupported(t *testing.T) {
	b, drv := newTestBridge(t, true, true)
	from := brVlans(0, []uint16{20}, nil)
	to := brVlans(0, nil, []uint16{20})
	b.AddInterface(brPort(5, "swp1", from))
	drv.reset()

	b.UpdateVlans(brPort(5, "swp1", to), &from, &to)
	assert.Empty(t, drv.calls)
	assert.Equal(t, []uint32{20<<16 | 1}, b.L2Domain(20))
}

func TestBridgeUpdateInterface(t *testing.T) {
	b, drv := newTestBridge(t, true, true)
	from := brPort(5, "swp1", brVlans(0, []uint16{20}, nil))
	b.AddInterface(from)
	drv.reset()

	renamed := from
	renamed.Name = "swp2"
	if err := b.UpdateInterface(from, renamed); !errors.Is(err, ErrUnsupported) {
		t.Errorf("rename accepted: %v", err)
	}

	gone := from
	gone.MasterIndex = 0
	if err := b.UpdateInterface(from, gone); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("non port accepted: %v", err)
	}
	assert.Empty(t, drv.calls)

	to := brPort(5, "swp1", brVlans(0, []uint16{20, 30}, nil))
	require.NoError(t, b.UpdateInterface(from, to))
	assert.Equal(t, []string{"egress 1 30 false", "ingress 1 30"}, drv.calls)
}

func TestBridgeDriverRebind(t *testing.T) {
	b, drv := newTestBridge(t, true, true)
	b.AddInterface(brPort(5, "swp1", brVlans(0, []uint16{20}, nil)))

	b.SetDriver(nil)
	_, bound := b.Dpid()
	assert.False(t, bound)
	assert.Empty(t, b.L2Domain(20))
	if err := b.AddMacToFdb(1, 20, mustMAC(t, macA), false); !errors.Is(err, ErrNoDatapath) {
		t.Errorf("fdb without a driver: %v", err)
	}

	drv2 := newFakeDriver(2)
	b.SetDriver(drv2)
	dpid, bound := b.Dpid()
	assert.True(t, bound)
	assert.Equal(t, uint64(2), dpid)
	assert.Equal(t, []string{
		"policy arp", "policy dhcp", "policy vrrp",
		"egress 1 20 false", "ingress 1 20",
	}, drv2.calls)
	assert.NotEmpty(t, drv.calls)
}

func TestBridgeKernelEvents(t *testing.T) {
	rl := RtLinksInit()
	b := BridgeInit(rl, fakePorts{"swp1": 1}, "br0", true, true)
	require.NoError(t, rl.RtNotifierRegister("bridge-br0", b))
	drv := newFakeDriver(1)
	b.SetDriver(drv)
	assert.Empty(t, drv.calls)

	_, err := rl.AddLink(&cmn.LinkMod{Index: brIfi, Name: "br0", IsBridge: true})
	require.NoError(t, err)
	assert.True(t, b.HasBridgeInterface())
	assert.Len(t, drv.calls, 3)

	drv.reset()
	_, err = rl.AddLink(&cmn.LinkMod{Index: 5, Name: "swp1", MasterIndex: brIfi,
		Family: unix.AF_BRIDGE, Br: brVlans(0, []uint16{20}, nil)})
	require.NoError(t, err)
	assert.Equal(t, []string{"egress 1 20 false", "ingress 1 20"}, drv.calls)

	drv.reset()
	_, err = rl.AddNeigh(&cmn.NeighMod{LinkIndex: 5, NbIndex: 1, Family: unix.AF_BRIDGE,
		HardwareAddr: mustMAC(t, macA), Vlan: 20, State: unix.NUD_PERMANENT})
	require.NoError(t, err)
	_, err = rl.AddNeigh(&cmn.NeighMod{LinkIndex: 5, NbIndex: 2, Family: unix.AF_BRIDGE,
		HardwareAddr: mustMAC(t, macBC), Vlan: 20})
	require.NoError(t, err)
	assert.Equal(t, []string{"fdb 1 20 " + macA + " true"}, drv.calls)

	drv.reset()
	rl.DropNeigh(5, 1)
	assert.Equal(t, []string{"-fdb 1 20 " + macA}, drv.calls)

	drv.reset()
	_, err = rl.AddLink(&cmn.LinkMod{Index: 5, Name: "swp1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"-ingress 1 20", "purge 1 20", "barrier", "-egress 1 20"}, drv.calls)
}
