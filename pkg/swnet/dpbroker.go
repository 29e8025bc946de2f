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
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/libOpenflow/util"
	tk "github.com/loxilb-io/loxilib"

	prometheus "github.com/loxilb-io/loxisw/api/prometheus"
	"github.com/loxilb-io/loxisw/pkg/ofdpa"
)

// error codes
const (
	DpErrBase = iota - 103000
	DpWqUnkErr
)

// maximum dp event queue length
const (
	DpWorkQLen = 1024
)

// default time to wait for a barrier reply
const (
	DpBarrierTimeout = 5 * time.Second
)

// Datapath - an established openflow channel to a forwarding device
type Datapath interface {
	DPID() uint64
	Send(msg util.Message) error
	Barrier(ctx context.Context) error
}

// DpEventT - type of a dataplane event
type DpEventT uint8

// dp event codes
const (
	DpOpen DpEventT = iota + 1
	DpClose
	DpPacketIn
	DpPortStatus
	DpFlowRemoved
	DpError
)

// DpEvent - a single dataplane event
type DpEvent struct {
	Work          DpEventT
	Dpid          uint64
	TableID       uint8
	InPort        uint32
	Cookie        uint64
	FlowRemReason uint8
	PortNo        uint32
	PortName      string
	PortReason    uint8
	PortCfg       uint32
	PortState     uint32
	ErrType       uint16
	ErrCode       uint16
	Data          []byte
}

// DpEventHookInterface - consumer of dataplane events. All events of one
// datapath are handled one at a time in arrival order
type DpEventHookInterface interface {
	DpOpened(dpid uint64)
	DpClosed(dpid uint64)
	DpPacketIn(ev *DpEvent)
	DpPortStatus(ev *DpEvent)
	DpFlowRemoved(ev *DpEvent)
	DpError(ev *DpEvent)
}

type dpEnt struct {
	dp   Datapath
	evCh chan *DpEvent
	done chan struct{}
}

// DpH - datapath registry context container
type DpH struct {
	mtx   sync.RWMutex
	dps   map[uint64]*dpEnt
	hooks DpEventHookInterface
	wg    sync.WaitGroup
}

// DpBrokerInit - initialize the datapath registry
func DpBrokerInit(hooks DpEventHookInterface) *DpH {
	nDp := new(DpH)
	nDp.dps = make(map[uint64]*dpEnt)
	nDp.hooks = hooks
	return nDp
}

// DpAdd - register an established datapath and spawn its event worker
func (dp *DpH) DpAdd(d Datapath) error {
	dp.mtx.Lock()
	defer dp.mtx.Unlock()

	dpid := d.DPID()
	if _, ok := dp.dps[dpid]; ok {
		return fmt.Errorf("datapath %016x: %w", dpid, ErrExists)
	}
	ent := &dpEnt{dp: d, evCh: make(chan *DpEvent, DpWorkQLen), done: make(chan struct{})}
	dp.dps[dpid] = ent
	ent.evCh <- &DpEvent{Work: DpOpen, Dpid: dpid}

	dp.wg.Add(1)
	go dp.dpWorker(ent)

	tk.LogIt(tk.LogInfo, "datapath %016x established\n", dpid)
	prometheus.DatapathsSet(len(dp.dps))
	return nil
}

// DpDel - unregister a datapath, its worker handles DpClose and exits
func (dp *DpH) DpDel(dpid uint64) error {
	dp.mtx.Lock()
	ent, ok := dp.dps[dpid]
	if !ok {
		dp.mtx.Unlock()
		return fmt.Errorf("datapath %016x: %w", dpid, ErrNotFound)
	}
	delete(dp.dps, dpid)
	prometheus.DatapathsSet(len(dp.dps))
	dp.mtx.Unlock()

	ent.evCh <- &DpEvent{Work: DpClose, Dpid: dpid}
	tk.LogIt(tk.LogInfo, "datapath %016x closed\n", dpid)
	return nil
}

// FindDpt - lookup an established datapath
func (dp *DpH) FindDpt(dpid uint64) (Datapath, error) {
	dp.mtx.RLock()
	defer dp.mtx.RUnlock()
	ent, ok := dp.dps[dpid]
	if !ok {
		return nil, fmt.Errorf("datapath %016x: %w", dpid, ErrNotFound)
	}
	return ent.dp, nil
}

// Dpids - all established datapaths
func (dp *DpH) Dpids() []uint64 {
	dp.mtx.RLock()
	defer dp.mtx.RUnlock()
	ids := make([]uint64, 0, len(dp.dps))
	for id := range dp.dps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DpEventPost - queue a dataplane event to the worker of its datapath
func (dp *DpH) DpEventPost(ev *DpEvent) error {
	dp.mtx.RLock()
	ent, ok := dp.dps[ev.Dpid]
	dp.mtx.RUnlock()
	if !ok {
		return fmt.Errorf("datapath %016x: %w", ev.Dpid, ErrNotFound)
	}
	ent.evCh <- ev
	return nil
}

// DpSend - send a message to a datapath. Fire and forget
func (dp *DpH) DpSend(dpid uint64, msg util.Message) error {
	d, err := dp.FindDpt(dpid)
	if err != nil {
		return err
	}
	if err := d.Send(msg); err != nil {
		return fmt.Errorf("datapath %016x send: %w", dpid, err)
	}
	switch m := msg.(type) {
	case *openflow13.FlowMod:
		prometheus.FlowModSent(ofdpa.FlowCmdName(m.Command))
	case *openflow13.GroupMod:
		prometheus.GroupModSent(ofdpa.GroupCmdName(m.Command))
	case *openflow13.PacketOut:
		prometheus.PacketOutSent()
	}
	return nil
}

// DpBarrier - send a barrier and block until it is acknowledged
func (dp *DpH) DpBarrier(dpid uint64) error {
	d, err := dp.FindDpt(dpid)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), DpBarrierTimeout)
	defer cancel()
	prometheus.BarrierSent()
	return d.Barrier(ctx)
}

// DpWaitAll - wait till all datapath workers are done
func (dp *DpH) DpWaitAll() {
	dp.wg.Wait()
}

// DpWorkSingle - routine to work on a single dp event
func DpWorkSingle(dp *DpH, ev *DpEvent) int {
	if dp.hooks == nil {
		return 0
	}
	switch ev.Work {
	case DpOpen:
		dp.hooks.DpOpened(ev.Dpid)
	case DpClose:
		dp.hooks.DpClosed(ev.Dpid)
	case DpPacketIn:
		prometheus.PacketInRcvd()
		dp.hooks.DpPacketIn(ev)
	case DpPortStatus:
		dp.hooks.DpPortStatus(ev)
	case DpFlowRemoved:
		dp.hooks.DpFlowRemoved(ev)
	case DpError:
		dp.hooks.DpError(ev)
	default:
		tk.LogIt(tk.LogError, "unexpected dp event %d\n", ev.Work)
		return DpWqUnkErr
	}
	return 0
}

// dpWorker - per datapath worker handling events to completion one at a time
func (dp *DpH) dpWorker(ent *dpEnt) {
	defer dp.wg.Done()
	defer close(ent.done)
	for ev := range ent.evCh {
		dp.dpWorkSafe(ev)
		if ev.Work == DpClose {
			return
		}
	}
}

func (dp *DpH) dpWorkSafe(ev *DpEvent) {
	// A failing handler must not take down the event stream
	defer func() {
		if e := recover(); e != nil {
			tk.LogIt(tk.LogCritical, "dp event %d: %s: %s", ev.Work, e, debug.Stack())
		}
	}()
	DpWorkSingle(dp, ev)
}
