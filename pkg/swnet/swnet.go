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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"runtime/pprof"
	"sync"
	"syscall"
	"time"

	tk "github.com/loxilb-io/loxilib"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	nlp "github.com/loxilb-io/loxisw/api/loxinlp"
	prometheus "github.com/loxilb-io/loxisw/api/prometheus"
	cmn "github.com/loxilb-io/loxisw/common"
	opts "github.com/loxilb-io/loxisw/options"
	"github.com/loxilb-io/loxisw/pkg/ofdpa"
	utils "github.com/loxilb-io/loxisw/pkg/utils"
)

// constants
const (
	SwNetTiVal = 10
)

var errShutdown = errors.New("shutdown")

// SwConfig - static configuration of the switch core
type SwConfig struct {
	Ports           []PortSpec
	DefaultVid      uint16
	Bridge          string
	IngressFiltered bool
	EgressFiltered  bool
	FibIdle         time.Duration
	Fib             FibTables
	Dpt             DptTables
	Ofdpa           ofdpa.Tables
	Clock           clock.WithDelayedExecution
	Taps            TapFactory
}

// SwNetH - root context of the switch core
type SwNetH struct {
	mtx    sync.RWMutex
	cfg    SwConfig
	rl     *RtLinksH
	dp     *DpH
	of     *OfCtrl
	tm     *TapManager
	fib    *FibH
	dpt    *DptLinksH
	br     *BridgeH
	logger *tk.Logger
	ticker *time.Ticker
	sigCh  chan os.Signal
	ready  bool
	pFile  *os.File
}

// SwNetNew - build the subsystems of the switch core and wire them up
func SwNetNew(cfg SwConfig) *SwNetH {
	sw := new(SwNetH)
	sw.cfg = cfg
	if sw.cfg.DefaultVid == 0 {
		sw.cfg.DefaultVid = 1
	}

	sw.rl = RtLinksInit()
	sw.dp = DpBrokerInit(sw)
	if cfg.Taps != nil {
		sw.tm = TapManagerInit(cfg.Taps)
	}
	sw.fib = FibInit(sw.dp, cfg.Clock, cfg.FibIdle, cfg.Fib)
	sw.dpt = DptLinksInit(sw.rl, sw.dp, sw.tm, sw.fib, cfg.Dpt)

	if cfg.Bridge != "" {
		sw.br = BridgeInit(sw.rl, sw.dpt, cfg.Bridge, cfg.IngressFiltered, cfg.EgressFiltered)
		if err := sw.rl.RtNotifierRegister("bridge-"+cfg.Bridge, sw.br); err != nil {
			tk.LogIt(tk.LogError, "swnet: bridge notifier %v\n", err)
		}
	}
	return sw
}

// ParamSet - Set swnet params
func (sw *SwNetH) ParamSet(param cmn.ParamMod) (int, error) {
	logLevel := LogString2Level(param.LogLevel)

	if sw.logger != nil {
		sw.logger.LogItSetLevel(logLevel)
	}
	return 0, nil
}

// ParamGet - Get swnet params
func (sw *SwNetH) ParamGet(param *cmn.ParamMod) (int, error) {
	if sw.logger == nil {
		param.LogLevel = "n/a"
		return -1, errors.New("no logger")
	}
	logLevel, ok := LogLevel2String(sw.logger.CurrLogLevel)
	param.LogLevel = logLevel
	if !ok {
		return -1, errors.New("unknown log level")
	}
	return 0, nil
}

// DpOpened - DpEventHookInterface implementation. Configured ports are
// attached and the bridge is bound to the first datapath
func (sw *SwNetH) DpOpened(dpid uint64) {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()

	for _, ps := range sw.cfg.Ports {
		dl, err := sw.portAdd(dpid, ps)
		if err != nil {
			tk.LogIt(tk.LogError, "swnet: port %s:%d on %016x %v\n", ps.Name, ps.Port, dpid, err)
			continue
		}
		dl.Attach(dpid)
	}

	if sw.br != nil {
		if _, bound := sw.br.Dpid(); !bound {
			sw.br.SetDriver(ofdpa.NewDriver(sw.dp, dpid, sw.cfg.Ofdpa))
		}
	}
}

func (sw *SwNetH) portAdd(dpid uint64, ps PortSpec) (*DptLink, error) {
	if dl, err := sw.dpt.DptLinkFind(dpid, ps.Port); err == nil {
		return dl, nil
	}
	hw := ps.Hw
	if hw == nil {
		var err error
		if hw, err = utils.GenerateRandomMAC(); err != nil {
			return nil, err
		}
	}
	return sw.dpt.DptLinkAdd(dpid, ps.Port, ps.Name, hw, ps.Vid, ps.Tagged)
}

// DpClosed - DpEventHookInterface implementation. Hardware state of the
// datapath is forgotten but kernel derived state stays cached
func (sw *SwNetH) DpClosed(dpid uint64) {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()

	for _, dl := range sw.dpt.DptLinksOf(dpid) {
		dl.Detach(dpid)
	}
	sw.fib.FibDelDpid(dpid)

	if sw.br != nil {
		if bdpid, bound := sw.br.Dpid(); bound && bdpid == dpid {
			sw.br.SetDriver(nil)
		}
	}
}

// DpPacketIn - DpEventHookInterface implementation
func (sw *SwNetH) DpPacketIn(ev *DpEvent) {
	if ev.TableID == sw.cfg.Fib.Src || ev.TableID == sw.cfg.Fib.Dst {
		if err := sw.fib.FibPacketIn(ev.Dpid, ev.TableID, ev.InPort, ev.Data); err != nil {
			tk.LogIt(tk.LogDebug, "swnet: fib packet-in %016x:%d %v\n", ev.Dpid, ev.InPort, err)
		}
		return
	}

	dl, err := sw.dpt.DptLinkFind(ev.Dpid, ev.InPort)
	if err != nil {
		tk.LogIt(tk.LogDebug, "swnet: packet-in %v\n", err)
		return
	}
	if err := dl.HandlePacketIn(ev.Data); err != nil {
		tk.LogIt(tk.LogError, "swnet: packet-in %016x:%d %v\n", ev.Dpid, ev.InPort, err)
	}
}

// DpPortStatus - DpEventHookInterface implementation
func (sw *SwNetH) DpPortStatus(ev *DpEvent) {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()

	switch ev.PortReason {
	case OfPortReasonAdd:
		if ev.PortName == "" {
			return
		}
		dl, err := sw.portAdd(ev.Dpid, PortSpec{Name: ev.PortName, Port: ev.PortNo,
			Vid: sw.cfg.DefaultVid})
		if err != nil {
			tk.LogIt(tk.LogError, "swnet: port %s:%d on %016x %v\n", ev.PortName, ev.PortNo, ev.Dpid, err)
			return
		}
		dl.HandlePortStatus(ev.Dpid, ev.PortCfg, ev.PortState)
	case OfPortReasonDelete:
		if err := sw.dpt.DptLinkDel(ev.Dpid, ev.PortNo); err != nil {
			tk.LogIt(tk.LogDebug, "swnet: port delete %v\n", err)
		}
	case OfPortReasonModify:
		dl, err := sw.dpt.DptLinkFind(ev.Dpid, ev.PortNo)
		if err != nil {
			tk.LogIt(tk.LogDebug, "swnet: port modify %v\n", err)
			return
		}
		dl.HandlePortStatus(ev.Dpid, ev.PortCfg, ev.PortState)
	default:
		tk.LogIt(tk.LogError, "swnet: port %d unknown reason %d\n", ev.PortNo, ev.PortReason)
	}
}

// DpFlowRemoved - DpEventHookInterface implementation
func (sw *SwNetH) DpFlowRemoved(ev *DpEvent) {
	for _, dl := range sw.dpt.DptLinksOf(ev.Dpid) {
		if dl.HandleFlowRemoved(ev.Cookie, ev.FlowRemReason) {
			return
		}
	}
	tk.LogIt(tk.LogDebug, "swnet: flow-removed cookie %x table %d not owned\n", ev.Cookie, ev.TableID)
}

// DpError - DpEventHookInterface implementation
func (sw *SwNetH) DpError(ev *DpEvent) {
	for _, dl := range sw.dpt.DptLinksOf(ev.Dpid) {
		dl.HandleError(ev.ErrType, ev.ErrCode)
	}
}

// Shutdown - withdraw everything programmed and release local devices
func (sw *SwNetH) Shutdown() {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()

	sw.dpt.DptLinksCloseAll()
	sw.fib.FibDestroyAll()
	if sw.br != nil {
		sw.br.SetDriver(nil)
	}
	if sw.tm != nil {
		sw.tm.DestroyAll()
	}
	sw.ready = false
}

// swNetTicker - this ticker routine runs every SwNetTiVal seconds
func (sw *SwNetH) swNetTicker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sw.sigCh:
			if sig == syscall.SIGCHLD {
				var ws syscall.WaitStatus
				var ru syscall.Rusage
				wpid := 1
				try := 0
				for wpid >= 0 && try < 100 {
					wpid, _ = syscall.Wait4(-1, &ws, syscall.WNOHANG, &ru)
					try++
				}
			} else if sig == syscall.SIGHUP {
				tk.LogIt(tk.LogCritical, "SIGHUP received\n")
				pprof.StopCPUProfile()
			} else if sig == syscall.SIGUSR1 {
				toggle := "on"
				if opts.Opts.Prometheus {
					toggle = "off"
				}
				if _, err := NetAPIInit(sw).NetParamSet(cmn.ParamMod{Prometheus: toggle}); err != nil {
					tk.LogIt(tk.LogError, "prometheus %s: %v\n", toggle, err)
				}
			} else if sig == syscall.SIGINT || sig == syscall.SIGTERM {
				tk.LogIt(tk.LogCritical, "Shutdown on sig %v\n", sig)
				return errShutdown
			}
		case t := <-sw.ticker.C:
			tk.LogIt(-1, "Tick at %v\n", t)
			tk.LogIt(tk.LogDebug, "swnet: dps %v fibs %d stats %v\n", sw.dp.Dpids(),
				len(sw.fib.Keys()), prometheus.Snapshot())
		}
	}
}

func sysctlInit() {
	sysctls := []struct{ path, val string }{
		{"/proc/sys/net/ipv4/conf/all/arp_accept", "1"},
		{"/proc/sys/net/ipv4/conf/default/arp_accept", "1"},
		{"/proc/sys/net/ipv6/conf/default/accept_dad", "0"},
	}
	for _, s := range sysctls {
		if !utils.FileExists(s.path) {
			continue
		}
		if err := utils.WriteFile(s.path, s.val); err != nil {
			tk.LogIt(tk.LogWarning, "sysctl %s: %v\n", s.path, err)
		}
	}
}

func swNetConfig() SwConfig {
	cfg := SwConfig{
		DefaultVid:      opts.Opts.DefaultVid,
		IngressFiltered: !opts.Opts.NoIngressFilter,
		EgressFiltered:  opts.Opts.EgressFiltered,
		FibIdle:         time.Duration(opts.Opts.FibIdle) * time.Second,
		Fib:             FibTables{Src: opts.Opts.TableSrc, Dst: opts.Opts.TableDst},
		Dpt:             DptTables{Local: opts.Opts.TableLocal, Neigh: opts.Opts.TableNeigh},
		Ofdpa: ofdpa.Tables{Vlan: opts.Opts.TableVlan, TermMac: opts.Opts.TableTermMac,
			Bridging: opts.Opts.TableBridging, Acl: opts.Opts.TableAcl},
		Clock: clock.RealClock{},
		Taps:  NewNlTap,
	}
	if opts.Opts.Bridge != "none" {
		cfg.Bridge = opts.Opts.Bridge
	}
	for _, p := range opts.Opts.Ports {
		ps, err := ParsePortSpec(p, opts.Opts.DefaultVid)
		if err != nil {
			tk.LogIt(tk.LogError, "swnet: %v\n", err)
			continue
		}
		cfg.Ports = append(cfg.Ports, ps)
	}
	return cfg
}

func swNetInit() *SwNetH {
	// Initialize logger and specify the log file
	logLevel := LogString2Level(opts.Opts.LogLevel)
	logger := tk.LogItInit(string(opts.Opts.LogFile), logLevel, true)

	// Taps need the tun device node
	if err := utils.MkTunFsIfNotExist(); err != nil {
		tk.LogIt(tk.LogError, "tun device %v\n", err)
	}
	sysctlInit()

	sw := SwNetNew(swNetConfig())
	sw.logger = logger
	sw.of = OfCtrlInit(sw.dp, opts.Opts.OfListen)

	sw.sigCh = make(chan os.Signal, 5)
	signal.Notify(sw.sigCh, os.Interrupt, syscall.SIGCHLD, syscall.SIGHUP, syscall.SIGUSR1,
		syscall.SIGINT, syscall.SIGTERM)

	// Check if profiling is enabled
	if opts.Opts.CPUProfile != "none" {
		var err error
		sw.pFile, err = os.Create(opts.Opts.CPUProfile)
		if err != nil {
			tk.LogIt(tk.LogNotice, "profile file create failed\n")
		} else if err = pprof.StartCPUProfile(sw.pFile); err != nil {
			tk.LogIt(tk.LogNotice, "CPU profiler start failed\n")
		}
	}

	// Initialize the nlp subsystem
	if !opts.Opts.NoNlp {
		nlp.NlpRegister(NetAPIInit(sw))
		nlp.NlpInit()
	}

	// Initialize the Prometheus subsystem
	if opts.Opts.Prometheus {
		prometheus.PrometheusRegister(NetAPIInit(sw))
		prometheus.Init()
	}

	sw.ticker = time.NewTicker(SwNetTiVal * time.Second)
	sw.ready = true
	return sw
}

// swNetRun - runs the background subsystems till one of them fails or
// the process is told to stop
func swNetRun(sw *SwNetH) {
	// Stack trace logger
	defer func() {
		if e := recover(); e != nil {
			tk.LogIt(tk.LogCritical, "%s: %s", e, debug.Stack())
			sw.Shutdown()
			os.Exit(1)
		}
	}()

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return sw.of.Run(ctx)
	})
	if opts.Opts.Prometheus {
		g.Go(func() error {
			return prometheus.Serve(ctx, opts.Opts.PromListen)
		})
	}
	g.Go(func() error {
		return sw.swNetTicker(ctx)
	})

	err := g.Wait()
	sw.ticker.Stop()
	sw.Shutdown()
	pprof.StopCPUProfile()

	if err != nil && !errors.Is(err, errShutdown) {
		fmt.Fprintf(os.Stderr, "loxisw: %v\n", err)
		tk.LogIt(tk.LogCritical, "swnet: %v\n", err)
		os.Exit(1)
	}
}

// Main -  main routine of swnet
func Main() {
	sw := swNetInit()
	swNetRun(sw)
}
