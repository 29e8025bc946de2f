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

package prometheus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	oaerrors "github.com/go-openapi/errors"
	"github.com/loxilb-io/loxisw/options"

	cmn "github.com/loxilb-io/loxisw/common"
	tk "github.com/loxilb-io/loxilib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var (
	hooks                  cmn.NetHookInterface
	FibInfo                []cmn.FibEntMod
	mutex                  = &sync.Mutex{}
	PromethusDefaultPeriod = 10 * time.Second
	prometheusCtx          context.Context
	prometheusCancel       context.CancelFunc
	datapathCount          = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "datapath_count",
			Help: "The number of established openflow datapaths.",
		},
	)
	flowModSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_mod_sent",
			Help: "The total number of flow mods sent by command.",
		},
		[]string{"command"},
	)
	groupModSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "group_mod_sent",
			Help: "The total number of group mods sent by command.",
		},
		[]string{"command"},
	)
	packetOutSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "packet_out_sent",
			Help: "The total number of frames sent out of switch ports.",
		},
	)
	packetInRcvd = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "packet_in_rcvd",
			Help: "The total number of frames punted by switches.",
		},
	)
	barrierSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "barrier_sent",
			Help: "The total number of barriers sent.",
		},
	)
	fibLearned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fib_learned",
			Help: "The total number of stations learnt.",
		},
	)
	fibExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fib_expired",
			Help: "The total number of stations aged out.",
		},
	)
	fibEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fib_entries",
			Help: "The number of currently learnt stations.",
		},
	)
	fibEntriesPerVlan = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fib_entries_per_vlan",
			Help: "The number of learnt stations per vlan.",
		},
		[]string{"vid"},
	)
	groupIdsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flood_group_ids_in_use",
			Help: "The number of allocated flood group ids.",
		},
	)
	unsupportedVlanUpdate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unsupported_vlan_update",
			Help: "The total number of bridge vlan changes that could not be applied.",
		},
	)
	tapDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tap_drops",
			Help: "The total number of host frames dropped without a datapath.",
		},
	)
)

func PrometheusRegister(hook cmn.NetHookInterface) {
	hooks = hook
}

// DatapathsSet - number of established datapaths
func DatapathsSet(n int) {
	datapathCount.Set(float64(n))
}

// FlowModSent - count a flow mod by command
func FlowModSent(cmd string) {
	flowModSent.WithLabelValues(cmd).Inc()
}

// GroupModSent - count a group mod by command
func GroupModSent(cmd string) {
	groupModSent.WithLabelValues(cmd).Inc()
}

func PacketOutSent() {
	packetOutSent.Inc()
}

func PacketInRcvd() {
	packetInRcvd.Inc()
}

func BarrierSent() {
	barrierSent.Inc()
}

func FibLearned() {
	fibLearned.Inc()
}

func FibExpired() {
	fibExpired.Inc()
}

// FibEntriesAdd - adjust the learnt station gauge
func FibEntriesAdd(n int) {
	fibEntries.Add(float64(n))
}

func GroupIdsInUse(n int) {
	groupIdsInUse.Set(float64(n))
}

func UnsupportedVlanUpdate() {
	unsupportedVlanUpdate.Inc()
}

func TapDrops() {
	tapDrops.Inc()
}

// Snapshot - current values of the switch counters
func Snapshot() map[string]float64 {
	res := make(map[string]float64)
	metrics := map[string]prometheus.Metric{
		"datapath_count":          datapathCount,
		"packet_out_sent":         packetOutSent,
		"packet_in_rcvd":          packetInRcvd,
		"barrier_sent":            barrierSent,
		"fib_learned":             fibLearned,
		"fib_expired":             fibExpired,
		"fib_entries":             fibEntries,
		"flood_group_ids_in_use":  groupIdsInUse,
		"unsupported_vlan_update": unsupportedVlanUpdate,
		"tap_drops":               tapDrops,
	}
	for name, m := range metrics {
		v := &dto.Metric{}
		if err := m.Write(v); err != nil {
			tk.LogIt(tk.LogDebug, "[Prometheus] Error occurred while reading %s: %v\n", name, err)
			continue
		}
		switch {
		case v.Counter != nil:
			res[name] = v.Counter.GetValue()
		case v.Gauge != nil:
			res[name] = v.Gauge.GetValue()
		}
	}
	return res
}

func Init() {
	prometheusCtx, prometheusCancel = context.WithCancel(context.Background())

	go RunGetFib(prometheusCtx)
}

// Serve - expose the registry over http till ctx is done
func Serve(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	tk.LogIt(tk.LogInfo, "[Prometheus] serving on %s\n", listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("prometheus listen %s: %w", listen, err)
	}
	return nil
}

func Off() error {
	if !options.Opts.Prometheus {
		return oaerrors.New(http.StatusBadRequest, "already prometheus turned off")
	}
	options.Opts.Prometheus = false
	if prometheusCancel != nil {
		prometheusCancel()
	}
	return nil
}

func TurnOn() error {
	if options.Opts.Prometheus {
		return oaerrors.New(http.StatusBadRequest, "already prometheus turned on")
	}
	options.Opts.Prometheus = true
	Init()
	return nil
}

func RunGetFib(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if hooks != nil {
			info, err := hooks.NetFibGet()
			if err != nil {
				tk.LogIt(tk.LogDebug, "[Prometheus] Error occurred while getting fib info: %v\n", err)
			} else {
				mutex.Lock()
				FibInfo = info
				mutex.Unlock()
				fibVlanCount(info)
			}
		}

		time.Sleep(PromethusDefaultPeriod)
	}
}

func fibVlanCount(info []cmn.FibEntMod) {
	perVid := make(map[uint16]int)
	for _, e := range info {
		perVid[e.Vid]++
	}

	fibEntriesPerVlan.Reset()
	for vid, n := range perVid {
		fibEntriesPerVlan.WithLabelValues(strconv.Itoa(int(vid))).Set(float64(n))
	}
}
