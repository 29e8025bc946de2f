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

	prometheus "github.com/loxilb-io/loxisw/api/prometheus"
	cmn "github.com/loxilb-io/loxisw/common"
	opts "github.com/loxilb-io/loxisw/options"
)

// error codes
const (
	RtErrBase = iota - 2000
	ParamErrBase
)

// This file implements interface defined in cmn.NetHookInterface
// The implementation is thread-safe and can be called by multiple-clients at once.
// Mirror updates are serialized per ifindex by RtLinksH and do not take sw.mtx

// NetAPIStruct - anchor for client routines
type NetAPIStruct struct {
	sw *SwNetH
}

// NetAPIInit - Initialize a new instance of NetAPI
func NetAPIInit(sw *SwNetH) *NetAPIStruct {
	na := new(NetAPIStruct)
	na.sw = sw
	return na
}

// NetLinkAdd - Add or update a link in the mirror
func (na *NetAPIStruct) NetLinkAdd(lm *cmn.LinkMod) (int, error) {
	_, err := na.sw.rl.AddLink(lm)
	return errCode(err, RtErrBase), err
}

// NetLinkDel - Delete a link and everything it owns from the mirror
func (na *NetAPIStruct) NetLinkDel(lm *cmn.LinkMod) (int, error) {
	if lm == nil {
		return errCode(ErrInvalidArg, RtErrBase), ErrInvalidArg
	}
	na.sw.rl.DropLink(lm.Index)
	return 0, nil
}

// NetAddrAdd - Add or update an address in the mirror
func (na *NetAPIStruct) NetAddrAdd(am *cmn.AddrMod) (int, error) {
	_, err := na.sw.rl.AddAddr(am)
	return errCode(err, RtErrBase), err
}

// NetAddrDel - Delete an address from the mirror
func (na *NetAPIStruct) NetAddrDel(am *cmn.AddrMod) (int, error) {
	if am == nil {
		return errCode(ErrInvalidArg, RtErrBase), ErrInvalidArg
	}
	na.sw.rl.DropAddr(am.LinkIndex, am.AdIndex)
	return 0, nil
}

// NetNeighAdd - Add or update a neighbor in the mirror
func (na *NetAPIStruct) NetNeighAdd(nm *cmn.NeighMod) (int, error) {
	_, err := na.sw.rl.AddNeigh(nm)
	return errCode(err, RtErrBase), err
}

// NetNeighDel - Delete a neighbor from the mirror
func (na *NetAPIStruct) NetNeighDel(nm *cmn.NeighMod) (int, error) {
	if nm == nil {
		return errCode(ErrInvalidArg, RtErrBase), ErrInvalidArg
	}
	na.sw.rl.DropNeigh(nm.LinkIndex, nm.NbIndex)
	return 0, nil
}

// NetRouteAdd - Record a route
func (na *NetAPIStruct) NetRouteAdd(rm *cmn.RouteMod) (int, error) {
	err := na.sw.rl.AddRoute(rm)
	return errCode(err, RtErrBase), err
}

// NetRouteDel - Forget a route
func (na *NetAPIStruct) NetRouteDel(rm *cmn.RouteMod) (int, error) {
	err := na.sw.rl.DropRoute(rm)
	return errCode(err, RtErrBase), err
}

// NetFibGet - Get all learnt stations
func (na *NetAPIStruct) NetFibGet() ([]cmn.FibEntMod, error) {
	// There is no locking requirement for this operation
	return na.sw.fib.FibGet(), nil
}

// NetParamSet - Set runtime params
func (na *NetAPIStruct) NetParamSet(param cmn.ParamMod) (int, error) {
	na.sw.mtx.Lock()
	defer na.sw.mtx.Unlock()

	if param.LogLevel != "" {
		na.sw.ParamSet(param)
	}

	var err error
	switch param.Prometheus {
	case "":
	case "on":
		err = prometheus.TurnOn()
	case "off":
		err = prometheus.Off()
	default:
		err = ErrInvalidArg
	}
	if err != nil {
		return ParamErrBase, err
	}
	return 0, nil
}

// NetParamGet - Get runtime params
func (na *NetAPIStruct) NetParamGet(param *cmn.ParamMod) (int, error) {
	if param == nil {
		return ParamErrBase, ErrInvalidArg
	}
	na.sw.mtx.RLock()
	defer na.sw.mtx.RUnlock()

	param.Prometheus = "off"
	if opts.Opts.Prometheus {
		param.Prometheus = "on"
	}
	if _, err := na.sw.ParamGet(param); err != nil {
		return ParamErrBase, errors.New("unknown log level")
	}
	return 0, nil
}
