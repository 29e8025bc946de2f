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
	"sort"
	"sync"

	tk "github.com/loxilb-io/loxilib"

	utils "github.com/loxilb-io/loxisw/pkg/utils"
)

// constants
const (
	TapMaxSlots = 1024
)

// TapDev - a user-space network interface used for local packet
// injection and exfiltration
type TapDev interface {
	Name() string
	Open(hw net.HardwareAddr) error
	Close() error
	Enable() error
	Disable() error
	Write(frame []byte) error
	SetHwAddr(hw net.HardwareAddr) error
}

// TapRxFunc - called for every frame the host stack sends out of a tap
type TapRxFunc func(frame []byte)

// TapFactory - creates an unopened tap device
type TapFactory func(name string, rx TapRxFunc) TapDev

type tapEnt struct {
	slot uint64
	dev  TapDev
}

// TapManager - registry of tap devices by device name
type TapManager struct {
	mtx    sync.Mutex
	slots  *utils.Marker
	devs   map[string]*tapEnt
	newTap TapFactory
}

// TapManagerInit - Initialize the tap registry
func TapManagerInit(factory TapFactory) *TapManager {
	tm := new(TapManager)
	tm.slots = utils.NewMarker(0, TapMaxSlots)
	tm.devs = make(map[string]*tapEnt)
	tm.newTap = factory
	return tm
}

// Create - create and open a tap named name. On failure nothing is kept
func (tm *TapManager) Create(name string, hw net.HardwareAddr, rx TapRxFunc) (TapDev, error) {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()

	if _, ok := tm.devs[name]; ok {
		return nil, fmt.Errorf("tap %s: %w", name, ErrExists)
	}

	slot, err := tm.slots.GetMarker()
	if err != nil {
		return nil, fmt.Errorf("tap %s: %w", name, ErrNoResource)
	}

	dev := tm.newTap(name, rx)
	if err := dev.Open(hw); err != nil {
		tm.slots.ReleaseMarker(slot)
		tk.LogIt(tk.LogError, "tap %s open failed %v\n", name, err)
		return nil, err
	}

	tm.devs[name] = &tapEnt{slot: slot, dev: dev}
	tk.LogIt(tk.LogInfo, "tap %s created slot %d\n", name, slot)
	return dev, nil
}

// Find - lookup a tap by name
func (tm *TapManager) Find(name string) (TapDev, error) {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	ent, ok := tm.devs[name]
	if !ok {
		return nil, fmt.Errorf("tap %s: %w", name, ErrTapNotFound)
	}
	return ent.dev, nil
}

// Slot - slot of a tap
func (tm *TapManager) Slot(name string) (uint64, error) {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	ent, ok := tm.devs[name]
	if !ok {
		return 0, fmt.Errorf("tap %s: %w", name, ErrTapNotFound)
	}
	return ent.slot, nil
}

// Destroy - close a tap and free its slot
func (tm *TapManager) Destroy(name string) error {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()

	ent, ok := tm.devs[name]
	if !ok {
		return fmt.Errorf("tap %s: %w", name, ErrTapNotFound)
	}
	delete(tm.devs, name)
	if err := ent.dev.Close(); err != nil {
		tk.LogIt(tk.LogError, "tap %s close failed %v\n", name, err)
	}
	tm.slots.ReleaseMarker(ent.slot)
	tk.LogIt(tk.LogInfo, "tap %s destroyed\n", name)
	return nil
}

// Names - sorted names of all taps
func (tm *TapManager) Names() []string {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	names := make([]string, 0, len(tm.devs))
	for n := range tm.devs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DestroyAll - close every tap
func (tm *TapManager) DestroyAll() {
	for _, n := range tm.Names() {
		tm.Destroy(n)
	}
}
