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
	"net"
	"os"
	"sync"
	"sync/atomic"

	tk "github.com/loxilb-io/loxilib"
	nlp "github.com/vishvananda/netlink"

	utils "github.com/loxilb-io/loxisw/pkg/utils"
)

const (
	tapMaxFrame = 9216 + 18
)

// nlTap - a tap device created with netlink
type nlTap struct {
	name    string
	rx      TapRxFunc
	mtx     sync.Mutex
	link    *nlp.Tuntap
	fd      *os.File
	enabled atomic.Bool
	wg      sync.WaitGroup
}

// NewNlTap - TapFactory for netlink backed taps
func NewNlTap(name string, rx TapRxFunc) TapDev {
	return &nlTap{name: name, rx: rx}
}

func (t *nlTap) Name() string {
	return t.name
}

func (t *nlTap) Open(hw net.HardwareAddr) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.link != nil {
		return nil
	}
	if err := utils.MkTunFsIfNotExist(); err != nil {
		return err
	}

	link := &nlp.Tuntap{
		LinkAttrs:  nlp.LinkAttrs{Name: t.name},
		Mode:       nlp.TUNTAP_MODE_TAP,
		Flags:      nlp.TUNTAP_NO_PI,
		NonPersist: true,
		Queues:     1,
	}
	if err := nlp.LinkAdd(link); err != nil {
		return err
	}
	if len(link.Fds) == 0 {
		nlp.LinkDel(link)
		return errors.New("tap queue missing")
	}
	if len(hw) == 6 {
		if err := nlp.LinkSetHardwareAddr(link, hw); err != nil {
			tk.LogIt(tk.LogError, "tap %s hwaddr %s failed %v\n", t.name, hw, err)
		}
	}

	t.link = link
	t.fd = link.Fds[0]
	t.wg.Add(1)
	go t.readLoop(t.fd)
	return nil
}

func (t *nlTap) readLoop(fd *os.File) {
	defer t.wg.Done()
	buf := make([]byte, tapMaxFrame)
	for {
		n, err := fd.Read(buf)
		if err != nil {
			return
		}
		if !t.enabled.Load() || t.rx == nil {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		t.rx(frame)
	}
}

func (t *nlTap) Close() error {
	t.mtx.Lock()
	link, fd := t.link, t.fd
	t.link, t.fd = nil, nil
	t.mtx.Unlock()

	if link == nil {
		return nil
	}
	t.enabled.Store(false)
	fd.Close()
	t.wg.Wait()
	return nlp.LinkDel(link)
}

func (t *nlTap) Enable() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.link == nil {
		return ErrTapNotFound
	}
	t.enabled.Store(true)
	return nlp.LinkSetUp(t.link)
}

func (t *nlTap) Disable() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.link == nil {
		return ErrTapNotFound
	}
	t.enabled.Store(false)
	return nlp.LinkSetDown(t.link)
}

func (t *nlTap) Write(frame []byte) error {
	t.mtx.Lock()
	fd := t.fd
	t.mtx.Unlock()
	if fd == nil {
		return ErrTapNotFound
	}
	if !t.enabled.Load() {
		return nil
	}
	_, err := fd.Write(frame)
	return err
}

func (t *nlTap) SetHwAddr(hw net.HardwareAddr) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.link == nil {
		return ErrTapNotFound
	}
	return nlp.LinkSetHardwareAddr(t.link, hw)
}
