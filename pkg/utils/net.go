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

package utils

import (
	"crypto/rand"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// MkTunFsIfNotExist - make sure /dev/net/tun is usable for tap creation
func MkTunFsIfNotExist() error {
	tunPath := "/dev/net"
	tunFile := "/dev/net/tun"
	if _, err := os.Stat(tunPath); os.IsNotExist(err) {
		if err := os.MkdirAll(tunPath, 0751); err != nil {
			return err
		}
	}

	if _, err := os.Stat(tunFile); os.IsNotExist(err) {
		dev := unix.Mkdev(10, 200)
		if err := unix.Mknod(tunFile, 0600|unix.S_IFCHR, int(dev)); err != nil {
			return err
		}
	}
	return nil
}

// GenerateRandomMAC - a random locally administered unicast mac
func GenerateRandomMAC() (net.HardwareAddr, error) {
	mac := make([]byte, 6)
	_, err := rand.Read(mac)
	if err != nil {
		return nil, err
	}

	mac[0] |= 0x02
	mac[0] &= 0xfe

	return net.HardwareAddr(mac), nil
}

// MacIsMulticast - group bit set, covers broadcast too
func MacIsMulticast(mac net.HardwareAddr) bool {
	return len(mac) > 0 && mac[0]&0x01 == 0x01
}

// MacIsZero - all zero mac
func MacIsZero(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}

// MacToKey - mac as a comparable array
func MacToKey(mac net.HardwareAddr) [6]byte {
	var k [6]byte
	copy(k[:], mac)
	return k
}
