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
	"strconv"
	"strings"

	tk "github.com/loxilb-io/loxilib"
)

// LogString2Level - Convert log level in string to LogLevelT
func LogString2Level(logStr string) tk.LogLevelT {
	logLevel := tk.LogDebug
	switch logStr {
	case "info":
		logLevel = tk.LogInfo
	case "error":
		logLevel = tk.LogError
	case "notice":
		logLevel = tk.LogNotice
	case "warning":
		logLevel = tk.LogWarning
	case "alert":
		logLevel = tk.LogAlert
	case "critical":
		logLevel = tk.LogCritical
	case "emergency":
		logLevel = tk.LogEmerg
	case "trace":
		logLevel = tk.LogTrace
	case "debug":
	default:
		logLevel = tk.LogDebug
	}
	return logLevel
}

// LogLevel2String - Convert LogLevelT to its string form
func LogLevel2String(level tk.LogLevelT) (string, bool) {
	switch level {
	case tk.LogTrace:
		return "trace", true
	case tk.LogDebug:
		return "debug", true
	case tk.LogInfo:
		return "info", true
	case tk.LogError:
		return "error", true
	case tk.LogNotice:
		return "notice", true
	case tk.LogWarning:
		return "warning", true
	case tk.LogAlert:
		return "alert", true
	case tk.LogCritical:
		return "critical", true
	case tk.LogEmerg:
		return "emergency", true
	}
	return "n/a", false
}

// PortSpec - a statically configured switch port
type PortSpec struct {
	Name   string
	Port   uint32
	Vid    uint16
	Tagged bool
	Hw     net.HardwareAddr
}

// ParsePortSpec - parse "name:port[:vid[:tagged]][@hwaddr]"
func ParsePortSpec(s string, defVid uint16) (PortSpec, error) {
	var ps PortSpec

	if at := strings.IndexByte(s, '@'); at >= 0 {
		hw, err := net.ParseMAC(s[at+1:])
		if err != nil {
			return ps, fmt.Errorf("port %q: %w", s, ErrInvalidArg)
		}
		ps.Hw = hw
		s = s[:at]
	}

	f := strings.Split(s, ":")
	if len(f) < 2 || len(f) > 4 || f[0] == "" {
		return ps, fmt.Errorf("port %q: %w", s, ErrInvalidArg)
	}
	ps.Name = f[0]

	port, err := strconv.ParseUint(f[1], 10, 32)
	if err != nil || port == 0 {
		return ps, fmt.Errorf("port %q: %w", s, ErrInvalidArg)
	}
	ps.Port = uint32(port)

	ps.Vid = defVid
	if len(f) > 2 {
		vid, err := strconv.ParseUint(f[2], 10, 16)
		if err != nil || vid == 0 || vid > BrMaxVid {
			return ps, fmt.Errorf("port %q: bad vid: %w", s, ErrInvalidArg)
		}
		ps.Vid = uint16(vid)
	}
	if len(f) > 3 {
		switch f[3] {
		case "tagged", "t":
			ps.Tagged = true
		case "untagged", "u":
		default:
			return ps, fmt.Errorf("port %q: bad mode: %w", s, ErrInvalidArg)
		}
	}
	return ps, nil
}
