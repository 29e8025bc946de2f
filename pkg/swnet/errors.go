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

	"github.com/loxilb-io/loxisw/pkg/ofdpa"
)

// error kinds shared by all subsystems
var (
	ErrNotFound    = errors.New("not found")
	ErrExists      = errors.New("already exists")
	ErrInvalidArg  = errors.New("invalid argument")
	ErrNoResource  = ofdpa.ErrNoResource
	ErrUnsupported = errors.New("unsupported")
	ErrNoDatapath  = errors.New("datapath not established")
	ErrTapNotFound = errors.New("tap device not found")
	ErrClosed      = errors.New("closed")
	ErrTimeout     = errors.New("timed out")
)

// errCode - map an error kind to the api return code of a subsystem
func errCode(err error, base int) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return base - 1
	case errors.Is(err, ErrExists):
		return base - 2
	case errors.Is(err, ErrInvalidArg):
		return base - 3
	case errors.Is(err, ErrNoResource):
		return base - 4
	case errors.Is(err, ErrUnsupported):
		return base - 5
	}
	return base - 10
}
