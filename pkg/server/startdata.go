// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package server

import (
	"github.com/pkg/errors"

	"github.com/hightd/hightd-agent/pkg/driver"
)

// Core is the image-and-command recipe specializing a server for one
// application.
type Core struct {
	InstallScript  string                 `json:"installScript"`
	StartupCommand string                 `json:"startupCommand"`
	StopCommand    string                 `json:"stopCommand"`
	ConfigSystem   map[string]interface{} `json:"configSystem"`
	StartupParser  interface{}            `json:"startupParser"`
}

// StartData is the declarative start spec the panel sends per action.
type StartData struct {
	// Memory is the limit in MiB.
	Memory int64 `json:"memory"`
	// CPU is percent of one CPU times ten (1000 = one full CPU).
	CPU int64 `json:"cpu"`
	// Disk is the limit in MiB.
	Disk int64 `json:"disk"`

	Environment           map[string]string   `json:"environment"`
	PrimaryAllocation     driver.Allocation   `json:"primaryAllocation"`
	AdditionalAllocations []driver.Allocation `json:"additionalAllocation"`
	Image                 string              `json:"image"`
	Core                  Core                `json:"core"`
}

// Validate checks the fields a start action cannot do without.
func (s *StartData) Validate() error {
	switch {
	case s.Image == "":
		return errors.New("start data field image is required")
	case s.Core.StartupCommand == "":
		return errors.New("start data field core.startupCommand is required")
	case s.PrimaryAllocation.Port <= 0:
		return errors.New("start data field primaryAllocation is required")
	}
	return nil
}

// Allocations returns the primary allocation followed by the additional
// ones.
func (s *StartData) Allocations() []driver.Allocation {
	out := make([]driver.Allocation, 0, 1+len(s.AdditionalAllocations))
	out = append(out, s.PrimaryAllocation)
	out = append(out, s.AdditionalAllocations...)
	return out
}
