// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"github.com/shirou/gopsutil/v3/host"
)

// Descriptor is the machine identity sent in REGISTER.
type Descriptor struct {
	Hostname string
	Machine string
	System string
	Release string
}

// CollectDescriptor reads the local machine descriptor via gopsutil, falling
// back to an "unknown"-filled descriptor if host info is unavailable so
// registration can still proceed.
func CollectDescriptor(nameOverride string) Descriptor {
	d := Descriptor{Hostname: "unknown", Machine: "unknown", System: "unknown", Release: "unknown"}

	if info, err := host.Info(); err == nil {
		d.Hostname = info.Hostname
		d.System = info.OS
		d.Release = info.PlatformVersion
		d.Machine = info.KernelArch
	}

	if nameOverride != "" {
		d.Hostname = nameOverride
	}
	return d
}
