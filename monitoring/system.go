// Copyright 2022 The tickstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tickstream/common"
	"github.com/apex/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStatus point-in-time host resource reading
type HostStatus struct {
	// CPUPercent overall CPU utilization percentage
	CPUPercent float64 `json:"cpu_percent"`
	// MemoryUsedPercent system memory utilization percentage
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	// Goroutines current goroutine count
	Goroutines int `json:"goroutines"`
	// SampledAt when the reading was taken
	SampledAt time.Time `json:"sampled_at"`
}

// HostMonitor periodic sampler of host resource usage.
//
// One sampling loop serves all readers; readings are shared through a
// point-in-time snapshot rather than measured per caller.
type HostMonitor interface {
	// Status the most recent host reading
	Status() HostStatus
	// Stop stop the sampling loop
	Stop() error
}

// hostMonitorImpl implements HostMonitor
type hostMonitorImpl struct {
	goutils.Component
	timer  common.IntervalTimer
	lock   sync.RWMutex
	latest HostStatus
}

// GetHostMonitor define a host monitor sampling at the given interval
func GetHostMonitor(
	ctxt context.Context, wg *sync.WaitGroup, sampleInterval time.Duration,
) (HostMonitor, error) {
	logTags := log.Fields{
		"module": "monitoring", "component": "host-monitor",
	}
	timer, err := common.GetIntervalTimerInstance("host-monitor", ctxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sample timer")
		return nil, err
	}
	monitor := &hostMonitorImpl{
		Component: goutils.Component{LogTags: logTags},
		timer:     timer,
	}
	monitor.sample()
	if err := timer.Start(sampleInterval, monitor.sample, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start sample timer")
		return nil, err
	}
	return monitor, nil
}

// sample take one host resource reading
func (m *hostMonitorImpl) sample() error {
	reading := HostStatus{Goroutines: runtime.NumGoroutine(), SampledAt: time.Now()}

	if cpuPercents, err := cpu.Percent(0, false); err == nil && len(cpuPercents) > 0 {
		reading.CPUPercent = cpuPercents[0]
	} else if err != nil {
		log.WithError(err).WithFields(m.LogTags).Warn("CPU sample failed")
	}
	if memStats, err := mem.VirtualMemory(); err == nil {
		reading.MemoryUsedPercent = memStats.UsedPercent
	} else {
		log.WithError(err).WithFields(m.LogTags).Warn("Memory sample failed")
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	m.latest = reading
	return nil
}

// Status the most recent host reading
func (m *hostMonitorImpl) Status() HostStatus {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.latest
}

// Stop stop the sampling loop
func (m *hostMonitorImpl) Stop() error {
	return m.timer.Stop()
}
