package resource

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Sampler produces resource samples. The interface exists so tests can drive
// the controller with scripted load.
type Sampler interface {
	Sample() (Sample, error)
}

// procSampler reads process CPU time and resident memory from /proc.
// CPU usage is the delta of process jiffies over the delta of wall time,
// normalised by core count.
type procSampler struct {
	lastCPUTime time.Duration
	lastTaken   time.Time
	clockTick   float64
}

// NewProcSampler returns the /proc based sampler used on Linux. The first
// Sample call reports zero CPU; usage needs two readings.
func NewProcSampler() Sampler {
	return &procSampler{clockTick: 100} // USER_HZ is 100 on every mainstream kernel
}

func (p *procSampler) Sample() (Sample, error) {
	now := time.Now()
	s := Sample{Taken: now}

	cpuTime, err := p.processCPUTime()
	if err != nil {
		return s, err
	}
	if !p.lastTaken.IsZero() {
		wall := now.Sub(p.lastTaken)
		if wall > 0 {
			cores := float64(runtime.NumCPU())
			s.CPUFraction = float64(cpuTime-p.lastCPUTime) / float64(wall) / cores
			if s.CPUFraction < 0 {
				s.CPUFraction = 0
			}
		}
	}
	p.lastCPUTime = cpuTime
	p.lastTaken = now

	mem, err := residentMemoryMb()
	if err != nil {
		// Memory readout failing should not kill sampling; fall back to
		// the Go heap as a lower bound.
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		mem = int(ms.HeapInuse >> 20)
	}
	s.MemoryMb = mem
	return s, nil
}

// processCPUTime parses utime+stime (fields 14 and 15) out of /proc/self/stat.
func (p *procSampler) processCPUTime() (time.Duration, error) {
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, fmt.Errorf("resource: read /proc/self/stat: %w", err)
	}
	// The comm field (2) may contain spaces; skip past its closing paren.
	idx := bytes.LastIndexByte(data, ')')
	if idx < 0 || idx+2 > len(data) {
		return 0, fmt.Errorf("resource: malformed /proc/self/stat")
	}
	fields := strings.Fields(string(data[idx+2:]))
	// After comm, utime is field 14 overall, i.e. index 11 here.
	if len(fields) < 13 {
		return 0, fmt.Errorf("resource: short /proc/self/stat: %d fields", len(fields))
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("resource: parse utime: %w", err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("resource: parse stime: %w", err)
	}
	jiffies := float64(utime + stime)
	return time.Duration(jiffies / p.clockTick * float64(time.Second)), nil
}

// residentMemoryMb parses VmRSS out of /proc/self/status.
func residentMemoryMb() (int, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, fmt.Errorf("resource: open /proc/self/status: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, fmt.Errorf("resource: parse VmRSS: %w", err)
		}
		return kb / 1024, nil
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("resource: scan /proc/self/status: %w", err)
	}
	return 0, fmt.Errorf("resource: VmRSS not found")
}
