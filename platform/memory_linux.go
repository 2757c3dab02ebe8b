// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

//go:build linux

package platform

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// meminfo returns (MemTotal, MemAvailable) in bytes, or
// (0, 0) when /proc/meminfo cannot be read.
func meminfo() (total, avail int64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		var dst *int64
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			dst = &total
		case strings.HasPrefix(line, "MemAvailable:"):
			dst = &avail
		default:
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			kb, err := strconv.ParseInt(fields[1], 10, 64)
			if err == nil {
				*dst = kb * 1024
			}
		}
		if total != 0 && avail != 0 {
			break
		}
	}
	return total, avail
}

// totalRAM returns the physical memory size in bytes.
func totalRAM() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil && info.Totalram > 0 {
		return int64(info.Totalram) * int64(info.Unit)
	}
	total, _ := meminfo()
	return total
}

// pressureLevel grades current memory availability.
func pressureLevel() MemoryLevel {
	total, avail := meminfo()
	if total <= 0 || avail <= 0 {
		return 0
	}
	switch {
	case avail*100 < total*5:
		return MemoryCritical
	case avail*100 < total*10:
		return MemoryWarn
	}
	return 0
}
