/*
Copyright 2025 The Dorch Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package util

import (
	"os"
	"strconv"
	"time"

	"k8s.io/klog/v2"
)

// EnvOr returns the value of the named environment variable, or def if unset.
func EnvOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// EnvOrInt returns the named environment variable parsed as an int, or def if unset.
func EnvOrInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		klog.Fatalf("failed to convert %s=%v in env: %v", name, v, err)
	}
	return n
}

// GetProbeIntervalTime returns the Active-phase re-probe interval for the
// game controller, overridable via GAME_PROBE_INTERVAL_TIME (seconds).
func GetProbeIntervalTime() time.Duration {
	probeIntervalTime := 10 * time.Second
	if num := os.Getenv("GAME_PROBE_INTERVAL_TIME"); len(num) > 0 {
		if p, err := strconv.ParseInt(num, 10, 32); err == nil {
			probeIntervalTime = time.Duration(p) * time.Second
		} else {
			klog.Fatalf("failed to convert GAME_PROBE_INTERVAL_TIME=%v in env: %v", p, err)
		}
	}
	return probeIntervalTime
}
