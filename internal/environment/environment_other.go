//go:build !linux

package environment

import "runtime"

func totalMemoryMB() int32 { return 0 }

func osVersion() string { return runtime.GOOS }

func machineID() string { return "" }
