//go:build !linux && !darwin && !windows

package rtp

func setSockOptBuffers(fd uintptr, size int) {}

func setSockOptDSCP(fd uintptr, dscp int) {}
