//go:build linux
// +build linux

// Package buildinfo reports a startup diagnostic banner, including the
// running kernel version.
package buildinfo

import (
	"fmt"

	"github.com/docker/docker/pkg/parsers/kernel"
	"github.com/sirupsen/logrus"
)

// minMulticastKernel is the oldest kernel this codebase has been
// exercised against; anything older just gets a warning, not a refusal
// to start, since IP_ADD_MEMBERSHIP and SO_RCVTIMEO are both ancient.
var minMulticastKernel = kernel.VersionInfo{Kernel: 2, Major: 6, Minor: 0}

// LogBanner writes one startup line naming the process role and the
// detected kernel version, and warns if the kernel predates
// minMulticastKernel.
func LogBanner(log *logrus.Entry, role string, clockID uint32) {
	version, err := kernel.GetKernelVersion()
	if err != nil {
		log.WithError(err).Warn("could not determine kernel version")
		return
	}

	entry := log.WithFields(logrus.Fields{
		"role":     role,
		"clock_id": clockID,
		"kernel":   version.String(),
	})

	if kernel.CompareKernelVersion(*version, minMulticastKernel) < 0 {
		entry.Warnf("kernel %s predates the %s baseline this build was exercised against", version, minMulticastKernel)
		return
	}
	entry.Info("starting")
}

// Describe returns a one-line human-readable summary, which both commands
// print to stderr at startup.
func Describe(role string, clockID uint32) string {
	version, err := kernel.GetKernelVersion()
	if err != nil {
		return fmt.Sprintf("%s clock_id=%d kernel=unknown", role, clockID)
	}
	return fmt.Sprintf("%s clock_id=%d kernel=%s", role, clockID, version)
}
