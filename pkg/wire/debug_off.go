//go:build !clockdebug

package wire

import "github.com/sirupsen/logrus"

const debug = false

// DumpRecord is a no-op unless built with -tags clockdebug.
func DumpRecord(log *logrus.Entry, legend string, r SyncRecord) {}
