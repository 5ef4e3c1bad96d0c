//go:build clockdebug

package wire

import "github.com/sirupsen/logrus"

// debug is compiled in only under -tags clockdebug; DumpRecord is then a
// real logrus.Debugf call instead of the no-op in debug_off.go.
const debug = true

// DumpRecord emits a hex dump of all four record fields tagged with the
// given legend ("BUILT", "SENT", "RECVD", "REPLY"), matching the original's
// PrintSyncMessage diagnostic.
func DumpRecord(log *logrus.Entry, legend string, r SyncRecord) {
	log.WithFields(logrus.Fields{
		"legend":    legend,
		"clock_id":  r.ClockID,
		"server_ts": r.ServerTS,
		"client_ts": r.ClientTS,
		"checksum":  r.Checksum,
	}).Debugf("%s: clock_id [0x%08x] server_ts [0x%016x] client_ts [0x%016x] checksum [0x%04x]",
		legend, r.ClockID, r.ServerTS, r.ClientTS, r.Checksum)
}
