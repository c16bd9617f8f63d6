package emz

import "time"

// nowMusec returns the current wall-clock time as signed microseconds since
// the Unix epoch, the time base every Etale/beacon/catalogue timestamp in
// this package uses.
func nowMusec() int64 {
	return time.Now().UnixMicro()
}
