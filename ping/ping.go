// Package ping probes a peer before the session starts so hosts can pick a
// sensible frame delay instead of guessing.
package ping

import (
	"time"

	"github.com/sparrc/go-ping"
)

// AvgPingMS measures the average ICMP round trip to the host in
// milliseconds. Requires privileged sockets on some platforms.
func AvgPingMS(addr string) (int64, error) {
	pinger, err := ping.NewPinger(addr)
	if err != nil {
		return 0, err
	}
	pinger.Count = 3
	pinger.Timeout = 3 * time.Second
	pinger.SetPrivileged(true) //For Windows, otherwise we get an error
	pinger.Run()
	return int64(pinger.Statistics().AvgRtt / time.Millisecond), nil
}

// RecommendFrameDelay converts a measured round trip time into a frame
// delay at the given FPS: enough frames to cover half a round trip, so
// remote inputs usually arrive before they are needed.
func RecommendFrameDelay(rttMS int64, fps int64) int64 {
	if rttMS <= 0 || fps <= 0 {
		return 0
	}
	frameMS := 1000 / fps
	if frameMS == 0 {
		return 0
	}
	return (rttMS/2 + frameMS - 1) / frameMS
}
