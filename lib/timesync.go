package lib

import "github.com/piepacker/rollnet/netcode"

const (
	// TIME_SYNC_WINDOW is the number of frame-advantage samples averaged.
	TIME_SYNC_WINDOW = 40
	// FRAME_WINDOW_SIZE is the recommendation at or below which stalls are
	// not worth the disruption.
	FRAME_WINDOW_SIZE = 2
	// MIN_FRAME_ADVANTAGE is the minimum spacing, in frames, between stalls.
	MIN_FRAME_ADVANTAGE = 3
	// MAX_FRAME_ADVANTAGE caps a single recommendation.
	MAX_FRAME_ADVANTAGE = 9
)

// TimeSync keeps a window of local and remote frame-advantage samples per
// endpoint. Positive local advantage means this client runs ahead of the
// remote; the client that is ahead stalls so the other can catch up.
type TimeSync struct {
	Local  [TIME_SYNC_WINDOW]int64
	Remote [TIME_SYNC_WINDOW]int64
}

func (t *TimeSync) AdvanceFrame(frame int64, localAdvantage int64, remoteAdvantage int64) {
	if frame < 0 {
		return
	}
	t.Local[frame%TIME_SYNC_WINDOW] = localAdvantage
	t.Remote[frame%TIME_SYNC_WINDOW] = remoteAdvantage
}

// RecommendStallDuration returns how many frames this client should stall,
// splitting the averaged advantage difference with the remote. Zero means
// no stall is warranted.
func (t *TimeSync) RecommendStallDuration() int64 {
	var localSum, remoteSum int64
	for i := 0; i < TIME_SYNC_WINDOW; i++ {
		localSum += t.Local[i]
		remoteSum += t.Remote[i]
	}
	localAvg := float64(localSum) / TIME_SYNC_WINDOW
	remoteAvg := float64(remoteSum) / TIME_SYNC_WINDOW

	// Only the client both sides agree is ahead needs to slow down.
	if localAvg <= remoteAvg {
		return 0
	}

	sleepFrames := int64((localAvg-remoteAvg)/2 + 0.5)
	if sleepFrames < 0 {
		return 0
	}
	return netcode.MIN(sleepFrames, MAX_FRAME_ADVANTAGE)
}
