package lib

import "testing"

func fillWindow(t *TimeSync, localAdv int64, remoteAdv int64) {
	for i := int64(0); i < TIME_SYNC_WINDOW*2; i++ {
		t.AdvanceFrame(i, localAdv, remoteAdv)
	}
}

func TestNoAdvantageNoStall(t *testing.T) {
	var ts TimeSync
	fillWindow(&ts, 0, 0)
	if got := ts.RecommendStallDuration(); got != 0 {
		t.Fatalf("expected no stall, got %d", got)
	}
}

func TestRemoteAheadNoStall(t *testing.T) {
	var ts TimeSync
	// the remote is ahead: they should stall, not us
	fillWindow(&ts, -5, 5)
	if got := ts.RecommendStallDuration(); got != 0 {
		t.Fatalf("expected no stall while behind, got %d", got)
	}
}

func TestLocalAheadSplitsTheDifference(t *testing.T) {
	var ts TimeSync
	fillWindow(&ts, 4, -4)
	if got := ts.RecommendStallDuration(); got != 4 {
		t.Fatalf("expected a 4 frame stall, got %d", got)
	}
}

func TestRecommendationIsCapped(t *testing.T) {
	var ts TimeSync
	fillWindow(&ts, 40, -40)
	if got := ts.RecommendStallDuration(); got != MAX_FRAME_ADVANTAGE {
		t.Fatalf("expected the cap of %d, got %d", MAX_FRAME_ADVANTAGE, got)
	}
}

func TestNegativeFramesAreIgnored(t *testing.T) {
	var ts TimeSync
	ts.AdvanceFrame(-1, 100, -100)
	if got := ts.RecommendStallDuration(); got != 0 {
		t.Fatalf("expected null frames to be ignored, got %d", got)
	}
}
