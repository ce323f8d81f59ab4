package ping

import "testing"

func TestRecommendFrameDelay(t *testing.T) {
	cases := []struct {
		name  string
		rttMS int64
		fps   int64
		want  int64
	}{
		{"lan", 2, 60, 1},
		{"regional", 33, 60, 1},
		{"cross country", 66, 60, 3},
		{"intercontinental", 150, 60, 5},
		{"thirty fps", 66, 30, 1},
		{"no measurement", 0, 60, 0},
		{"bad fps", 50, 0, 0},
	}

	for _, tc := range cases {
		if got := RecommendFrameDelay(tc.rttMS, tc.fps); got != tc.want {
			t.Errorf("%s: expected delay %d, got %d", tc.name, tc.want, got)
		}
	}
}
