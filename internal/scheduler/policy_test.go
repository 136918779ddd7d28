package scheduler

import "testing"

func TestShedCap(t *testing.T) {
	cases := []struct {
		name     string
		ar, max  int
		cur, out int
	}{
		{"severe", 7, 10, 8, 1},
		{"severe all busy", 10, 10, 8, 1},
		{"moderate", 4, 10, 8, 3},
		{"moderate upper", 6, 10, 8, 3},
		{"light one", 1, 10, 8, 8},
		{"light three", 3, 10, 8, 6},
		{"light floor", 1, 4, 2, 3},
		{"light floor clamped", 1, 3, 1, 2},
		{"severe rounds up", 14, 20, 18, 2},
		{"moderate small", 2, 5, 3, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := shedCap(tc.ar, tc.max, tc.cur); got != tc.out {
				t.Fatalf("shedCap(%d, %d, %d) = %d, want %d", tc.ar, tc.max, tc.cur, got, tc.out)
			}
		})
	}
}

func TestRecoverCap(t *testing.T) {
	cases := []struct {
		name     string
		ar, max  int
		cur, out int
	}{
		{"idle restores", 0, 10, 1, 8},
		{"light relaxes one step", 3, 10, 1, 2},
		{"relax capped", 1, 10, 9, 9},
		{"moderate holds", 4, 10, 3, 3},
		{"severe holds", 7, 10, 1, 1},
		{"idle two", 0, 2, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := recoverCap(tc.ar, tc.max, tc.cur); got != tc.out {
				t.Fatalf("recoverCap(%d, %d, %d) = %d, want %d", tc.ar, tc.max, tc.cur, got, tc.out)
			}
		})
	}
}

func TestFeedbackCap(t *testing.T) {
	cases := []struct {
		name        string
		avg, thresh float64
		ar, max     int
		cur, out    int
	}{
		{"high latency", 500, 300, 0, 10, 5, 4},
		{"high latency floor", 500, 300, 0, 10, 1, 1},
		{"idle grows", 100, 300, 0, 10, 5, 6},
		{"idle at ceiling", 100, 300, 0, 10, 9, 9},
		{"busy holds", 100, 300, 2, 10, 5, 5},
		{"equal threshold is not high", 300, 300, 1, 10, 5, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := feedbackCap(tc.avg, tc.thresh, tc.ar, tc.max, tc.cur); got != tc.out {
				t.Fatalf("feedbackCap = %d, want %d", got, tc.out)
			}
		})
	}
}

func TestPoliciesStayInBounds(t *testing.T) {
	for mc := 2; mc <= 32; mc++ {
		for ar := 0; ar <= mc+2; ar++ {
			for cur := 1; cur <= mc-1; cur++ {
				for _, got := range []int{
					shedCap(ar, mc, cur),
					recoverCap(ar, mc, cur),
					feedbackCap(1000, 10, ar, mc, cur),
					feedbackCap(0, 10, ar, mc, cur),
				} {
					if got < 1 || got > mc-1 {
						t.Fatalf("cap %d out of [1, %d] for ar=%d cur=%d", got, mc-1, ar, cur)
					}
				}
			}
		}
	}
}
