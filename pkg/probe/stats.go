package probe

import "time"

func meanDuration(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	var total time.Duration
	for _, v := range values {
		total += v
	}
	return total / time.Duration(len(values))
}

func minMaxDuration(values []time.Duration) (min, max time.Duration) {
	if len(values) == 0 {
		return 0, 0
	}
	min, max = values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// jitter is the mean absolute difference between temporally consecutive
// samples. With fewer than two samples there is no variability to
// report and the result is zero.
func jitter(values []time.Duration) time.Duration {
	if len(values) < 2 {
		return 0
	}
	var total time.Duration
	for i := 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		if d < 0 {
			d = -d
		}
		total += d
	}
	return total / time.Duration(len(values)-1)
}
