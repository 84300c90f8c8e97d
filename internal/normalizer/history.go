package normalizer

import "math"

// history is an immutable bounded series of normalized prices. push returns
// a new history and never modifies the receiver.
type history struct {
	prices []float64
}

func (h history) push(price float64, size int) history {
	n := len(h.prices) + 1
	start := 0
	if size > 0 && n > size {
		start = n - size
	}
	next := make([]float64, 0, n-start)
	next = append(next, h.prices[start:]...)
	next = append(next, price)
	return history{prices: next}
}

func (h history) len() int { return len(h.prices) }

// volatility returns the population standard deviation of the percentage
// returns between consecutive prices. Fewer than two prices yield 0.
func (h history) volatility() float64 {
	if len(h.prices) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(h.prices)-1)
	for i := 1; i < len(h.prices); i++ {
		prev := h.prices[i-1]
		if prev == 0 {
			continue
		}
		returns = append(returns, (h.prices[i]-prev)/prev)
	}
	return populationStdDev(returns)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func populationStdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var variance float64
	for _, x := range xs {
		d := x - m
		variance += d * d
	}
	variance /= float64(len(xs))
	return math.Sqrt(variance)
}
