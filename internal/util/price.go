// Package util provides common utility functions for KRX price handling.
package util

import "math"

// TickSize returns the KRX tick increment for a given price level (KRW).
// Bands follow the exchange's quotation unit table for the KOSPI/KOSDAQ
// combined schedule.
func TickSize(price float64) float64 {
	switch {
	case price < 2000:
		return 1
	case price < 5000:
		return 5
	case price < 20000:
		return 10
	case price < 50000:
		return 50
	case price < 200000:
		return 100
	case price < 500000:
		return 500
	default:
		return 1000
	}
}

// FloorToTick rounds x down to the nearest valid tick for its price band.
func FloorToTick(x float64) float64 {
	tick := TickSize(x)
	if tick <= 0 {
		return x
	}
	return math.Floor(x/tick) * tick
}

// RoundToTick rounds x to the nearest valid tick for its price band.
func RoundToTick(x float64) float64 {
	tick := TickSize(x)
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// ValidSymbol reports whether s is a 6-character alphanumeric issue code.
func ValidSymbol(s string) bool {
	if len(s) != 6 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return true
}
