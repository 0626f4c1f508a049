package typing

import (
	"math"
)

// Keystroke is one server-observed typing event. Timestamps are milliseconds
// since the session started.
type Keystroke struct {
	TimestampMs int64  `json:"timestamp"`
	Key         string `json:"key"`
	Correct     bool   `json:"correct"`
	Position    int    `json:"position"`
}

// Snapshot carries the derived metrics published for a session. Every value
// is computed from the server-observed keystroke log, never from the client.
type Snapshot struct {
	WPM            int   `json:"wpm"`
	RawWPM         int   `json:"rawWpm"`
	Accuracy       int   `json:"accuracy"`
	Consistency    int   `json:"consistency"`
	Errors         int   `json:"errors"`
	CorrectChars   int   `json:"correctChars"`
	IncorrectChars int   `json:"incorrectChars"`
	Position       int   `json:"position"`
	ElapsedMs      int64 `json:"elapsedMs"`
}

const (
	charsPerWord       = 5
	consistencyWindows = 10
	minWindowSamples   = 5
)

// ComputeSnapshot derives the full metric set. Correct and incorrect counts
// are carried as running totals because the log itself may have been
// downsampled; the log is used for the consistency windows.
func ComputeSnapshot(log []Keystroke, correct, incorrect, position int, elapsedMs int64) Snapshot {
	total := correct + incorrect

	snap := Snapshot{
		Errors:         incorrect,
		CorrectChars:   correct,
		IncorrectChars: incorrect,
		Position:       position,
		ElapsedMs:      elapsedMs,
		Accuracy:       100,
		Consistency:    Consistency(log),
	}

	if total > 0 {
		snap.Accuracy = int(math.Round(100 * float64(correct) / float64(total)))
	}

	if elapsedMs > 0 {
		minutes := float64(elapsedMs) / 60000
		snap.WPM = int(math.Round(float64(correct) / charsPerWord / minutes))
		snap.RawWPM = int(math.Round(float64(total) / charsPerWord / minutes))
	}

	return snap
}

// Consistency measures typing evenness as 100·(1−CV) over windowed wpm
// values, clamped to [0,100]. The log is split into equal-count windows;
// fewer than five usable windows yields 0.
func Consistency(log []Keystroke) int {
	samples := windowedWPM(log)
	if len(samples) < minWindowSamples {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(len(samples))
	if mean == 0 {
		return 100
	}

	var variance float64
	for _, s := range samples {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(samples))

	cv := math.Sqrt(variance) / mean
	value := int(math.Round(100 * (1 - cv)))
	if value < 0 {
		value = 0
	}
	if value > 100 {
		value = 100
	}
	return value
}

// windowedWPM partitions the log into equal-count windows and computes the
// wpm achieved inside each window with a measurable time span.
func windowedWPM(log []Keystroke) []float64 {
	if len(log) < 2 {
		return nil
	}

	size := len(log) / consistencyWindows
	if size < 2 {
		size = 2
	}

	var samples []float64
	for start := 0; start < len(log); start += size {
		end := start + size
		if end > len(log) {
			end = len(log)
		}
		window := log[start:end]
		if len(window) < 2 {
			continue
		}

		spanMs := window[len(window)-1].TimestampMs - window[0].TimestampMs
		if spanMs <= 0 {
			continue
		}

		chars := 0
		for _, k := range window {
			if k.Correct {
				chars++
			}
		}

		minutes := float64(spanMs) / 60000
		samples = append(samples, float64(chars)/charsPerWord/minutes)
	}
	return samples
}
