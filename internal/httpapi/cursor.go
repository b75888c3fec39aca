package httpapi

import (
	"math/rand"
	"strconv"
	"time"
)

// cursorEpoch and cursorIntervalSeconds fix the CDN cache-collapsing
// interval boundary (spec §4.4, §6.1.1): all concurrent long-poll
// responses within the same 20-second window since this epoch share a
// cursor, so a CDN can collapse them into one origin request.
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

const cursorIntervalSeconds = 20

const (
	minJitterSeconds = 1
	maxJitterSeconds = 3600
)

// currentCursor returns the interval number covering now.
func currentCursor(now time.Time) int64 {
	elapsedMs := now.UnixMilli() - cursorEpoch.UnixMilli()
	return elapsedMs / (cursorIntervalSeconds * 1000)
}

// nextCursor computes the response Stream-Cursor given the client's
// previous cursor (possibly empty or malformed). Monotonicity is
// guaranteed by returning max(currentInterval, clientInterval+jitter),
// where jitter is a random 1-3600 second offset converted to whole
// intervals (spec §6.1.1).
func nextCursor(clientCursor string) string {
	cur := currentCursor(time.Now())
	if clientCursor == "" {
		return strconv.FormatInt(cur, 10)
	}

	clientInterval, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil {
		return strconv.FormatInt(cur, 10)
	}

	jitterSeconds := minJitterSeconds + rand.Intn(maxJitterSeconds-minJitterSeconds+1)
	jitterIntervals := int64(jitterSeconds) / cursorIntervalSeconds
	if jitterIntervals < 1 {
		jitterIntervals = 1
	}

	advanced := clientInterval + jitterIntervals
	if advanced < cur {
		return strconv.FormatInt(cur, 10)
	}
	return strconv.FormatInt(advanced, 10)
}
