package handlers

import (
	"strconv"
	"strings"
	"time"

	"github.com/lingosync-go/internal/errs"
)

// retryAfterSeconds rounds up so clients never retry early
func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	seconds := int64(d / time.Second)
	if d%time.Second != 0 {
		seconds++
	}
	return seconds
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

// reason strips the sentinel prefix from an invalid argument error
func reason(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, errs.ErrInvalidArgument.Error()+": "); i >= 0 {
		return msg[i+len(errs.ErrInvalidArgument.Error())+2:]
	}
	return msg
}
