package export

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rcliao/coursepack/internal/model"
)

// Clip is a time range in whole seconds. Nil fields are unknown.
type Clip struct {
	Start *int
	End   *int
}

// rangeParams are the query keys that carry a clip range in a locator.
var rangeParams = []string{"start", "end", "t"}

// SplitLocator separates a video locator into its source URL and any range
// embedded in it: start/end/t query parameters, or a t=start,end fragment.
// Unparseable locators come back unchanged with no range.
func SplitLocator(locator string) (string, Clip) {
	var clip Clip
	u, err := url.Parse(strings.TrimSpace(locator))
	if err != nil {
		return locator, clip
	}

	q := u.Query()
	if v, ok := parseSeconds(q.Get("start")); ok {
		clip.Start = &v
	} else if v, ok := parseSeconds(q.Get("t")); ok {
		clip.Start = &v
	}
	if v, ok := parseSeconds(q.Get("end")); ok {
		clip.End = &v
	}
	for _, k := range rangeParams {
		q.Del(k)
	}
	u.RawQuery = q.Encode()

	if frag := u.Fragment; strings.HasPrefix(frag, "t=") {
		parts := strings.SplitN(strings.TrimPrefix(frag, "t="), ",", 2)
		if clip.Start == nil {
			if v, ok := parseSeconds(parts[0]); ok {
				clip.Start = &v
			}
		}
		if clip.End == nil && len(parts) == 2 {
			if v, ok := parseSeconds(parts[1]); ok {
				clip.End = &v
			}
		}
		u.Fragment = ""
		u.RawFragment = ""
	}
	return u.String(), clip
}

// parseSeconds accepts "90", "90s", "90.5" and durations like "1m30s".
func parseSeconds(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return int(f), true
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return int(d / time.Second), true
	}
	return 0, false
}

// ResolveClip merges a record's explicit clip metadata with the range parsed
// from its locator. Explicit fields win, one field at a time.
func ResolveClip(rec model.MediaRecord) (string, Clip) {
	source, parsed := SplitLocator(rec.Locator)
	clip := parsed
	if v, ok := rec.MetaSeconds(model.MetaClipStart); ok {
		clip.Start = &v
	}
	if v, ok := rec.MetaSeconds(model.MetaClipEnd); ok {
		clip.End = &v
	}
	return source, clip
}
