package signaltext

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"signalPilot/internal/domain"
	"signalPilot/internal/ports"
)

var (
	// 1.2000-1.2020, 1.2000 to 1.2020, @ 1.2000/1.2020
	rangeRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:-|–|—|to|/|~)\s*(\d+(?:\.\d+)?)`)

	logicWords = []struct {
		re    *regexp.Regexp
		logic domain.EntryLogic
	}{
		{regexp.MustCompile(`(?i)\bscale[\s_-]*in\b`), domain.EntryScaleIn},
		{regexp.MustCompile(`(?i)\bsecond\b`), domain.EntrySecond},
		{regexp.MustCompile(`(?i)\bbest\b`), domain.EntryBest},
		{regexp.MustCompile(`(?i)\baverage\b|\bavg\b`), domain.EntryAverage},
	}
)

// EntryRange is a parsed price band.
type EntryRange struct {
	Lower float64
	Upper float64
	Logic domain.EntryLogic
}

// ParseEntryRange reads the first price band in text. Bounds are returned
// ordered regardless of how they were written. The entry logic defaults to
// AVERAGE unless the text names another one.
func ParseEntryRange(text string) (EntryRange, error) {
	m := rangeRe.FindStringSubmatch(text)
	if m == nil {
		return EntryRange{}, fmt.Errorf("%w: no entry range in %q", ports.ErrInvalidRequest, strings.TrimSpace(text))
	}
	a, errA := strconv.ParseFloat(m[1], 64)
	b, errB := strconv.ParseFloat(m[2], 64)
	if errA != nil || errB != nil || a <= 0 || b <= 0 {
		return EntryRange{}, fmt.Errorf("%w: bad entry range bounds %q", ports.ErrInvalidRequest, m[0])
	}
	if a == b {
		return EntryRange{}, fmt.Errorf("%w: entry range %q has no width", ports.ErrInvalidRequest, m[0])
	}
	if a > b {
		a, b = b, a
	}

	r := EntryRange{Lower: a, Upper: b, Logic: domain.EntryAverage}
	for _, w := range logicWords {
		if w.re.MatchString(text) {
			r.Logic = w.logic
			break
		}
	}
	return r, nil
}
