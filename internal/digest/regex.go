package digest

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/anti-koerper/antikoerper/internal/item"
)

// digestRegex emits one metric per named capture group that took part in
// the first match of the pattern against the trimmed output.
func (e *Engine) digestRegex(set *metricSet, d item.Regex, raw string) {
	text := strings.TrimSpace(raw)
	loc := d.Pattern.FindStringSubmatchIndex(text)
	if loc == nil {
		e.logger.Warn("Regex did not match output",
			zap.String("item", set.itemKey),
			zap.String("regex", d.Pattern.String()),
			zap.String("output", truncate(text)))
		return
	}

	for i, name := range d.Pattern.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		start, end := loc[2*i], loc[2*i+1]
		if start < 0 {
			continue
		}
		capture := strings.TrimSpace(text[start:end])
		f, err := strconv.ParseFloat(capture, 64)
		if err != nil {
			e.logger.Warn("Capture is not a number, dropping it",
				zap.String("item", set.itemKey),
				zap.String("group", name),
				zap.String("capture", capture))
			continue
		}
		set.add(f, name)
	}
}
