package transcoder

import (
	"regexp"
	"strconv"
)

// Content labels produced by the classifier.
const (
	ContentAnimation  = "animation"
	ContentLiveAction = "live_action"
	ContentMixed      = "mixed"
)

// Settings is the resolved encoder tuning for one file.
type Settings struct {
	Quality     float64 `json:"quality"`
	Preset      string  `json:"preset"`
	ContentType string  `json:"content_type"`
}

var (
	qualityFlagRe = regexp.MustCompile(`--quality \d+`)
	presetFlagRe  = regexp.MustCompile(`--encoder-preset \w+`)
)

// SelectSettings maps a content label to encoder settings. With
// content-aware encoding disabled, everything gets the fixed default.
func SelectSettings(label string, contentAware bool, animationQuality, liveActionQuality int) Settings {
	if !contentAware {
		return Settings{Quality: 22, Preset: "slow", ContentType: ContentLiveAction}
	}

	switch label {
	case ContentAnimation:
		return Settings{
			Quality:     float64(animationQuality),
			Preset:      "slower",
			ContentType: ContentAnimation,
		}
	case ContentMixed:
		return Settings{
			Quality:     (float64(animationQuality) + float64(liveActionQuality)) / 2,
			Preset:      "slow",
			ContentType: ContentMixed,
		}
	default:
		return Settings{
			Quality:     float64(liveActionQuality),
			Preset:      "slow",
			ContentType: ContentLiveAction,
		}
	}
}

// ApplyToOptions substitutes the resolved quality and preset into the
// configured encoder option string, preserving every other flag.
func (s Settings) ApplyToOptions(encoderOptions string) string {
	quality := strconv.FormatFloat(s.Quality, 'f', -1, 64)
	out := qualityFlagRe.ReplaceAllString(encoderOptions, "--quality "+quality)
	out = presetFlagRe.ReplaceAllString(out, "--encoder-preset "+s.Preset)
	return out
}
