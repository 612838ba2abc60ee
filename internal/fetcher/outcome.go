package fetcher

import "strings"

// Outcome is the closed set of results a fetch attempt can have.
type Outcome int

const (
	// NoFile: the tool ran but no produced file could be located.
	NoFile Outcome = iota
	Success
	AlreadyArchived
	// Geoblocked: blocked on copyright grounds, region list unknown.
	Geoblocked
	// Forbidden: a 403 that is not specific to the item.
	Forbidden
	ServerError
	Throttled
	// ItemForbidden: the item's media data itself was refused.
	ItemForbidden
	PolicyRemoved
)

var outcomeNames = map[Outcome]string{
	NoFile:          "no_file",
	Success:         "success",
	AlreadyArchived: "already_archived",
	Geoblocked:      "geoblocked",
	Forbidden:       "forbidden",
	ServerError:     "server_error",
	Throttled:       "throttled",
	ItemForbidden:   "item_forbidden",
	PolicyRemoved:   "policy_removed",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// Output phrases emitted by the fetch tool.
const (
	phraseCopyright        = "who has blocked it on copyright"
	phraseCopyrightCountry = "who has blocked it in your country on copyright grounds"
	phraseItemForbidden    = "unable to download video data: HTTP Error 403: Forbidden"
	phraseForbidden        = "HTTP Error 403: Forbidden"
	phraseThrottled        = "HTTP Error 429"
	phraseServerError      = "HTTP Error 503"
	phraseHateSpeech       = "This video has been removed for violating YouTube's policy on hate speech"
	phraseNoSubtitles      = "WARNING: video doesn't have subtitles"
	phraseArchived         = "has already been recorded in archive"
)

// Classify maps a finished process onto an outcome. The second result is
// true when the output indicates a produced file should be looked for.
// Order matters: the item-specific 403 phrase contains the generic one.
func Classify(exitCode int, stdout, stderr string) (Outcome, bool) {
	if exitCode != 0 {
		switch {
		case strings.Contains(stderr, phraseCopyright), strings.Contains(stderr, phraseCopyrightCountry):
			return Geoblocked, false
		case strings.Contains(stderr, phraseItemForbidden):
			return ItemForbidden, false
		case strings.Contains(stderr, phraseForbidden):
			return Forbidden, false
		case strings.Contains(stderr, phraseThrottled):
			return Throttled, false
		case strings.Contains(stderr, phraseServerError):
			return ServerError, false
		case strings.Contains(stderr, phraseHateSpeech):
			return PolicyRemoved, false
		}
	}
	if strings.Contains(stdout, phraseArchived) {
		return AlreadyArchived, false
	}
	return NoFile, true
}

// SoftWarnings returns the warnings in stderr that do not fail a fetch.
func SoftWarnings(stderr string) []string {
	var warnings []string
	if strings.Contains(stderr, phraseNoSubtitles) {
		warnings = append(warnings, "video has no subtitles")
	}
	return warnings
}
