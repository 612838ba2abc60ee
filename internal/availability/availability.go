// Package availability holds the per-video lifecycle rules. Callers feed it
// the event they observed and persist whatever state it returns.
package availability

import "ytbackup/internal/domain"

// Event is an observation that can move a video between states.
type Event int

const (
	// Listed: present in a fresh playlist listing.
	Listed Event = iota
	// MissingFromListing: absent from a complete playlist listing.
	MissingFromListing
	// Downloaded: a fetch, inspection and upload fully succeeded.
	Downloaded
	// ItemForbidden: the remote refused this item specifically.
	ItemForbidden
	// PolicyRemoved: the remote removed the item for a policy violation.
	PolicyRemoved
	// VerifiedPublic: a status lookup found the item with public visibility.
	VerifiedPublic
	// VerifiedUnlisted: a status lookup found the item unlisted.
	VerifiedUnlisted
	// ChannelGone and ChannelBack cascade a channel existence change.
	ChannelGone
	ChannelBack
)

var eventNames = map[Event]string{
	Listed:             "listed",
	MissingFromListing: "missing_from_listing",
	Downloaded:         "downloaded",
	ItemForbidden:      "item_forbidden",
	PolicyRemoved:      "policy_removed",
	VerifiedPublic:     "verified_public",
	VerifiedUnlisted:   "verified_unlisted",
	ChannelGone:        "channel_gone",
	ChannelBack:        "channel_back",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "unknown"
}

// Next returns the state after event and whether it differs from current.
func Next(current domain.Availability, event Event) (domain.Availability, bool) {
	next := current
	switch event {
	case Listed:
		// Reappearance overrides offline; other states are left for the
		// download and verification paths to resolve.
		if current == domain.AvailabilityOffline {
			next = domain.AvailabilityOnline
		}
	case MissingFromListing:
		if current == domain.AvailabilityOnline {
			next = domain.AvailabilityOffline
		}
	case Downloaded, ChannelBack:
		next = domain.AvailabilityOnline
	case ItemForbidden:
		next = domain.AvailabilityHTTP403
	case PolicyRemoved:
		next = domain.AvailabilityHateSpeech
	case VerifiedPublic:
		if Verifiable(current) {
			next = domain.AvailabilityOnline
		}
	case VerifiedUnlisted:
		if Verifiable(current) {
			next = domain.AvailabilityUnlisted
		}
	case ChannelGone:
		next = domain.AvailabilityOffline
	}
	return next, next != current
}

// Queueable reports whether a video in state a may enter the download queue.
// http_403 only does so on an explicit retry pass.
func Queueable(a domain.Availability, retryForbidden bool) bool {
	switch a {
	case domain.AvailabilityOnline, domain.AvailabilityHateSpeech, domain.AvailabilityUnlisted:
		return true
	case domain.AvailabilityHTTP403:
		return retryForbidden
	default:
		return false
	}
}

// Verifiable reports whether a status lookup may resolve state a.
func Verifiable(a domain.Availability) bool {
	switch a {
	case domain.AvailabilityOffline, domain.AvailabilityHateSpeech, domain.AvailabilityUnlisted:
		return true
	default:
		return false
	}
}

// OfflineCandidate reports whether a complete listing that omits the video
// may take it offline: it must be online with a download recorded.
func OfflineCandidate(v domain.Video) bool {
	return v.Availability == domain.AvailabilityOnline && v.DownloadedAt != nil
}
