// Package domain holds the calendar bounded context: calendars, events,
// blocked and available time, recurrence links, sync state, webhook
// subscriptions and the provider port the sync engine drives.
package domain

// Provider identifies where a calendar's source of truth lives.
type Provider string

const (
	// ProviderInternal marks calendars the platform itself owns.
	ProviderInternal Provider = "internal"

	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"

	// ProviderICS and ProviderApple are served over CalDAV.
	ProviderICS   Provider = "ics"
	ProviderApple Provider = "apple"
)

// IsValid reports whether the provider is known.
func (p Provider) IsValid() bool {
	switch p {
	case ProviderInternal, ProviderGoogle, ProviderMicrosoft, ProviderICS, ProviderApple:
		return true
	}
	return false
}

// IsExternal reports whether the provider holds the source of truth outside
// the platform.
func (p Provider) IsExternal() bool {
	return p.IsValid() && p != ProviderInternal
}

// UsesCalDAV reports whether the provider is reached over the CalDAV
// protocol.
func (p Provider) UsesCalDAV() bool {
	return p == ProviderICS || p == ProviderApple
}

// SupportsSubscriptions reports whether the provider can push change
// notifications. CalDAV providers are poll-only.
func (p Provider) SupportsSubscriptions() bool {
	return p == ProviderGoogle || p == ProviderMicrosoft
}

// SupportsSyncTokens reports whether the provider hands out incremental sync
// cursors.
func (p Provider) SupportsSyncTokens() bool {
	return p == ProviderGoogle || p == ProviderMicrosoft
}

func (p Provider) String() string { return string(p) }

// CalendarKind distinguishes how a calendar participates in scheduling.
type CalendarKind string

const (
	// KindPersonal is a person's own calendar.
	KindPersonal CalendarKind = "personal"

	// KindResource represents a bookable thing such as a room or a device.
	KindResource CalendarKind = "resource"

	// KindVirtual calendars exist only inside the platform, typically to
	// model service availability.
	KindVirtual CalendarKind = "virtual"

	// KindBundle groups child calendars and answers availability as their
	// union.
	KindBundle CalendarKind = "bundle"
)

// IsValid reports whether the kind is known.
func (k CalendarKind) IsValid() bool {
	switch k {
	case KindPersonal, KindResource, KindVirtual, KindBundle:
		return true
	}
	return false
}

func (k CalendarKind) String() string { return string(k) }
