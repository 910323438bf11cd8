package logging

// Event names the structured decision points spec'd for entry stores (§4.2)
// and storage dispatch (§8 scenario 5). Callers pass these as the
// "event" field so log consumers can filter on them without string
// matching against the free-form message.
type Event string

const (
	EventEntryOK           Event = "ENTRY_OK"
	EventEntryAccessDenied Event = "ENTRY_ACCESS_DENIED"
	EventEntryExcluded     Event = "ENTRY_EXCLUDED"
	EventEntryIncomplete   Event = "ENTRY_INCOMPLETE"
	EventEntryTypeUnknown  Event = "ENTRY_TYPE_UNKNOWN"
	EventError             Event = "ERROR"
	EventStorage           Event = "LOG_TYPE_STORAGE"
	EventImageProbe        Event = "IMAGE_PROBE"
)

// WithEvent returns the fields map with "event" set, creating one if nil.
func WithEvent(event Event, fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		fields = make(map[string]interface{}, 1)
	}
	fields["event"] = string(event)
	return fields
}
