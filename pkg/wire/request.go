// Package wire implements the Connection Factory and Stream Dispatcher:
// the raw HTTP/2 frame plumbing that actually talks to APNs.
package wire

import (
	"github.com/brineforge/apnsession/pkg/apntype"
	"github.com/brineforge/apnsession/pkg/constants"
	"github.com/brineforge/apnsession/pkg/devicetoken"
)

// Header is one ordered (name, value) pair. Header order is not significant
// for correctness, but a slice instead of a map keeps pseudo-headers first,
// matching HPACK convention and making tests deterministic.
type Header struct {
	Name  string
	Value string
}

// BuildRequest is the Request Builder: a pure function from the dispatch
// parameters to the ordered header list APNs expects. It never touches the
// body.
func BuildRequest(hostname string, token devicetoken.Token, topic string, pushType apntype.PushType, priority *apntype.Priority, jwt string) []Header {
	headers := []Header{
		{":method", "POST"},
		{":scheme", "https"},
		{":authority", hostname},
		{":path", token.Path()},
		{"apns-topic", AdjustedTopic(topic, pushType)},
		{"apns-push-type", pushType.String()},
	}

	if priority != nil {
		headers = append(headers, Header{"apns-priority", priorityString(*priority)})
	} else if def, ok := apntype.DefaultPriority(pushType); ok {
		headers = append(headers, Header{"apns-priority", priorityString(def)})
	}

	if jwt != "" {
		headers = append(headers, Header{"authorization", "bearer " + jwt})
	}

	return headers
}

// AdjustedTopic appends the widget suffix for Widgets push types; all
// other push types use the topic unchanged.
func AdjustedTopic(topic string, pushType apntype.PushType) string {
	if pushType == apntype.Widgets {
		return topic + constants.WidgetTopicSuffix
	}
	return topic
}

func priorityString(p apntype.Priority) string {
	switch p {
	case apntype.Immediate:
		return "10"
	case apntype.PowerEfficient:
		return "5"
	case apntype.Low:
		return "1"
	default:
		return "5"
	}
}
