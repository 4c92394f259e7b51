package relay

import (
	"fmt"
	"strings"
)

const (
	// TopicRoot prefixes every topic the relay publishes or ingests.
	TopicRoot = "crowdlink"
	// AnchorFilter matches fixed-infrastructure anchor publishes.
	AnchorFilter = TopicRoot + "/anchors/+"
)

// Topics names the per-event snapshot topics.
type Topics struct {
	Alert     string
	Positions string
	Roster    string
}

// EventTopics builds the snapshot topics for an event name. Characters that
// would act as MQTT separators or wildcards are replaced.
func EventTopics(event string) Topics {
	base := TopicRoot + "/" + topicSegment(event)
	return Topics{
		Alert:     base + "/alert",
		Positions: base + "/positions",
		Roster:    base + "/roster",
	}
}

// AnchorTopic is the topic a fixed anchor with the given id publishes on.
func AnchorTopic(anchorID string) string {
	return TopicRoot + "/anchors/" + topicSegment(anchorID)
}

func topicSegment(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ', 0:
			return '-'
		}
		return r
	}, s)
}

// anchorIDFromTopic returns the last level of a crowdlink/anchors/<id> topic.
func anchorIDFromTopic(topic string) (string, bool) {
	prefix := TopicRoot + "/anchors/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(topic, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// validateFilter checks MQTT 3.1.1 wildcard placement rules.
func validateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter")
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("filter %q: '#' must be the last level", filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("filter %q: wildcard must occupy a whole level", filter)
		}
	}
	return nil
}

// matchTopic reports whether topic matches filter, honoring '+' and '#'.
func matchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	// Wildcards never match topics starting with '$'.
	if strings.HasPrefix(topic, "$") {
		return false
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
