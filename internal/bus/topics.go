package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	TopicQueueUpdated     = "queue:updated"
	TopicQueueCreated     = "queue:created"
	TopicPatientMoved     = "patient:moved"
	TopicQueueTransferred = "queue:transferred"
)

var ErrUnknownTopic = errors.New("unknown topic")

type topicDef struct {
	kind    Kind
	carries []EventType
	shape   func(name string, event Event) Envelope
}

// topicTable maps every compatibility alias to its meaning and wire shape.
var topicTable = map[string]topicDef{
	TopicQueueUpdated: {
		kind:    KindEntryUpdated,
		carries: []EventType{EventAdmitted, EventUpdated, EventMoved},
		shape:   fullShape,
	},
	TopicQueueCreated: {
		kind:    KindEntryCreated,
		carries: []EventType{EventAdmitted, EventMoved},
		shape:   fullShape,
	},
	TopicPatientMoved: {
		kind:    KindMoveConfirmed,
		carries: []EventType{EventMoved},
		shape:   patientShape,
	},
	TopicQueueTransferred: {
		kind:    KindMoveConfirmed,
		carries: []EventType{EventMoved},
		shape:   fullShape,
	},
}

// publishOrder lists the aliases entry-carrying shapes first, so a screen
// that applies the first copy it sees usually gets the full entry.
var publishOrder = []string{TopicQueueUpdated, TopicQueueTransferred, TopicQueueCreated, TopicPatientMoved}

// Topics returns every unscoped topic name.
func Topics() []string {
	names := make([]string, 0, len(topicTable))
	for name := range topicTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FacilityTopic returns the facility-scoped variant of name.
func FacilityTopic(facilityID, name string) string {
	return "facility:" + facilityID + ":" + name
}

// SubscriptionTopics lists the unscoped and facility-scoped names a screen for
// facilityID listens on.
func SubscriptionTopics(facilityID string) []string {
	names := Topics()
	topics := make([]string, 0, 2*len(names))
	topics = append(topics, names...)
	if facilityID == "" {
		return topics
	}
	for _, name := range names {
		topics = append(topics, FacilityTopic(facilityID, name))
	}
	return topics
}

// ParseTopic splits a topic into its facility scope (possibly empty) and base name.
func ParseTopic(topic string) (facilityID, name string, err error) {
	name = topic
	if rest, ok := strings.CutPrefix(topic, "facility:"); ok {
		var found bool
		facilityID, name, found = strings.Cut(rest, ":")
		if !found || facilityID == "" {
			return "", "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
		}
	}
	if _, ok := topicTable[name]; !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	return facilityID, name, nil
}

// Normalize decodes payload received on topic into a Notification.
func Normalize(topic string, payload []byte) (Notification, error) {
	scope, name, err := ParseTopic(topic)
	if err != nil {
		return Notification{}, err
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Notification{}, fmt.Errorf("decode %s: %w", topic, err)
	}
	n := Notification{
		Topic:           topic,
		Name:            name,
		Kind:            topicTable[name].kind,
		ChangeID:        env.ChangeID,
		FacilityID:      env.FacilityID,
		QueueID:         env.QueueID,
		CounterID:       env.CounterID,
		PatientRef:      env.PatientRef,
		SourceCounterID: env.SourceCounterID,
		TargetCounterID: env.TargetCounterID,
		Status:          env.Status,
		Entry:           env.Entry,
		SentAt:          env.SentAt,
	}
	if n.FacilityID == "" {
		n.FacilityID = scope
	}
	if n.QueueID == "" && n.Entry != nil {
		n.QueueID = n.Entry.ID
	}
	return n, nil
}

// fanOut returns the topic/envelope pairs for event: every alias carrying the
// event type, unscoped and facility scoped, in publishOrder.
func fanOut(event Event, sentAt time.Time) []routedEnvelope {
	var out []routedEnvelope
	for _, name := range publishOrder {
		def := topicTable[name]
		if !carries(def, event.Type) {
			continue
		}
		env := def.shape(name, event)
		env.SentAt = sentAt
		out = append(out, routedEnvelope{topic: name, envelope: env})
		if event.FacilityID != "" {
			out = append(out, routedEnvelope{topic: FacilityTopic(event.FacilityID, name), envelope: env})
		}
	}
	return out
}

type routedEnvelope struct {
	topic    string
	envelope Envelope
}

func carries(def topicDef, eventType EventType) bool {
	for _, t := range def.carries {
		if t == eventType {
			return true
		}
	}
	return false
}

func fullShape(name string, event Event) Envelope {
	entry := event.Entry.Clone()
	return Envelope{
		ChangeID:        event.ChangeID,
		Event:           name,
		FacilityID:      event.FacilityID,
		QueueID:         entry.ID,
		CounterID:       entry.Counter(),
		PatientRef:      entry.PatientRef,
		SourceCounterID: event.SourceCounterID,
		TargetCounterID: event.TargetCounterID,
		Status:          entry.Status,
		Actor:           event.Actor,
		Entry:           &entry,
	}
}

// patientShape is the legacy patient-centric message: no queue id, no entry.
func patientShape(name string, event Event) Envelope {
	return Envelope{
		ChangeID:        event.ChangeID,
		Event:           name,
		FacilityID:      event.FacilityID,
		CounterID:       event.TargetCounterID,
		PatientRef:      event.Entry.PatientRef,
		SourceCounterID: event.SourceCounterID,
		TargetCounterID: event.TargetCounterID,
		Status:          event.Entry.Status,
		Actor:           event.Actor,
	}
}
