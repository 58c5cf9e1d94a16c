// Shared wire types exchanged between the panel and the agent.

package models

import (
	"encoding/json"
	"time"
)

// Allocation is a reserved ip/port pair bound to a server. The primary
// allocation is published to the container as SERVER_IP / SERVER_PORT.
type Allocation struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Core is the image-and-command recipe that specializes a server for a
// particular application: how to install it, how to start it, and how to
// render its configuration files.
type Core struct {
	InstallScript  string                     `json:"installScript"`
	StartupCommand string                     `json:"startupCommand"`
	StopCommand    string                     `json:"stopCommand"`
	ConfigSystem   map[string]json.RawMessage `json:"configSystem"`
	StartupParser  json.RawMessage            `json:"startupParser"`
}

// StartData is the declarative start spec supplied with every start/restart
// action. Memory and disk are MiB; CPU is percent of one CPU times ten
// (1000 == one full core).
type StartData struct {
	Memory                int               `json:"memory"`
	CPU                   int               `json:"cpu"`
	Disk                  int               `json:"disk"`
	Environment           map[string]string `json:"environment"`
	PrimaryAllocation     Allocation        `json:"primaryAllocation"`
	AdditionalAllocations []Allocation      `json:"additionalAllocation"`
	Image                 string            `json:"image"`
	Core                  Core              `json:"core"`
}

// FileEntry is one row of a file manager directory listing. Size is null for
// folders.
type FileEntry struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Size         *int64 `json:"size"`
	LastModified int64  `json:"lastModified"`
	Path         string `json:"path"`
}

// Usage is a one-shot resource snapshot for a running server.
type Usage struct {
	CPU           float64 `json:"cpu"`
	Memory        int64   `json:"memory"`
	MemoryLimit   int64   `json:"memoryLimit"`
	MemoryPercent float64 `json:"memoryPercent"`
	StartedAt     *int64  `json:"startedAt"`
	UptimeMs      int64   `json:"uptimeMs"`
	State         string  `json:"state"`
}

// EventCategory classifies a live event fanned out to console subscribers.
type EventCategory string

const (
	EventStatus   EventCategory = "status"
	EventPull     EventCategory = "pull"
	EventError    EventCategory = "error"
	EventWarn     EventCategory = "warn"
	EventCommand  EventCategory = "command"
	EventLog      EventCategory = "log"
	EventInternal EventCategory = "internal"
)

// Event is a categorized in-process notification for one server instance.
// Internal events are consumed only in-process and never reach clients.
type Event struct {
	Category  EventCategory `json:"category"`
	Message   string        `json:"message"`
	Timestamp int64         `json:"timestamp"`
}

// NewEvent stamps an event with the current wall clock in epoch milliseconds.
func NewEvent(category EventCategory, message string) Event {
	return Event{Category: category, Message: message, Timestamp: time.Now().UnixMilli()}
}
