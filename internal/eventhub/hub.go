package eventhub

import (
	"sync"
)

// Event names pushed to websocket clients
const (
	HistoryChanged = "history:changed"
	ExportFinished = "export:finished"
	RestoreDone    = "restore:finished"
	RestoreUndone  = "restore:undone"
)

// Broadcaster delivers an event to every connected client
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// EventHub fans application events out to the broadcaster, if one is set
type EventHub struct {
	mu          sync.RWMutex
	broadcaster Broadcaster
}

// New creates an EventHub with no broadcaster
func New() *EventHub {
	return &EventHub{}
}

// SetBroadcaster sets the websocket broadcaster
func (h *EventHub) SetBroadcaster(b Broadcaster) {
	h.mu.Lock()
	h.broadcaster = b
	h.mu.Unlock()
}

func (h *EventHub) emit(eventName string, payload interface{}) {
	h.mu.RLock()
	b := h.broadcaster
	h.mu.RUnlock()

	if b != nil {
		b.BroadcastEvent(eventName, payload)
	}
}

// Emit sends an arbitrary event
func (h *EventHub) Emit(eventName string, payload interface{}) {
	h.emit(eventName, payload)
}

// HistoryChangedEvent tells clients a cached index went stale
type HistoryChangedEvent struct {
	Root    string   `json:"root"`
	Folders []string `json:"folders"`
}

func (h *EventHub) EmitHistoryChanged(event HistoryChangedEvent) {
	if event.Folders == nil {
		event.Folders = []string{}
	}
	h.emit(HistoryChanged, event)
}

// RunFinishedEvent summarises a finished export or restore
type RunFinishedEvent struct {
	ID          string `json:"id"`
	Root        string `json:"root"`
	Destination string `json:"destination,omitempty"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
}

func (h *EventHub) EmitExportFinished(event RunFinishedEvent) {
	h.emit(ExportFinished, event)
}

func (h *EventHub) EmitRestoreFinished(event RunFinishedEvent) {
	h.emit(RestoreDone, event)
}

func (h *EventHub) EmitRestoreUndone(event RunFinishedEvent) {
	h.emit(RestoreUndone, event)
}
