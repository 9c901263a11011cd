package models

import "strings"

// Tool selects how a stroke is painted.
type Tool string

const (
	ToolPen    Tool = "pen"
	ToolEraser Tool = "eraser"
)

// WhiteboardEventType is the type of a whiteboard broadcast.
type WhiteboardEventType string

const (
	WhiteboardStroke WhiteboardEventType = "stroke"
	WhiteboardClear  WhiteboardEventType = "clear"
)

// LiveStrokePrefix marks ephemeral progressive-draw segments. They are
// painted on arrival and never stored.
const LiveStrokePrefix = "live"

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is one pointer-down to pointer-up gesture. CreatedAt is the
// author's wall clock in milliseconds and only orders rendering.
type Stroke struct {
	ID        string  `json:"id"`
	Points    []Point `json:"points"`
	Color     string  `json:"color"`
	Width     float64 `json:"width"`
	Tool      Tool    `json:"tool"`
	CreatedAt int64   `json:"createdAt"`
}

// Live reports whether the stroke is an ephemeral preview segment.
func (s *Stroke) Live() bool {
	return strings.HasPrefix(s.ID, LiveStrokePrefix)
}

// Less orders strokes for rendering: by author time, then by id.
func (s *Stroke) Less(o *Stroke) bool {
	if s.CreatedAt != o.CreatedAt {
		return s.CreatedAt < o.CreatedAt
	}
	return s.ID < o.ID
}

type WhiteboardEvent struct {
	Type   WhiteboardEventType `json:"type"`
	Stroke *Stroke             `json:"stroke,omitempty"`
	UserID string              `json:"userId"`
}

// Durable reports whether the event must be stored in the room's stroke log.
func (e *WhiteboardEvent) Durable() bool {
	return e.Type == WhiteboardStroke && e.Stroke != nil && !e.Stroke.Live()
}
