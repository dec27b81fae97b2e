package provision

import (
	"time"

	"go.uber.org/zap"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is one user-visible provisioning notification.
type Event struct {
	Level    Level     `json:"level"`
	Message  string    `json:"message"`
	Artifact string    `json:"artifact,omitempty"`
	Time     time.Time `json:"time"`
}

// Notifier receives provisioning progress. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Notifiers fans an event out to every member.
type Notifiers []Notifier

func (ns Notifiers) Notify(e Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(e)
		}
	}
}

// LogNotifier writes events to a zap logger.
type LogNotifier struct {
	Log *zap.Logger
}

func (l LogNotifier) Notify(e Event) {
	if l.Log == nil {
		return
	}
	fields := []zap.Field{zap.String("level", string(e.Level))}
	if e.Artifact != "" {
		fields = append(fields, zap.String("artifact", e.Artifact))
	}
	switch e.Level {
	case LevelError:
		l.Log.Error(e.Message, fields...)
	case LevelWarning:
		l.Log.Warn(e.Message, fields...)
	default:
		l.Log.Info(e.Message, fields...)
	}
}

func event(level Level, artifact, msg string) Event {
	return Event{Level: level, Message: msg, Artifact: artifact, Time: time.Now().UTC()}
}
