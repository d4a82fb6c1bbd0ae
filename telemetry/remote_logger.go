package telemetry

import "github.com/itsneelabh/pulse/core"

// RemoteLogger adapts a Client to core.Logger so code that already logs through that
// interface ships its lines to the collector as log envelopes.
type RemoteLogger struct {
	client *Client
}

var _ core.Logger = (*RemoteLogger)(nil)

// RemoteLogger returns a core.Logger that pushes every line as a log envelope.
func (c *Client) RemoteLogger() *RemoteLogger {
	return &RemoteLogger{client: c}
}

// Info pushes an info log envelope.
func (l *RemoteLogger) Info(msg string, fields map[string]interface{}) {
	l.client.PushLog(LevelInfo, msg, AttributesOf(fields))
}

// Warn pushes a warn log envelope.
func (l *RemoteLogger) Warn(msg string, fields map[string]interface{}) {
	l.client.PushLog(LevelWarn, msg, AttributesOf(fields))
}

// Debug pushes a debug log envelope.
func (l *RemoteLogger) Debug(msg string, fields map[string]interface{}) {
	l.client.PushLog(LevelDebug, msg, AttributesOf(fields))
}

// Error pushes an error log envelope. An error value under the "error" key is expanded
// into error and stack attributes the way Client.Error does.
func (l *RemoteLogger) Error(msg string, fields map[string]interface{}) {
	attrs := make(Attributes, len(fields))
	var err error
	for k, v := range fields {
		if e, ok := v.(error); ok && k == "error" {
			err = e
			continue
		}
		attrs[k] = ValueOf(v)
	}
	if err != nil {
		l.client.Error(msg, err, attrs)
		return
	}
	l.client.PushLog(LevelError, msg, attrs)
}
