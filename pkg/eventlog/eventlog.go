// Package eventlog persists one structured record per tarpit session.
package eventlog

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/deadlockssh/deadlockssh/pkg/config"
	"github.com/deadlockssh/deadlockssh/pkg/tarpit"
)

// Sink writes session events through a dedicated logrus logger. When a log
// file is configured the records go to a size-rotated file as JSON;
// otherwise they share stdout with the application log.
type Sink struct {
	logger *log.Logger
	file   io.WriteCloser
}

// New creates the event log sink
func New(cfg config.LoggingConfig) *Sink {
	logger := log.New()
	logger.SetLevel(log.InfoLevel)

	s := &Sink{logger: logger}
	if cfg.File != "" {
		s.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.Backups,
		}
		logger.SetOutput(s.file)
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetOutput(os.Stdout)
		if cfg.Format == "json" {
			logger.SetFormatter(&log.JSONFormatter{})
		}
	}
	return s
}

// Emit writes the terminal state of one session
func (s *Sink) Emit(sess tarpit.Session) {
	entry := s.logger.WithFields(log.Fields{
		"addr":           sess.Addr,
		"remote_addr":    sess.RemoteAddr,
		"count":          sess.Count,
		"delay":          sess.Delay.String(),
		"bytes_sent":     sess.BytesSent,
		"bytes_received": sess.BytesReceived,
		"outcome":        string(sess.Outcome),
		"duration":       sess.Duration().String(),
	})
	if sess.Country != "" {
		entry = entry.WithField("country", sess.Country)
	}
	if sess.Input != "" {
		entry = entry.WithField("input", sess.Input)
	}

	switch sess.Outcome {
	case tarpit.OutcomeRejected:
		entry.Warn("connection rejected")
	case tarpit.OutcomeForced:
		entry.Warn("session severed")
	default:
		entry.Info("session closed")
	}
}

// Close flushes and closes the underlying log file, if any
func (s *Sink) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
