package transport

import "github.com/sirupsen/logrus"

// NewLogger builds a logrus.Logger with the field conventions this package's
// Config.Logger expects: text formatting for local runs, level taken from
// the environment's preference rather than hardcoded.
func NewLogger(level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// sessionFields returns the structured fields every log line emitted by a
// session should carry, so a multi-connection relay's logs stay
// greppable by peer.
func sessionFields(cfg Config) logrus.Fields {
	role := "client"
	if cfg.IsServer {
		role = "server"
	}
	peer := cfg.PeerAddr
	if cfg.IsServer {
		peer = cfg.BindAddr
	}
	return logrus.Fields{
		"role": role,
		"peer": peer,
	}
}
