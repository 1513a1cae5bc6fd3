package settings

import (
	"go.uber.org/zap/zapcore"
)

// EmailSettings describes the outgoing mail relay.
type EmailSettings struct {
	SMTPServer   string
	SMTPAuth     bool
	AuthUsername string
	AuthPassword string
	Port         int
	Security     string
	From         string
	FromName     string
	DebugLevel   int
	Dir          string
}

// NewEmailSettings reads the email_* keys with their defaults.
func NewEmailSettings(s Store) EmailSettings {
	return EmailSettings{
		SMTPServer:   String(s, "email_smtp_server", ""),
		SMTPAuth:     Int(s, "email_smtp_auth", 0) == 1,
		AuthUsername: String(s, "email_auth_username", ""),
		AuthPassword: String(s, "email_auth_pwd", ""),
		Port:         Int(s, "email_port", 25),
		Security:     String(s, "email_security", "none"),
		From:         String(s, "email_from", "no-reply@example.com"),
		FromName:     String(s, "email_from_name", "No Reply"),
		DebugLevel:   Int(s, "email_debug_level", 0),
		Dir:          String(s, "cpassman_dir", "."),
	}
}

// Configured reports whether a relay host is set.
func (e EmailSettings) Configured() bool {
	return e.SMTPServer != ""
}

// MarshalLogObject implements zapcore.ObjectMarshaler. The password is never logged.
func (e EmailSettings) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("server", e.SMTPServer)
	enc.AddInt("port", e.Port)
	enc.AddBool("auth", e.SMTPAuth)
	enc.AddString("security", e.Security)
	enc.AddString("from", e.From)
	return nil
}
