package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT key, value FROM settings").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow("timezone", "Europe/Paris").
			AddRow("task_maximum_run_time", "30"))

	got, err := Load(context.Background(), db)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got["timezone"] != "Europe/Paris" || got["task_maximum_run_time"] != "30" {
		t.Errorf("Load = %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestLoad_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT key, value FROM settings").WillReturnError(errors.New("boom"))

	if _, err := Load(context.Background(), db); err == nil {
		t.Fatal("expected error")
	}
}

func TestAccessors(t *testing.T) {
	s := Map{
		"n":       "12",
		"bad":     "x",
		"flag":    "1",
		"flagT":   "TRUE",
		"flagOff": "0",
	}
	if got := Int(s, "n", 0); got != 12 {
		t.Errorf("Int(n) = %d; want 12", got)
	}
	if got := Int(s, "bad", 4); got != 4 {
		t.Errorf("Int(bad) = %d; want default 4", got)
	}
	if got := Int(s, "missing", 5); got != 5 {
		t.Errorf("Int(missing) = %d; want 5", got)
	}
	if !Bool(s, "flag") || !Bool(s, "flagT") || Bool(s, "flagOff") || Bool(s, "missing") {
		t.Error("Bool returned unexpected values")
	}
	if got := String(s, "missing", "def"); got != "def" {
		t.Errorf("String(missing) = %q", got)
	}
}

func TestTimezone(t *testing.T) {
	if loc := Timezone(Map{}); loc != time.UTC {
		t.Errorf("Timezone(empty) = %v; want UTC", loc)
	}
	if loc := Timezone(Map{"timezone": "Not/AZone"}); loc != time.UTC {
		t.Errorf("Timezone(invalid) = %v; want UTC", loc)
	}
}

func TestTaskMaxRunTime(t *testing.T) {
	if d := TaskMaxRunTime(Map{}); d != 0 {
		t.Errorf("TaskMaxRunTime(empty) = %v; want 0", d)
	}
	if d := TaskMaxRunTime(Map{"task_maximum_run_time": "90"}); d != 90*time.Second {
		t.Errorf("TaskMaxRunTime = %v; want 90s", d)
	}
}

func TestNewEmailSettings_Defaults(t *testing.T) {
	e := NewEmailSettings(Map{})
	if e.Port != 25 || e.Security != "none" || e.From != "no-reply@example.com" || e.FromName != "No Reply" {
		t.Errorf("unexpected defaults: %+v", e)
	}
	if e.SMTPAuth || e.Configured() {
		t.Errorf("defaults must be unauthenticated and unconfigured: %+v", e)
	}
}

func TestNewEmailSettings_Values(t *testing.T) {
	e := NewEmailSettings(Map{
		"email_smtp_server": "smtp.local",
		"email_smtp_auth":   "1",
		"email_port":        "587",
		"email_security":    "tls",
	})
	if !e.Configured() || !e.SMTPAuth || e.Port != 587 || e.Security != "tls" {
		t.Errorf("unexpected settings: %+v", e)
	}
}
