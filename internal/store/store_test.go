package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndGetCommand(t *testing.T) {
	s := openTestStore(t)
	cmd := Command{
		UUID:         "cmd-1",
		SerialNumber: 0x112233445566,
		Command:      "reboot",
		Params:       `{}`,
		SubmittedBy:  "tester",
		Status:       StatusPending,
	}
	if err := s.AddCommand(cmd); err != nil {
		t.Fatalf("add command: %v", err)
	}
	got, ok, err := s.GetCommand("cmd-1")
	if err != nil {
		t.Fatalf("get command: %v", err)
	}
	if !ok {
		t.Fatalf("expected command to exist")
	}
	if got.Command != "reboot" || got.Status != StatusPending {
		t.Fatalf("unexpected command: %+v", got)
	}

	if _, ok, err := s.GetCommand("nope"); err != nil || ok {
		t.Fatalf("expected missing command, got ok=%v err=%v", ok, err)
	}
}

func TestUpdateCommandStatus(t *testing.T) {
	s := openTestStore(t)
	cmd := Command{UUID: "cmd-2", SerialNumber: 1, Command: "ping", Params: `{}`, SubmittedBy: "*system", Status: StatusPending}
	if err := s.AddCommand(cmd); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.UpdateCommandStatus("cmd-2", StatusCompleted, 0, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, err := s.GetCommand("cmd-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Completed == 0 {
		t.Fatalf("expected completed timestamp to be set")
	}
}

func TestSetCommandResult(t *testing.T) {
	s := openTestStore(t)
	cmd := Command{UUID: "cmd-3", SerialNumber: 1, Command: "state", Params: `{}`, SubmittedBy: "*system", Status: StatusExecuting}
	if err := s.AddCommand(cmd); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.SetCommandResult("cmd-3", `{"ok":true}`); err != nil {
		t.Fatalf("set result: %v", err)
	}
	got, _, _ := s.GetCommand("cmd-3")
	if got.Results != `{"ok":true}` {
		t.Fatalf("unexpected results: %s", got.Results)
	}
}

func TestExistingConfiguration(t *testing.T) {
	s := openTestStore(t)
	serial := uint64(42)
	if err := s.CreateDefaultDevice(serial, "caps"); err != nil {
		t.Fatalf("create device: %v", err)
	}
	if _, _, ok, err := s.ExistingConfiguration(serial, 0); err != nil || ok {
		t.Fatalf("expected no configuration yet, ok=%v err=%v", ok, err)
	}

	if _, err := s.db.Exec(`UPDATE devices SET config = ?, config_uuid = ? WHERE serial_number = ?`, `{"a":1}`, 5, serial); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	config, newUUID, ok, err := s.ExistingConfiguration(serial, 3)
	if err != nil {
		t.Fatalf("existing configuration: %v", err)
	}
	if !ok || config != `{"a":1}` || newUUID != 5 {
		t.Fatalf("unexpected result: config=%s uuid=%d ok=%v", config, newUUID, ok)
	}

	if _, _, ok, err := s.ExistingConfiguration(serial, 5); err != nil || ok {
		t.Fatalf("expected no update when current uuid is up to date, ok=%v err=%v", ok, err)
	}
}

func TestBlacklistAndDeviceExists(t *testing.T) {
	s := openTestStore(t)
	serial := uint64(7)
	if exists, err := s.DeviceExists(serial); err != nil || exists {
		t.Fatalf("expected no device yet, exists=%v err=%v", exists, err)
	}
	if err := s.CreateDefaultDevice(serial, "caps"); err != nil {
		t.Fatalf("create device: %v", err)
	}
	if exists, err := s.DeviceExists(serial); err != nil || !exists {
		t.Fatalf("expected device to exist, exists=%v err=%v", exists, err)
	}
	if blacklisted, err := s.IsBlacklisted(serial); err != nil || blacklisted {
		t.Fatalf("expected not blacklisted, got %v err=%v", blacklisted, err)
	}
	if _, err := s.db.Exec(`UPDATE devices SET blacklisted = 1 WHERE serial_number = ?`, serial); err != nil {
		t.Fatalf("seed blacklist: %v", err)
	}
	if blacklisted, err := s.IsBlacklisted(serial); err != nil || !blacklisted {
		t.Fatalf("expected blacklisted, got %v err=%v", blacklisted, err)
	}
}

func TestCapabilitiesAndFirmware(t *testing.T) {
	s := openTestStore(t)
	serial := uint64(9)
	if err := s.UpdateCapabilities(serial, "caps-v1"); err != nil {
		t.Fatalf("update capabilities: %v", err)
	}
	if err := s.SetFirmware(serial, "1.2.3"); err != nil {
		t.Fatalf("set firmware: %v", err)
	}
	var caps, firmware string
	if err := s.db.QueryRow(`SELECT capabilities, firmware FROM devices WHERE serial_number = ?`, serial).Scan(&caps, &firmware); err != nil {
		t.Fatalf("query: %v", err)
	}
	if caps != "caps-v1" || firmware != "1.2.3" {
		t.Fatalf("unexpected device row: caps=%s firmware=%s", caps, firmware)
	}
}

func TestTelemetryAndLogInserts(t *testing.T) {
	s := openTestStore(t)
	serial := uint64(11)
	if err := s.AddStatistics(serial, 1, `{"state":"ok"}`); err != nil {
		t.Fatalf("add statistics: %v", err)
	}
	if err := s.AddHealthcheck(serial, 1, 100, `{"sanity":100}`); err != nil {
		t.Fatalf("add healthcheck: %v", err)
	}
	if err := s.AddLog(serial, "boot complete", 6, "debug"); err != nil {
		t.Fatalf("add log: %v", err)
	}
	if err := s.AttachFileToCommand("cmd-1", "file-1"); err != nil {
		t.Fatalf("attach file: %v", err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM statistics WHERE serial_number = ?`, serial).Scan(&n); err != nil || n != 1 {
		t.Fatalf("expected 1 statistics row, got %d err=%v", n, err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM healthchecks WHERE serial_number = ?`, serial).Scan(&n); err != nil || n != 1 {
		t.Fatalf("expected 1 healthcheck row, got %d err=%v", n, err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM device_logs WHERE serial_number = ?`, serial).Scan(&n); err != nil || n != 1 {
		t.Fatalf("expected 1 log row, got %d err=%v", n, err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM command_files WHERE uuid = ?`, "cmd-1").Scan(&n); err != nil || n != 1 {
		t.Fatalf("expected 1 command file row, got %d err=%v", n, err)
	}
}
