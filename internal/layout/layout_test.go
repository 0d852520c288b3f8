package layout

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDeviceName(t *testing.T) {
	table := map[uint8]string{1: "muslo_derecho", 2: ""}
	if got := DeviceName(1, table); got != "muslo_derecho" {
		t.Fatalf("DeviceName(1) = %q", got)
	}
	if got := DeviceName(2, table); got != "id2" {
		t.Fatalf("DeviceName(2) = %q", got)
	}
	if got := DeviceName(9, nil); got != "id9" {
		t.Fatalf("DeviceName(9) = %q", got)
	}
}

func TestDeviceFile(t *testing.T) {
	got := DeviceFile("/data", "imu_capturas", "pecho", 3)
	want := filepath.Join("/data", "imu_capturas3", "pecho3", "pecho3.csv")
	if got != want {
		t.Fatalf("DeviceFile = %q, want %q", got, want)
	}
}

func TestParseSessionDir(t *testing.T) {
	tests := []struct {
		in string
		n  int
		ok bool
	}{
		{"imu_capturas1", 1, true},
		{"imu_capturas100", 100, true},
		{"imu_capturas", 0, false},
		{"imu_capturas1a", 0, false},
		{"otra12", 0, false},
	}
	for _, tc := range tests {
		n, ok := ParseSessionDir("imu_capturas", tc.in)
		if n != tc.n || ok != tc.ok {
			t.Errorf("ParseSessionDir(%q) = %d,%v want %d,%v", tc.in, n, ok, tc.n, tc.ok)
		}
	}
}

func TestTrimIndex(t *testing.T) {
	if got, ok := TrimIndex("id73", 3); !ok || got != "id7" {
		t.Fatalf("TrimIndex(id73,3) = %q,%v", got, ok)
	}
	if _, ok := TrimIndex("pecho4", 3); ok {
		t.Fatal("TrimIndex matched wrong index")
	}
	if _, ok := TrimIndex("3", 3); ok {
		t.Fatal("TrimIndex accepted bare index")
	}
}

func TestFindSessions(t *testing.T) {
	base := t.TempDir()
	for _, d := range []string{"imu_capturas10", "imu_capturas2", "imu_capturas", "imu_capturasX", "otra"} {
		if err := os.Mkdir(filepath.Join(base, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(base, "imu_capturas7"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := FindSessions(base, "imu_capturas")
	if err != nil {
		t.Fatalf("FindSessions: %v", err)
	}
	if len(got) != 2 || got[0].Index != 2 || got[1].Index != 10 || got[1].Name != "imu_capturas10" {
		t.Fatalf("sessions = %+v", got)
	}
}
