package d3d

import "testing"

func TestGUIDString(t *testing.T) {
	got := IIDID3D11Device.String()
	want := "db6f6ddb-ac77-4e88-8253-819df9bbf140"
	if got != want {
		t.Errorf("GUID.String() = %q, want %q", got, want)
	}

	got = IIDIUnknown.String()
	want = "00000000-0000-0000-c000-000000000046"
	if got != want {
		t.Errorf("GUID.String() = %q, want %q", got, want)
	}
}

func TestHResultPredicates(t *testing.T) {
	tests := []struct {
		hr        HResult
		succeeded bool
	}{
		{OK, true},
		{HResult(0x00000001), true}, // S_FALSE is still success
		{EFail, false},
		{ENoInterface, false},
		{EPointer, false},
		{EInvalidArg, false},
	}
	for _, tt := range tests {
		if got := tt.hr.Succeeded(); got != tt.succeeded {
			t.Errorf("HResult(%#x).Succeeded() = %v, want %v", uint32(tt.hr), got, tt.succeeded)
		}
		if got := tt.hr.Failed(); got == tt.succeeded {
			t.Errorf("HResult(%#x).Failed() = %v, want %v", uint32(tt.hr), got, !tt.succeeded)
		}
	}
}

func TestHResultString(t *testing.T) {
	if got := EFail.String(); got != "E_FAIL" {
		t.Errorf("EFail.String() = %q, want E_FAIL", got)
	}
	if got := HResult(0x887a0005).String(); got != "HRESULT(0x887a0005)" {
		t.Errorf("unknown HResult String() = %q", got)
	}
}

func TestFeatureLevelString(t *testing.T) {
	tests := []struct {
		level FeatureLevel
		want  string
	}{
		{FeatureLevel9_1, "9.1"},
		{FeatureLevel11_0, "11.0"},
		{FeatureLevel11_1, "11.1"},
		{FeatureLevel12_1, "12.1"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("FeatureLevel(%#x).String() = %q, want %q", uint32(tt.level), got, tt.want)
		}
	}
}

func TestDriverTypeString(t *testing.T) {
	if got := DriverTypeHardware.String(); got != "hardware" {
		t.Errorf("DriverTypeHardware.String() = %q, want hardware", got)
	}
	if got := DriverType(99).String(); got != "driver_type(99)" {
		t.Errorf("unknown DriverType String() = %q", got)
	}
}
