package catalog

import (
	"errors"
	"testing"
	"time"
)

const validName = "S1A_IW_SLC__1SDV_20230115T170012_20230115T170039_046789_059B2F_AB12"

func TestParseGranule_Valid(t *testing.T) {
	g, err := ParseGranule(validName)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Name != validName {
		t.Errorf("unexpected name: %s", g.Name)
	}
	if g.Mission != "S1A" {
		t.Errorf("unexpected mission: %s", g.Mission)
	}
	want := time.Date(2023, 1, 15, 17, 0, 12, 0, time.UTC)
	if !g.AcquisitionDate.Equal(want) {
		t.Errorf("unexpected acquisition date: %v", g.AcquisitionDate)
	}
}

func TestParseGranule_TrimsArchiveSuffixes(t *testing.T) {
	for _, name := range []string{validName + ".zip", validName + ".SAFE"} {
		g, err := ParseGranule(name)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", name, err)
		}
		if g.Name != validName {
			t.Errorf("suffix not trimmed: %s", g.Name)
		}
	}
}

func TestParseGranule_GRDProduct(t *testing.T) {
	name := "S1B_IW_GRDH_1SDV_20210601T061330_20210601T061355_027201_033FA8_9A1C"
	g, err := ParseGranule(name)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Mission != "S1B" {
		t.Errorf("unexpected mission: %s", g.Mission)
	}
}

func TestParseGranule_Malformed(t *testing.T) {
	tests := []string{
		"",
		"not-a-granule",
		"S1A_IW_SLC__1SDV_20230115T170012",
		"S2A_IW_SLC__1SDV_20230115T170012_20230115T170039_046789_059B2F_AB12",
		"S1A_IW_SLC__1SDV_2023011XT170012_20230115T170039_046789_059B2F_AB12",
	}
	for _, name := range tests {
		if _, err := ParseGranule(name); !errors.Is(err, ErrMalformedGranule) {
			t.Errorf("expected ErrMalformedGranule for %q, got %v", name, err)
		}
	}
}
