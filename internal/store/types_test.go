package store

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/welltestfit/internal/fit"
)

func TestCheckpointValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Checkpoint)
		wantField string
	}{
		{"valid", func(*Checkpoint) {}, ""},
		{"empty id", func(c *Checkpoint) { c.FitID = "" }, "FitID"},
		{"negative mse", func(c *Checkpoint) { c.BestMSE = -1 }, "BestMSE"},
		{"negative initial", func(c *Checkpoint) { c.InitialMSE = -1 }, "InitialMSE"},
		{"negative iteration", func(c *Checkpoint) { c.Iteration = -1 }, "Iteration"},
		{"zero timestamp", func(c *Checkpoint) { c.Timestamp = time.Time{} }, "Timestamp"},
		{"tampered series", func(c *Checkpoint) { c.Session.Series.Pressure[0] = 99 }, "Session.Fingerprint"},
		{"no model", func(c *Checkpoint) { c.Session.Model = "" }, "Session.Model"},
		{"no params", func(c *Checkpoint) { c.Session.Params = nil }, "Session.Params"},
		{"duplicate param", func(c *Checkpoint) { c.Session.Params[1].Name = "km" }, "Session.Params"},
		{"inverted range", func(c *Checkpoint) { c.Session.Params[0].Min = 1e4 }, "Session.Params"},
		{"bad weight", func(c *Checkpoint) { c.Session.Weight = 1.5 }, "Session.Weight"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := createTestCheckpoint("fit")
			tt.modify(cp)
			err := cp.Validate()

			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Expected valid checkpoint, got %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("Expected field %s, got %s (%v)", tt.wantField, ve.Field, err)
			}
		})
	}
}

func TestCheckpointToInfo(t *testing.T) {
	cp := createTestCheckpoint("fit-1")
	info := cp.ToInfo()

	if info.FitID != "fit-1" || info.Model != "homogeneous" || info.Points != 3 {
		t.Errorf("Unexpected info: %+v", info)
	}
	if info.BestMSE != cp.BestMSE || info.Iteration != cp.Iteration || info.Reason != fit.Converged {
		t.Errorf("Info does not carry fit state: %+v", info)
	}
}

func TestCheckpointIsCompatible(t *testing.T) {
	cp := createTestCheckpoint("fit")

	if err := cp.IsCompatible(testSession()); err != nil {
		t.Errorf("Expected compatible, got %v", err)
	}

	other := testSession()
	other.Model = "dual-porosity"
	err := cp.IsCompatible(other)
	var ce *CompatibilityError
	if !errors.As(err, &ce) || ce.Field != "Model" {
		t.Errorf("Expected Model incompatibility, got %v", err)
	}

	other = testSession()
	other.Series.Time[2] = 20
	other.Fingerprint = ""
	err = cp.IsCompatible(other)
	if !errors.As(err, &ce) || ce.Field != "Fingerprint" {
		t.Errorf("Expected Fingerprint incompatibility, got %v", err)
	}
	if !strings.Contains(err.Error(), "mismatch") {
		t.Errorf("Unexpected message %q", err.Error())
	}
}
