package logging

import "testing"

func TestNewBuildsBothModes(t *testing.T) {
	t.Parallel()

	dev, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	dev.Debug("dev logger works")

	prod, err := New(false)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	prod.Info("prod logger works")
}
