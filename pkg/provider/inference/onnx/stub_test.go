//go:build !onnx

package onnx

import (
	"errors"
	"testing"
)

func TestNew_StubUnavailable(t *testing.T) {
	if Available() {
		t.Fatal("Available() = true without the onnx tag")
	}
	m, err := New("model.onnx", WithOutputWidth(5))
	if !errors.Is(err, ErrNativeUnavailable) {
		t.Fatalf("expected ErrNativeUnavailable, got %v", err)
	}
	if m != nil {
		t.Error("expected nil model")
	}
}

func TestNewConfig_Defaults(t *testing.T) {
	c := newConfig(nil)
	if c.inputName != DefaultInputName || c.outputName != DefaultOutputName {
		t.Errorf("names = %q/%q", c.inputName, c.outputName)
	}
	if c.outputWidth != 5 {
		t.Errorf("outputWidth = %d, want 5", c.outputWidth)
	}

	c = newConfig([]Option{
		WithInputName("spectrogram"),
		WithOutputName(""),
		WithInputShape(1, 10, 10, 1),
		WithOutputWidth(3),
	})
	if c.inputName != "spectrogram" || c.outputName != DefaultOutputName {
		t.Errorf("names = %q/%q", c.inputName, c.outputName)
	}
	if len(c.inputShape) != 4 || c.inputShape[1] != 10 {
		t.Errorf("inputShape = %v", c.inputShape)
	}
	if c.outputWidth != 3 {
		t.Errorf("outputWidth = %d, want 3", c.outputWidth)
	}
}
