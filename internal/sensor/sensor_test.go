package sensor

import (
	"context"
	"errors"
	"testing"
	"time"

	"robotrelay/internal/logger"
)

func TestParseDistance(t *testing.T) {
	tests := []struct {
		line    string
		want    float64
		wantErr bool
	}{
		{"123.4\r\n", 123.4, false},
		{"  42 cm\n", 42, false},
		{"0\n", 0, false},
		{"-1\n", -1, false},
		{"garbage\n", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseDistance(tt.line)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDistance(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrNoReading) {
			t.Errorf("ParseDistance(%q) error should wrap ErrNoReading", tt.line)
		}
		if got != tt.want {
			t.Errorf("ParseDistance(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestSampler_Window(t *testing.T) {
	values := []float64{10, 20, 30, 40}
	i := 0
	src := DistanceFunc(func(context.Context) (float64, error) {
		v := values[i%len(values)]
		i++
		return v, nil
	})
	s := NewSampler(src, time.Millisecond, 3, logger.Discard())

	for range values {
		if _, err := s.Sample(context.Background()); err != nil {
			t.Fatalf("Sample failed: %v", err)
		}
	}

	got := s.Readings()
	want := []float64{20, 30, 40}
	if len(got) != len(want) {
		t.Fatalf("Readings() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Readings()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSampler_SkipsFailures(t *testing.T) {
	src := DistanceFunc(func(context.Context) (float64, error) {
		return 0, ErrNoReading
	})
	s := NewSampler(src, time.Millisecond, 3, logger.Discard())

	if _, err := s.Sample(context.Background()); err == nil {
		t.Error("Expected error from failing sensor")
	}
	if len(s.Readings()) != 0 {
		t.Error("Failed reads should not be stored")
	}
}

func TestSampler_Run(t *testing.T) {
	src := DistanceFunc(func(context.Context) (float64, error) { return 55, nil })
	s := NewSampler(src, 5*time.Millisecond, 5, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan float64, 1)
	go s.Run(ctx, func(v float64) {
		select {
		case got <- v:
		default:
		}
	})
	defer cancel()

	select {
	case v := <-got:
		if v != 55 {
			t.Errorf("Expected 55, got %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not report a reading")
	}
}

func TestSampler_Take(t *testing.T) {
	src := DistanceFunc(func(context.Context) (float64, error) { return 30, nil })
	s := NewSampler(src, time.Millisecond, 5, logger.Discard())

	s.Sample(context.Background())
	s.Sample(context.Background())

	if got := s.Take(); len(got) != 2 {
		t.Errorf("Take() = %v, want 2 readings", got)
	}
	if got := s.Take(); len(got) != 0 {
		t.Errorf("Second Take() = %v, want none", got)
	}
}
