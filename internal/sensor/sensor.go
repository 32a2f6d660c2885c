// Package sensor samples the robot's distance sensor.
package sensor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"robotrelay/internal/logger"
)

var ErrNoReading = errors.New("no distance reading")

// Distance reads one distance value in centimeters.
type Distance interface {
	Read(ctx context.Context) (float64, error)
}

// DistanceFunc adapts a function to Distance.
type DistanceFunc func(ctx context.Context) (float64, error)

func (f DistanceFunc) Read(ctx context.Context) (float64, error) { return f(ctx) }

// SerialDistance reads newline terminated centimeter values from a serial
// ranging module, e.g. "123.4\r\n".
type SerialDistance struct {
	port   serial.Port
	reader *bufio.Reader
	mu     sync.Mutex
}

// OpenSerialDistance opens the sensor port at the given baud rate.
func OpenSerialDistance(portName string, baud int) (*SerialDistance, error) {
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open distance sensor %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(500 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return &SerialDistance{port: port, reader: bufio.NewReader(port)}, nil
}

func (s *SerialDistance) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := s.reader.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoReading, err)
	}
	return ParseDistance(line)
}

func (s *SerialDistance) Close() error {
	return s.port.Close()
}

// ParseDistance parses a single sensor line.
func ParseDistance(line string) (float64, error) {
	line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), "cm"))
	v, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNoReading, line)
	}
	return v, nil
}

// Sampler polls a Distance sensor and keeps a window of recent readings.
type Sampler struct {
	sensor   Distance
	interval time.Duration
	window   int
	logger   *logger.Logger

	mu       sync.Mutex
	readings []float64
}

func NewSampler(sensor Distance, interval time.Duration, window int, logger *logger.Logger) *Sampler {
	if window <= 0 {
		window = 10
	}
	return &Sampler{sensor: sensor, interval: interval, window: window, logger: logger}
}

// Sample takes one reading and stores it. Failed reads are not stored.
func (s *Sampler) Sample(ctx context.Context) (float64, error) {
	v, err := s.sensor.Read(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.readings = append(s.readings, v)
	if len(s.readings) > s.window {
		s.readings = s.readings[len(s.readings)-s.window:]
	}
	s.mu.Unlock()
	return v, nil
}

// Readings returns the stored readings, oldest first.
func (s *Sampler) Readings() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.readings...)
}

// Take returns the readings stored since the previous Take and clears them.
func (s *Sampler) Take() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	taken := s.readings
	s.readings = nil
	return taken
}

// Run samples every interval until ctx is done, calling onReading for each value.
func (s *Sampler) Run(ctx context.Context, onReading func(float64)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, err := s.Sample(ctx)
			if err != nil {
				s.logger.Debug("Distance read failed: %v", err)
				continue
			}
			if onReading != nil {
				onReading(v)
			}
		}
	}
}
