package chardev

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"accelnode/adxl345"
	"accelnode/errno"
)

// Config holds the pipeline timing and filtering.
type Config struct {
	WakeDelay       time.Duration
	PollInterval    time.Duration
	FilterThreshold int
}

// DefaultConfig returns the part's wake-up time, a 10 ms readiness poll and
// the default filter threshold.
func DefaultConfig() Config {
	return Config{
		WakeDelay:       2 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		FilterThreshold: DefaultFilterThreshold,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithSleep(fn SleepFunc) Option {
	return func(p *Pipeline) { p.sleep = fn }
}

func WithLogger(l *log.Entry) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline serves the node's file operations from the device in a Registry.
type Pipeline struct {
	registry *Registry
	filter   *Filter
	cfg      Config
	sleep    SleepFunc
	log      *log.Entry
}

// NewPipeline builds the file operations for the device published in reg.
func NewPipeline(reg *Registry, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: reg,
		filter:   NewFilter(cfg.FilterThreshold),
		cfg:      cfg,
		sleep:    Sleep,
		log:      log.WithField("component", "chardev"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Filter exposes the baseline filter shared by every open file.
func (p *Pipeline) Filter() *Filter { return p.filter }

// Open switches the part to measurement mode. The node is read-only.
func (p *Pipeline) Open(f *File) error {
	mode := f.AccessMode()
	if mode == unix.O_WRONLY || mode == unix.O_RDWR {
		return fmt.Errorf("open for writing: %w", errno.ErrPermission)
	}

	shared, err := p.registry.Device()
	if err != nil {
		return err
	}

	dev := shared.Lock()
	err = dev.EnableMeasure()
	shared.Unlock()
	if err != nil {
		return errno.AsIO("enable measure", err)
	}

	if err := p.sleep(context.Background(), p.cfg.WakeDelay); err != nil {
		return err
	}

	p.filter.Reset()
	f.SetNonSeekable()

	p.log.WithField("file", f.String()).Info("file open correctly executed")
	return nil
}

// Release puts the part back in standby. Failures are ignored.
func (p *Pipeline) Release(f *File) {
	shared, err := p.registry.Device()
	if err != nil {
		p.log.WithError(err).Warn("release without an active device")
		return
	}
	_ = shared.Do(func(d *adxl345.Device) error {
		return d.DisableMeasure()
	})
	p.log.WithField("file", f.String()).Debug("file released")
}

// Read fills buf with whole samples. It waits until the part has data unless
// the file is non-blocking, then reads while data stays available. Samples
// that hardly differ from the one before are skipped. On a transport failure
// the bytes already in buf are reported along with the error.
func (p *Pipeline) Read(ctx context.Context, f *File, buf []byte) (int, error) {
	items := len(buf) / adxl345.SampleSize
	if items == 0 {
		return 0, fmt.Errorf("read into %d bytes: %w", len(buf), errno.ErrInvalidArgument)
	}

	shared, err := p.registry.Device()
	if err != nil {
		return 0, err
	}

	// The lock covers the whole call, readiness sleeps included.
	dev := shared.Lock()
	defer shared.Unlock()

	for {
		ready, err := dev.DataReady()
		if err != nil {
			return 0, errno.AsIO("data ready", err)
		}
		if ready {
			break
		}
		if f.NonBlocking() {
			return 0, errno.ErrWouldBlock
		}
		if err := p.sleep(ctx, p.cfg.PollInterval); err != nil {
			return 0, err
		}
	}

	n := 0
	for i := 0; i < items; i++ {
		sample, err := dev.ReadData()
		if err != nil {
			return n, errno.AsIO("read data", err)
		}

		if !p.filter.Accept(sample) {
			continue
		}

		sample.Put(buf[n:])
		n += adxl345.SampleSize

		ready, err := dev.DataReady()
		if err != nil {
			return n, errno.AsIO("data ready", err)
		}
		if !ready {
			break
		}
	}
	return n, nil
}
