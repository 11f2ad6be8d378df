package interceptor

import (
	"errors"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"

	"github.com/thesyncim/v2x/pkg/v2x"
	"github.com/thesyncim/v2x/pkg/v2x/internal"
)

// FactoryOption configures the PERInterceptorFactory.
type FactoryOption func(*PERInterceptorFactory) error

// PERInterceptorFactory creates PERInterceptor instances for each
// PeerConnection. Register it with the interceptor registry to receive PER
// reports for relayed V2X broadcasts.
type PERInterceptorFactory struct {
	reportInterval time.Duration
	subInterval    time.Duration
	senderSSRC     uint32
	onReport       func(reports []PERReport)
	onPER          func(ssrc uint32, per v2x.PER)
	loggerFactory  logging.LoggerFactory
	clock          internal.Clock
}

// WithFactoryReportInterval sets how often PER reports are sent.
// Default: 1 second
func WithFactoryReportInterval(interval time.Duration) FactoryOption {
	return func(f *PERInterceptorFactory) error {
		if interval <= 0 {
			return errors.New("report interval must be positive")
		}
		f.reportInterval = interval
		return nil
	}
}

// WithFactorySubInterval sets the PER window slot duration.
// Default: 1 second
func WithFactorySubInterval(d time.Duration) FactoryOption {
	return func(f *PERInterceptorFactory) error {
		if d <= 0 {
			return errors.New("sub-interval must be positive")
		}
		f.subInterval = d
		return nil
	}
}

// WithFactorySenderSSRC sets the sender SSRC for PER reports.
// Default: 0
func WithFactorySenderSSRC(ssrc uint32) FactoryOption {
	return func(f *PERInterceptorFactory) error {
		f.senderSSRC = ssrc
		return nil
	}
}

// WithFactoryOnReport sets a callback invoked each time a PER report is sent.
func WithFactoryOnReport(fn func(reports []PERReport)) FactoryOption {
	return func(f *PERInterceptorFactory) error {
		f.onReport = fn
		return nil
	}
}

// WithFactoryOnPER sets a callback invoked on every per-stream PER update.
func WithFactoryOnPER(fn func(ssrc uint32, per v2x.PER)) FactoryOption {
	return func(f *PERInterceptorFactory) error {
		f.onPER = fn
		return nil
	}
}

// WithFactoryLoggerFactory sets the logger factory passed to interceptors.
func WithFactoryLoggerFactory(lf logging.LoggerFactory) FactoryOption {
	return func(f *PERInterceptorFactory) error {
		if lf == nil {
			return errors.New("logger factory must not be nil")
		}
		f.loggerFactory = lf
		return nil
	}
}

// withFactoryClock sets the clock passed to interceptors. Tests only.
func withFactoryClock(c internal.Clock) FactoryOption {
	return func(f *PERInterceptorFactory) error {
		f.clock = c
		return nil
	}
}

// NewPERInterceptorFactory creates a new factory for PERInterceptor
// instances.
//
// Example:
//
//	factory, err := NewPERInterceptorFactory(
//	    WithFactoryReportInterval(500*time.Millisecond),
//	)
//	if err != nil {
//	    return err
//	}
//	registry.Add(factory)
func NewPERInterceptorFactory(opts ...FactoryOption) (*PERInterceptorFactory, error) {
	f := &PERInterceptorFactory{
		reportInterval: time.Second,
		subInterval:    v2x.DefaultSubInterval,
		loggerFactory:  logging.NewDefaultLoggerFactory(),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// NewInterceptor creates a new PERInterceptor for a PeerConnection.
// This method is called by the interceptor registry when setting up a
// connection.
func (f *PERInterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	opts := []InterceptorOption{
		WithReportInterval(f.reportInterval),
		WithSubInterval(f.subInterval),
		WithSenderSSRC(f.senderSSRC),
		WithLoggerFactory(f.loggerFactory),
	}
	if f.onReport != nil {
		opts = append(opts, WithOnReport(f.onReport))
	}
	if f.onPER != nil {
		opts = append(opts, WithOnPER(f.onPER))
	}
	if f.clock != nil {
		opts = append(opts, WithClock(f.clock))
	}

	return NewPERInterceptor(opts...), nil
}
