package interceptor

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/report"
	"github.com/pion/webrtc/v4"
)

// ConfigureMediaEngine registers the default codecs and the msg-count
// header extension so it is offered during SDP negotiation. The extension
// must be registered before the PeerConnection is created.
func ConfigureMediaEngine(m *webrtc.MediaEngine) error {
	if err := m.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("register codecs: %w", err)
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: MsgCountURI}, kind); err != nil {
			return fmt.Errorf("register msg-count extension: %w", err)
		}
	}
	return nil
}

// NewAPI builds a webrtc.API whose PeerConnections negotiate the msg-count
// extension and run a PER interceptor created with opts, alongside Pion's
// Sender Report interceptor.
func NewAPI(opts ...FactoryOption) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := ConfigureMediaEngine(m); err != nil {
		return nil, err
	}

	registry, err := newRegistry(opts...)
	if err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

// newRegistry returns the interceptors of a NewAPI PeerConnection. Pion's
// Receiver Report generator is not registered, so every Receiver Report
// sent carries PER.
func newRegistry(opts ...FactoryOption) (*interceptor.Registry, error) {
	registry := &interceptor.Registry{}

	factory, err := NewPERInterceptorFactory(opts...)
	if err != nil {
		return nil, fmt.Errorf("create PER interceptor factory: %w", err)
	}
	registry.Add(factory)

	sender, err := report.NewSenderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create sender report interceptor: %w", err)
	}
	registry.Add(sender)

	return registry, nil
}
