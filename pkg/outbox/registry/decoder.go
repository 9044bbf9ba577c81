package registry

import (
	"encoding/json"
	"fmt"
	"sync"
)

// DecoderFunc turns a raw envelope data payload into a typed value.
type DecoderFunc func(payload json.RawMessage) (interface{}, error)

type registryKey struct {
	eventType string
	version   int
}

// DecoderRegistry stores versioned payload decoders for inbound events.
type DecoderRegistry struct {
	mtx      sync.RWMutex
	registry map[registryKey]DecoderFunc
}

func NewDecoderRegistry() *DecoderRegistry {
	return &DecoderRegistry{registry: make(map[registryKey]DecoderFunc)}
}

func (r *DecoderRegistry) Register(eventType string, version int, decoder DecoderFunc) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.registry[registryKey{eventType: eventType, version: version}] = decoder
}

// Decode runs the decoder registered for the event type and version.
func (r *DecoderRegistry) Decode(eventType string, version int, payload json.RawMessage) (interface{}, error) {
	r.mtx.RLock()
	decoder, ok := r.registry[registryKey{eventType: eventType, version: version}]
	r.mtx.RUnlock()
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("decoder not registered for %s@v%d", eventType, version))
	}
	return decoder(payload)
}

// JSONDecoder builds a DecoderFunc that unmarshals into a fresh value from factory.
func JSONDecoder(factory func() interface{}) DecoderFunc {
	return func(payload json.RawMessage) (interface{}, error) {
		target := factory()
		if err := json.Unmarshal(payload, target); err != nil {
			return nil, NewNonRetryableError(fmt.Errorf("decode payload: %w", err))
		}
		return target, nil
	}
}
